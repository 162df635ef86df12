package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics 服务器指标
type Metrics struct {
	players        prometheus.Gauge
	joins          *prometheus.CounterVec
	packets        *prometheus.CounterVec
	inputsReceived prometheus.Counter
	inputsRecover  prometheus.Counter
	inputsMissing  prometheus.Counter
	inputsLate     prometheus.Counter
	tickReports    prometheus.Counter
}

// NewMetrics 注册指标；reg 为 nil 时只创建不注册
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		players: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "tickwire_server_players",
			Help: "Players currently connected to the room.",
		}),
		joins: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "tickwire_server_joins_total",
			Help: "Join requests by outcome.",
		}, []string{"result"}),
		packets: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "tickwire_server_packets_received_total",
			Help: "Decoded client packets by kind.",
		}, []string{"kind"}),
		inputsReceived: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "tickwire_server_inputs_received_total",
			Help: "Ticks for which an input value arrived for the first time.",
		}),
		inputsRecover: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "tickwire_server_inputs_recovered_total",
			Help: "Ticks whose input only arrived through the redundancy window of a later message.",
		}),
		inputsMissing: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "tickwire_server_inputs_missing_total",
			Help: "Server ticks simulated without an input for a player.",
		}),
		inputsLate: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "tickwire_server_input_messages_late_total",
			Help: "Input messages that ended before the tick the server already simulated.",
		}),
		tickReports: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "tickwire_server_tick_reports_sent_total",
			Help: "Tick report broadcasts.",
		}),
	}
}
