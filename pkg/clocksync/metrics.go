package clocksync

import (
	"github.com/prometheus/client_golang/prometheus"

	"tickwire/pkg/promreg"
)

// Metrics 时钟同步指标
type Metrics struct {
	synced             prometheus.Gauge
	predictionSpeed    prometheus.Gauge
	interpolationSpeed prometheus.Gauge
	tickSnaps          prometheus.Counter
	aheadError         prometheus.Histogram
}

// NewMetrics 注册指标；reg 为 nil 时只创建不注册，已注册过时复用已有指标
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		synced: promreg.Register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tickwire_clocksync_synced",
			Help: "1 once the clock sync handshake has completed.",
		})),
		predictionSpeed: promreg.Register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tickwire_clocksync_prediction_speed_ratio",
			Help: "Relative speed applied to the simulation tick clock.",
		})),
		interpolationSpeed: promreg.Register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tickwire_clocksync_interpolation_speed_ratio",
			Help: "Relative speed applied to the interpolation cursor.",
		})),
		tickSnaps: promreg.Register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tickwire_clocksync_tick_snaps_total",
			Help: "Number of hard tick rebases issued by the handshake.",
		})),
		aheadError: promreg.Register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tickwire_clocksync_client_ahead_error_seconds",
			Help:    "Difference between how far the client is ahead of the server and the required margin.",
			Buckets: []float64{-0.1, -0.05, -0.02, -0.01, -0.005, 0, 0.005, 0.01, 0.02, 0.05, 0.1},
		})),
	}
}
