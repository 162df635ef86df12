package client

import (
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"tickwire/internal/config"
	"tickwire/pkg/core"
	"tickwire/pkg/inputbuf"
	"tickwire/pkg/promreg"
	"tickwire/pkg/protocol"
)

// InputMetrics 输入通道指标
type InputMetrics struct {
	messagesSent    prometheus.Counter
	messagesEmpty   prometheus.Counter
	messagesDropped prometheus.Counter
	bufferLength    prometheus.Gauge
}

// NewInputMetrics 注册指标；reg 为 nil 时只创建不注册，已注册过时复用已有指标
func NewInputMetrics(reg prometheus.Registerer) *InputMetrics {
	return &InputMetrics{
		messagesSent: promreg.Register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tickwire_client_input_messages_sent_total",
			Help: "Input messages handed to the transport.",
		})),
		messagesEmpty: promreg.Register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tickwire_client_input_messages_empty_total",
			Help: "Input messages skipped because every tick in the window was absent.",
		})),
		messagesDropped: promreg.Register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tickwire_client_input_messages_dropped_total",
			Help: "Input messages the transport refused to queue.",
		})),
		bufferLength: promreg.Register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tickwire_client_input_buffer_ticks",
			Help: "Ticks currently retained in the local input buffer.",
		})),
	}
}

// InputManager 本地输入缓冲与冗余发送
type InputManager[A comparable] struct {
	buffer        *inputbuf.Buffer[A]
	codec         protocol.ActionCodec[A]
	limiter       *rate.Limiter
	messageLength uint16
	logger        log.Logger
	metrics       *InputMetrics
}

// NewInputManager 创建输入管理器；SendInterval 为 0 时每帧都允许发送
func NewInputManager[A comparable](cfg config.InputConfig, tickDuration time.Duration, codec protocol.ActionCodec[A], logger log.Logger, metrics *InputMetrics) *InputManager[A] {
	if metrics == nil {
		metrics = NewInputMetrics(nil)
	}
	limit := rate.Inf
	if cfg.SendInterval > 0 {
		limit = rate.Every(cfg.SendInterval)
	}
	return &InputManager[A]{
		buffer:        inputbuf.NewBuffer[A](),
		codec:         codec,
		limiter:       rate.NewLimiter(limit, 1),
		messageLength: inputbuf.MessageLength(cfg.SendInterval, tickDuration, cfg.PacketRedundancy),
		logger:        logger,
		metrics:       metrics,
	}
}

// Buffer 底层输入缓冲
func (m *InputManager[A]) Buffer() *inputbuf.Buffer[A] {
	return m.buffer
}

// MessageLength 每个输入包覆盖的帧数
func (m *InputManager[A]) MessageLength() uint16 {
	return m.messageLength
}

// Add 记录某帧的输入
func (m *InputManager[A]) Add(action A, tick core.Tick) {
	m.buffer.Set(tick, action)
	m.metrics.bufferLength.Set(float64(m.buffer.Len()))
}

// Get 只读地取某帧输入
func (m *InputManager[A]) Get(tick core.Tick) (A, bool) {
	return m.buffer.Get(tick)
}

// HandleTickEvent 帧号重置时平移缓冲
func (m *InputManager[A]) HandleTickEvent(ev core.TickEvent) {
	m.buffer.HandleTickEvent(ev)
}

// Ready 是否到了发送间隔
func (m *InputManager[A]) Ready(now time.Time) bool {
	return m.limiter.AllowN(now, 1)
}

// Prepare 构造以 currentTick 结尾的输入包；整个窗口都没有输入时不发送
func (m *InputManager[A]) Prepare(currentTick core.Tick) (*protocol.Packet, bool) {
	msg := m.buffer.CreateMessage(currentTick, m.messageLength)
	if msg.IsEmpty() {
		m.metrics.messagesEmpty.Inc()
		return nil, false
	}
	return protocol.NewInputPacket(m.codec, msg), true
}

// Send 把输入包交给不可靠通道；失败只记录，下一个包的冗余窗口会补上
func (m *InputManager[A]) Send(t Transport, pkt *protocol.Packet, currentTick core.Tick) {
	if err := t.SendUnreliable(pkt); err != nil {
		m.metrics.messagesDropped.Inc()
		level.Debug(m.logger).Log("msg", "输入包未发出", "tick", uint16(currentTick), "err", err)
		return
	}
	m.metrics.messagesSent.Inc()
}

// Pop 丢弃插值帧及之前的输入
func (m *InputManager[A]) Pop(interpolationTick core.Tick) {
	m.buffer.Pop(interpolationTick)
	m.metrics.bufferLength.Set(float64(m.buffer.Len()))
}

// Reset 丢弃所有输入
func (m *InputManager[A]) Reset() {
	m.buffer = inputbuf.NewBuffer[A]()
	m.metrics.bufferLength.Set(0)
}
