// Package clocksync 让客户端的模拟帧与插值时间对齐到服务器的逻辑时间线。
//
// 同步分两步：收集到足够的心跳样本后做一次握手，把本地帧号一次性对齐到
// “服务器收到本包时” 再加上安全余量的位置；之后每帧比较本地预测时间与估计的
// 服务器时间，只通过速度倍率（加速/减速/正常）缓慢修正，不再跳变。
// 插值时间始终只靠速度倍率追赶，从不跳变。
package clocksync

import (
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"tickwire/pkg/core"
)

// interpolationTolerance 插值时间与目标相差超过该值才调速
const interpolationTolerance = 10 * time.Millisecond

// TickSource 帧号来源
type TickSource interface {
	CurrentTick() core.Tick
	TickDuration() time.Duration
	SetTickTo(tick core.Tick)
}

// WallClock 墙钟来源
type WallClock interface {
	Delta() time.Duration
	Overstep() time.Duration
	SetRelativeSpeed(speed float64)
}

// LatencySource RTT/抖动来源
type LatencySource interface {
	RTT() time.Duration
	Jitter() time.Duration
	SampleCount() int
}

// Manager 每个连接一个，只在帧循环里使用
type Manager struct {
	cfg     Config
	logger  log.Logger
	metrics *Metrics

	synced bool

	currentServerTime       core.TickTime
	serverTimeSeeded        bool
	interpolationTime       core.TickTime
	interpolationSpeedRatio float64
	predictionSpeedRatio    float64
	clientAheadMinimum      time.Duration

	latestReceivedServerTick              core.Tick
	hasServerTick                         bool
	durationSinceLatestReceivedServerTick time.Duration
	estimatedInterpolationTick            core.Tick
}

// NewManager 创建未同步的管理器；metrics 可以为 nil
func NewManager(cfg Config, logger log.Logger, metrics *Metrics) *Manager {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	metrics.synced.Set(0)
	metrics.predictionSpeed.Set(1)
	metrics.interpolationSpeed.Set(1)
	return &Manager{
		cfg:                     cfg,
		logger:                  logger,
		metrics:                 metrics,
		interpolationSpeedRatio: 1.0,
		predictionSpeedRatio:    1.0,
	}
}

// IsSynced 握手是否完成
func (m *Manager) IsSynced() bool {
	return m.synced
}

// Update 每帧调用一次，必须在帧号与墙钟都已推进之后
func (m *Manager) Update(clock WallClock, ticks TickSource, pings LatencySource, delay InterpolationDelay, serverSendInterval time.Duration) {
	delta := clock.Delta()
	m.durationSinceLatestReceivedServerTick += delta
	m.currentServerTime = m.currentServerTime.Add(delta)
	m.interpolationTime = m.interpolationTime.Add(time.Duration(float64(delta) * m.interpolationSpeedRatio))

	if !m.synced && pings.SampleCount() >= int(m.cfg.HandshakePings) {
		level.Info(m.logger).Log("msg", "心跳样本足够，完成握手", "samples", pings.SampleCount())
		m.synced = true
		m.metrics.synced.Set(1)
		m.Finalize(clock, ticks, pings)
		m.interpolationTime = m.InterpolationObjective(delay, serverSendInterval, ticks.TickDuration())
	}

	if m.synced {
		m.updateInterpolationTime(delay, serverSendInterval, ticks.TickDuration())
		m.estimatedInterpolationTick = m.interpolationTime.Tick()
	}
}

// Finalize 握手完成：重新估计服务器时间，并把本地帧号一次性对齐
func (m *Manager) Finalize(clock WallClock, ticks TickSource, pings LatencySource) {
	tickDuration := ticks.TickDuration()
	rtt := pings.RTT()
	jitter := pings.Jitter()

	// 握手前的估计没有可靠的 RTT，这里直接重建
	m.serverTimeSeeded = false
	m.UpdateCurrentServerTime(tickDuration, rtt)

	m.clientAheadMinimum = m.ClientAheadMinimum(tickDuration, jitter)
	idealTick := m.predictedServerReceiveTime(rtt).Add(m.clientAheadMinimum).CeilTick()

	current := ticks.CurrentTick()
	level.Info(m.logger).Log(
		"msg", "时钟同步完成",
		"samples", pings.SampleCount(),
		"latency", rtt/2,
		"jitter", jitter,
		"client_ahead_minimum", m.clientAheadMinimum,
		"delta_tick", idealTick.Diff(current),
		"client_ideal_tick", uint16(idealTick),
		"server_tick", uint16(m.latestReceivedServerTick),
		"client_current_tick", uint16(current),
	)
	m.metrics.tickSnaps.Inc()
	ticks.SetTickTo(idealTick)
}

// ClientAheadMinimum 客户端至少需要领先服务器的时长：
// jitterMargin*jitter + tickMargin*tickDuration
func (m *Manager) ClientAheadMinimum(tickDuration, jitter time.Duration) time.Duration {
	return time.Duration(m.cfg.JitterMultipleMargin)*jitter + time.Duration(m.cfg.TickMargin)*tickDuration
}

// UpdatePredictionTime 稳态调速：比较本地预测时间与服务器收包时间，设置速度倍率
//
// 倍率由帧推进驱动方使用，这里不直接改墙钟。
func (m *Manager) UpdatePredictionTime(clock WallClock, ticks TickSource, pings LatencySource) {
	rtt := pings.RTT()
	jitter := pings.Jitter()
	tickDuration := ticks.TickDuration()

	// 两个时间都以最新服务器帧为原点，服务器帧号回绕时差值不跳变
	origin := core.NewTickTime(m.latestReceivedServerTick, 0, tickDuration)
	clientAheadDelta := m.currentPredictionAhead(ticks, clock) - m.predictedServerReceiveTime(rtt).Sub(origin)
	m.clientAheadMinimum = m.ClientAheadMinimum(tickDuration, jitter)
	errorDelta := clientAheadDelta - m.clientAheadMinimum
	errorMargin := time.Duration(float64(tickDuration) * m.cfg.ErrorMargin)
	m.metrics.aheadError.Observe(errorDelta.Seconds())

	speed := 1.0
	switch {
	case errorDelta > errorMargin:
		// 领先太多，减速
		speed = 1.0 / m.cfg.SpeedupFactor
	case errorDelta < -errorMargin:
		// 落后，加速
		speed = m.cfg.SpeedupFactor
	}

	if speed != m.predictionSpeedRatio {
		level.Debug(m.logger).Log(
			"msg", "调整模拟速度",
			"speed", speed,
			"rtt", rtt,
			"jitter", jitter,
			"client_tick", uint16(ticks.CurrentTick()),
			"server_tick", uint16(m.latestReceivedServerTick),
			"client_ahead_delta", clientAheadDelta,
			"client_ahead_minimum", m.clientAheadMinimum,
			"error", errorDelta,
			"error_margin", errorMargin,
		)
	}
	m.predictionSpeedRatio = speed
	m.metrics.predictionSpeed.Set(speed)
	clock.SetRelativeSpeed(speed)
}

// currentPredictionAhead 本地预测时间相对最新服务器帧的时长；客户端应当领先服务器，
// 如果看起来落后了接近半个周期，说明本地帧号已经回绕
func (m *Manager) currentPredictionAhead(ticks TickSource, clock WallClock) time.Duration {
	ahead := core.UnwrapAhead(ticks.CurrentTick(), m.latestReceivedServerTick) - int64(m.latestReceivedServerTick)
	return time.Duration(ahead)*ticks.TickDuration() + clock.Overstep()
}

// predictedServerReceiveTime 现在发出的包到达服务器时的服务器时间
func (m *Manager) predictedServerReceiveTime(rtt time.Duration) core.TickTime {
	return m.currentServerTime.Add(rtt / 2)
}

// ReceiveServerTick 收到服务器帧号报告；只接受比已知更新的帧号
func (m *Manager) ReceiveServerTick(tick core.Tick, tickDuration, rtt time.Duration) bool {
	if m.hasServerTick && !tick.IsAfter(m.latestReceivedServerTick) {
		return false
	}
	m.latestReceivedServerTick = tick
	m.hasServerTick = true
	m.durationSinceLatestReceivedServerTick = 0
	m.UpdateCurrentServerTime(tickDuration, rtt)
	return true
}

// UpdateCurrentServerTime 指数平滑更新服务器当前时间估计，第一个样本直接采用
//
// 平滑作用在差值上：cur + (1-s)*(estimate-cur)。
func (m *Manager) UpdateCurrentServerTime(tickDuration, rtt time.Duration) {
	estimate := core.NewTickTime(
		m.latestReceivedServerTick,
		m.durationSinceLatestReceivedServerTick+rtt/2,
		tickDuration,
	)
	if !m.serverTimeSeeded {
		m.currentServerTime = estimate
		m.serverTimeSeeded = true
		return
	}
	s := m.cfg.CurrentServerTimeSmoothing
	m.currentServerTime = m.currentServerTime.Add(time.Duration(float64(estimate.Sub(m.currentServerTime)) * (1 - s)))
}

// InterpolationObjective 插值时间的目标：最新服务器时间减去插值延迟
func (m *Manager) InterpolationObjective(delay InterpolationDelay, serverSendInterval, tickDuration time.Duration) core.TickTime {
	return core.NewTickTime(
		m.latestReceivedServerTick,
		m.durationSinceLatestReceivedServerTick-delay.ToDuration(serverSendInterval),
		tickDuration,
	)
}

func (m *Manager) updateInterpolationTime(delay InterpolationDelay, serverSendInterval, tickDuration time.Duration) {
	delta := m.InterpolationObjective(delay, serverSendInterval, tickDuration).Sub(m.interpolationTime)

	ratio := 1.0
	switch {
	case delta > interpolationTolerance:
		// 插值落后太多，加速
		ratio = m.cfg.SpeedupFactor
	case delta < -interpolationTolerance:
		ratio = 1.0 / m.cfg.SpeedupFactor
	}
	m.interpolationSpeedRatio = ratio
	m.metrics.interpolationSpeed.Set(ratio)
}

// HandleTickEvent 外部重编号时同步平移服务器帧号记录；握手自身的对齐不影响服务器帧号
func (m *Manager) HandleTickEvent(ev core.TickEvent) {
	if ev.Source != core.TickSourceExternal || !m.hasServerTick {
		return
	}
	m.latestReceivedServerTick = m.latestReceivedServerTick.Add(int(ev.Delta()))
}

// CurrentServerTime 当前服务器时间估计
func (m *Manager) CurrentServerTime() core.TickTime {
	return m.currentServerTime
}

// InterpolationTime 插值时间
func (m *Manager) InterpolationTime() core.TickTime {
	return m.interpolationTime
}

// InterpolationSpeedRatio 插值速度倍率
func (m *Manager) InterpolationSpeedRatio() float64 {
	return m.interpolationSpeedRatio
}

// PredictionSpeedRatio 最近一次设置的模拟速度倍率
func (m *Manager) PredictionSpeedRatio() float64 {
	return m.predictionSpeedRatio
}

// LatestReceivedServerTick 最近收到的服务器帧号
func (m *Manager) LatestReceivedServerTick() core.Tick {
	return m.latestReceivedServerTick
}

// InterpolationTick 插值时间对应的帧号
func (m *Manager) InterpolationTick() core.Tick {
	return m.interpolationTime.Tick()
}

// EstimatedInterpolatedTick 最近一次 Update 计算的插值帧号
func (m *Manager) EstimatedInterpolatedTick() core.Tick {
	return m.estimatedInterpolationTick
}
