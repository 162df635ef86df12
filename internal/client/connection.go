package client

import (
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"tickwire/internal/config"
	"tickwire/pkg/clocksync"
	"tickwire/pkg/core"
	"tickwire/pkg/ping"
	"tickwire/pkg/protocol"
)

// Connection 客户端的一条服务器连接：持有帧号、墙钟、心跳、时钟同步与输入缓冲，
// 全部状态只在帧循环里修改
type Connection[A comparable] struct {
	cfg       config.ClientConfig
	transport Transport
	codec     protocol.ActionCodec[A]
	logger    log.Logger

	playerID     int32
	sessionToken string
	joined       bool
	rollback     bool

	events *core.TickEvents
	ticks  *core.TickManager
	clock  *core.TimeManager
	pings  *ping.Manager
	sync   *clocksync.Manager
	inputs *InputManager[A]

	syncMetrics  *clocksync.Metrics
	inputMetrics *InputMetrics
}

// NewConnection 创建连接；需要调用 Join 之后才会开始同步。
// 共用同一个 reg 的多个连接共享同一组指标，reg 可以为 nil。
func NewConnection[A comparable](cfg config.ClientConfig, transport Transport, codec protocol.ActionCodec[A], logger log.Logger, reg prometheus.Registerer) *Connection[A] {
	c := &Connection[A]{
		cfg:          cfg,
		transport:    transport,
		codec:        codec,
		logger:       logger,
		playerID:     -1,
		syncMetrics:  clocksync.NewMetrics(reg),
		inputMetrics: NewInputMetrics(reg),
	}
	c.reset()
	return c
}

func (c *Connection[A]) reset() {
	c.events = &core.TickEvents{}
	c.ticks = nil
	c.clock = nil
	c.inputs = nil
	c.pings = ping.NewManager(c.cfg.Ping, c.cfg.Sync.StatsBufferDuration, c.logger)
	c.sync = clocksync.NewManager(c.cfg.Sync, c.logger, c.syncMetrics)
	c.joined = false
	c.rollback = false
}

// Join 发送加入请求；sessionToken 非空时请求恢复之前的会话
func (c *Connection[A]) Join(playerName, sessionToken string) error {
	return c.transport.SendReliable(protocol.NewJoinRequestPacket(playerName, sessionToken))
}

// Frame 执行一帧：处理重置事件与收到的包，推进固定步长并记录输入，
// 发心跳，更新时钟同步，最后按间隔发送输入。返回本帧执行的固定步数。
func (c *Connection[A]) Frame(now time.Time, delta time.Duration, action A) int {
	c.dispatchTickEvents()
	c.drainPackets(now)
	if !c.joined {
		return 0
	}

	steps := c.clock.Advance(delta)
	for i := 0; i < steps; i++ {
		tick := c.ticks.Increment()
		c.AddInput(action, tick)
	}

	if id, ok := c.pings.MaybePing(now); ok {
		if err := c.transport.SendReliable(protocol.NewPingPacket(uint16(id))); err != nil {
			level.Debug(c.logger).Log("msg", "心跳未发出", "ping_id", id, "err", err)
		}
	}

	c.sync.Update(c.clock, c.ticks, c.pings, c.cfg.Interpolation, c.cfg.ServerSendInterval)
	if c.sync.IsSynced() {
		c.sync.UpdatePredictionTime(c.clock, c.ticks, c.pings)
	}

	// 握手产生的重置事件要在打包输入前送达缓冲
	c.dispatchTickEvents()

	if c.sync.IsSynced() && c.inputs.Ready(now) {
		current := c.ticks.CurrentTick()
		if pkt, ok := c.inputs.Prepare(current); ok {
			c.inputs.Send(c.transport, pkt, current)
		}
		c.inputs.Pop(c.InterpolationTick())
	}
	return steps
}

func (c *Connection[A]) dispatchTickEvents() {
	for _, ev := range c.events.Drain() {
		level.Debug(c.logger).Log("msg", "帧号重置", "old", uint16(ev.Old), "new", uint16(ev.New), "delta", ev.Delta())
		if c.inputs != nil {
			c.inputs.HandleTickEvent(ev)
		}
		c.sync.HandleTickEvent(ev)
	}
}

func (c *Connection[A]) drainPackets(now time.Time) {
	for {
		pkt, ok := c.transport.Receive()
		if !ok {
			return
		}
		if err := c.handlePacket(now, pkt); err != nil {
			level.Warn(c.logger).Log("msg", "处理消息失败", "type", pkt.Type, "err", err)
		}
	}
}

func (c *Connection[A]) handlePacket(now time.Time, pkt *protocol.Packet) error {
	switch pkt.Type {
	case protocol.MessageTypeJoinResponse:
		resp, err := protocol.ParseJoinResponse(pkt)
		if err != nil {
			return err
		}
		c.onJoined(resp)

	case protocol.MessageTypePong:
		pong, err := protocol.ParsePong(pkt)
		if err != nil {
			return err
		}
		if _, ok := c.pings.HandlePong(ping.ID(pong.PingID), now); !ok {
			return nil
		}
		if c.joined {
			c.sync.ReceiveServerTick(pong.ServerTick, c.ticks.TickDuration(), c.pings.RTT())
		}

	case protocol.MessageTypeTickReport:
		report, err := protocol.ParseTickReport(pkt)
		if err != nil {
			return err
		}
		if c.joined {
			c.sync.ReceiveServerTick(report.ServerTick, c.ticks.TickDuration(), c.pings.RTT())
		}

	default:
		level.Debug(c.logger).Log("msg", "忽略消息", "type", pkt.Type)
	}
	return nil
}

func (c *Connection[A]) onJoined(resp *protocol.JoinResponse) {
	if c.joined {
		level.Warn(c.logger).Log("msg", "重复的加入响应", "player_id", resp.PlayerID)
		return
	}
	c.playerID = resp.PlayerID
	c.sessionToken = resp.SessionToken
	c.ticks = core.NewTickManager(resp.TickDuration, c.events)
	c.clock = core.NewTimeManager(resp.TickDuration)
	c.inputs = NewInputManager(c.cfg.Input, resp.TickDuration, c.codec, c.logger, c.inputMetrics)
	c.sync.ReceiveServerTick(resp.ServerTick, resp.TickDuration, c.pings.RTT())
	c.joined = true

	level.Info(c.logger).Log(
		"msg", "加入成功",
		"player_id", resp.PlayerID,
		"server_tick", uint16(resp.ServerTick),
		"tick_duration", resp.TickDuration,
		"input_message_length", c.inputs.MessageLength(),
	)
}

// AddInput 记录某帧的本地输入；回滚重放期间不记录
func (c *Connection[A]) AddInput(action A, tick core.Tick) {
	if c.inputs == nil || c.rollback {
		return
	}
	c.inputs.Add(action, tick)
}

// GetInput 只读地取某帧输入
func (c *Connection[A]) GetInput(tick core.Tick) (A, bool) {
	if c.inputs == nil {
		var zero A
		return zero, false
	}
	return c.inputs.Get(tick)
}

// Replay 回滚：按帧顺序把 [from, to] 的已记录输入交给 fn，期间 AddInput 不生效
func (c *Connection[A]) Replay(from, to core.Tick, fn func(tick core.Tick, action A, ok bool)) {
	c.rollback = true
	defer func() { c.rollback = false }()

	for n := to.Diff(from); n >= 0; n-- {
		tick := to.Add(-int(n))
		action, ok := c.GetInput(tick)
		fn(tick, action, ok)
	}
}

// IsSynced 时钟同步握手是否完成
func (c *Connection[A]) IsSynced() bool {
	return c.sync.IsSynced()
}

// IsJoined 是否收到了加入响应
func (c *Connection[A]) IsJoined() bool {
	return c.joined
}

// InterpolationTick 当前插值时间对应的帧号
func (c *Connection[A]) InterpolationTick() core.Tick {
	if c.ticks == nil {
		return 0
	}
	return c.sync.InterpolationTick()
}

// EstimatedInterpolatedTick 最近一次同步更新得到的插值帧号
func (c *Connection[A]) EstimatedInterpolatedTick() core.Tick {
	return c.sync.EstimatedInterpolatedTick()
}

// CurrentTick 本地模拟帧号
func (c *Connection[A]) CurrentTick() core.Tick {
	if c.ticks == nil {
		return 0
	}
	return c.ticks.CurrentTick()
}

// Stats 调试用的连接状态
type Stats struct {
	PlayerID         int32
	Synced           bool
	Tick             core.Tick
	ServerTick       core.Tick
	InterpolateTick  core.Tick
	RTT              time.Duration
	Jitter           time.Duration
	Samples          int
	PredictionSpeed  float64
	InterpolateSpeed float64
	BufferedInputs   int
}

// Stats 返回当前连接状态
func (c *Connection[A]) Stats() Stats {
	s := Stats{
		PlayerID:         c.playerID,
		Synced:           c.sync.IsSynced(),
		Tick:             c.CurrentTick(),
		ServerTick:       c.sync.LatestReceivedServerTick(),
		InterpolateTick:  c.InterpolationTick(),
		RTT:              c.pings.RTT(),
		Jitter:           c.pings.Jitter(),
		Samples:          c.pings.SampleCount(),
		PredictionSpeed:  c.sync.PredictionSpeedRatio(),
		InterpolateSpeed: c.sync.InterpolationSpeedRatio(),
	}
	if c.inputs != nil {
		s.BufferedInputs = c.inputs.Buffer().Len()
	}
	return s
}

// SessionToken 服务器下发的会话令牌，断线重连时带上
func (c *Connection[A]) SessionToken() string {
	return c.sessionToken
}

// Close 关闭传输并一次性丢弃所有同步与输入状态
func (c *Connection[A]) Close() error {
	err := c.transport.Close()
	c.reset()
	c.playerID = -1
	return err
}
