package server

import (
	"context"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/time/rate"

	"tickwire/internal/config"
	"tickwire/pkg/core"
	"tickwire/pkg/inputbuf"
	"tickwire/pkg/protocol"
)

const eventQueueSize = 256

// PlayerInput 某个玩家在某一帧使用的输入；Present 为 false 时沿用上一次的输入
type PlayerInput struct {
	Action  core.Input
	Present bool
}

// StepFunc 每个服务器帧调用一次，拿到所有玩家这一帧的输入
type StepFunc func(tick core.Tick, inputs map[int32]PlayerInput)

type player struct {
	id      int32
	name    string
	session Session
	inputs  *inputbuf.Buffer[core.Input]
	last    core.Input

	receiving bool
	latestEnd core.Tick
	// 相邻两条输入消息结束帧之差的最小值，近似客户端的发送间隔
	advance int16
}

// Room 权威帧循环：固定步长推进服务器帧号，按帧取出玩家输入，定期广播帧号
type Room struct {
	ctx    context.Context
	cancel context.CancelFunc

	cfg      config.ServerConfig
	logger   log.Logger
	metrics  *Metrics
	sessions *SessionIssuer
	step     StepFunc

	ticks   *core.TickManager
	reports *rate.Limiter

	players      map[int32]*player
	bySession    map[Session]*player
	nextPlayerID int32

	eventCh chan roomEvent
}

// NewRoom 创建房间；step 可以为 nil
func NewRoom(parent context.Context, cfg config.ServerConfig, sessions *SessionIssuer, logger log.Logger, metrics *Metrics, step StepFunc) *Room {
	ctx, cancel := context.WithCancel(parent)

	return &Room{
		ctx:          ctx,
		cancel:       cancel,
		cfg:          cfg,
		logger:       logger,
		metrics:      metrics,
		sessions:     sessions,
		step:         step,
		ticks:        core.NewTickManager(cfg.TickDuration, &core.TickEvents{}),
		reports:      rate.NewLimiter(rate.Every(cfg.TickReportInterval), 1),
		players:      make(map[int32]*player),
		bySession:    make(map[Session]*player),
		nextPlayerID: 1,
		eventCh:      make(chan roomEvent, eventQueueSize),
	}
}

// Run 房间循环，直到 Shutdown
func (r *Room) Run(wg *sync.WaitGroup) {
	defer wg.Done()

	ticker := time.NewTicker(r.cfg.TickDuration)
	defer ticker.Stop()

	level.Info(r.logger).Log("msg", "房间循环启动", "tick_duration", r.cfg.TickDuration)

	for {
		select {
		case <-r.ctx.Done():
			r.closeAllSessions()
			level.Info(r.logger).Log("msg", "房间循环停止", "tick", uint16(r.ticks.CurrentTick()))
			return

		case ev := <-r.eventCh:
			r.handleEvent(ev)

		case now := <-ticker.C:
			r.tick(now)
		}
	}
}

// Shutdown 停止房间循环
func (r *Room) Shutdown() {
	r.cancel()
}

// Submit 把连接上的事件交给房间循环
func (r *Room) Submit(s Session, ev ClientEvent) {
	select {
	case <-r.ctx.Done():
	case r.eventCh <- roomEvent{session: s, event: ev}:
	}
}

func (r *Room) handleEvent(ev roomEvent) {
	if ev.event.Kind != EventLeave {
		r.metrics.packets.WithLabelValues(ev.event.Kind.String()).Inc()
	}

	switch ev.event.Kind {
	case EventJoin:
		r.handleJoin(ev.session, ev.event.Join)
	case EventPing:
		r.handlePing(ev.session, ev.event.Ping)
	case EventInput:
		r.handleInput(ev.session, ev.event.Input)
	case EventLeave:
		r.handleLeave(ev.session)
	}
}

func (r *Room) handlePing(s Session, ping *protocol.Ping) {
	if err := s.Send(protocol.NewPongPacket(ping.ID, r.ticks.CurrentTick())); err != nil {
		level.Debug(r.logger).Log("msg", "心跳回包未发出", "session", s, "err", err)
	}
}

func (r *Room) handleJoin(s Session, req *protocol.JoinRequest) {
	if p, ok := r.bySession[s]; ok {
		level.Warn(r.logger).Log("msg", "重复加入请求", "player_id", p.id)
		return
	}

	result := "joined"
	var id int32
	if req.SessionToken != "" {
		claims, err := r.sessions.Verify(req.SessionToken)
		switch {
		case err != nil:
			level.Warn(r.logger).Log("msg", "会话令牌无效，按新玩家处理", "err", err)
		case r.players[claims.PlayerID] != nil:
			level.Warn(r.logger).Log("msg", "会话对应的玩家仍在线，按新玩家处理", "player_id", claims.PlayerID)
		default:
			id = claims.PlayerID
			result = "reconnected"
		}
	}

	if len(r.players) >= r.cfg.MaxPlayers {
		r.metrics.joins.WithLabelValues("rejected").Inc()
		level.Warn(r.logger).Log("msg", "房间已满", "players", len(r.players), "max", r.cfg.MaxPlayers)
		s.Close()
		return
	}

	if id == 0 {
		id = r.nextPlayerID
	}
	if id >= r.nextPlayerID {
		r.nextPlayerID = id + 1
	}

	token, err := r.sessions.Issue(id, req.PlayerName)
	if err != nil {
		level.Error(r.logger).Log("msg", "签发会话令牌失败", "player_id", id, "err", err)
	}

	resp := protocol.JoinResponse{
		PlayerID:     id,
		SessionToken: token,
		ServerTick:   r.ticks.CurrentTick(),
		TickDuration: r.cfg.TickDuration,
	}
	if err := s.Send(protocol.NewJoinResponsePacket(resp)); err != nil {
		r.metrics.joins.WithLabelValues("failed").Inc()
		level.Warn(r.logger).Log("msg", "发送加入响应失败", "player_id", id, "err", err)
		s.Close()
		return
	}

	p := &player{
		id:      id,
		name:    req.PlayerName,
		session: s,
		inputs:  inputbuf.NewBuffer[core.Input](),
	}
	r.players[id] = p
	r.bySession[s] = p
	r.metrics.joins.WithLabelValues(result).Inc()
	r.metrics.players.Set(float64(len(r.players)))

	level.Info(r.logger).Log(
		"msg", "玩家加入",
		"player_id", id,
		"name", req.PlayerName,
		"result", result,
		"server_tick", uint16(resp.ServerTick),
		"players", len(r.players),
	)
}

func (r *Room) handleInput(s Session, msg *inputbuf.Message[core.Input]) {
	p, ok := r.bySession[s]
	if !ok {
		return
	}

	// 不晚于当前帧的输入已经用不上了
	if !msg.EndTick.IsAfter(r.ticks.CurrentTick()) {
		r.metrics.inputsLate.Inc()
		return
	}

	// 比正常每条消息推进的帧数更早、这次才补上的帧，来自冗余窗口
	var candidates []core.Tick
	if p.advance > 0 {
		bufStart, started := p.inputs.StartTick()
		fresh := msg.EndTick.Add(-int(p.advance))
		for tick := msg.StartTick(); !tick.IsAfter(fresh); tick = tick.Add(1) {
			if started && tick.IsBefore(bufStart) {
				continue
			}
			if v, _ := p.inputs.Lookup(tick); !v.Valid {
				candidates = append(candidates, tick)
			}
		}
	}

	filled, err := p.inputs.UpdateFromMessage(*msg)
	if err != nil {
		level.Warn(r.logger).Log("msg", "输入消息无效", "player_id", p.id, "err", err)
		return
	}
	r.metrics.inputsReceived.Add(float64(filled))

	for _, tick := range candidates {
		if v, _ := p.inputs.Lookup(tick); v.Valid {
			r.metrics.inputsRecover.Inc()
		}
	}

	switch {
	case !p.receiving:
		p.latestEnd = msg.EndTick
	case msg.EndTick.IsAfter(p.latestEnd):
		if advance := msg.EndTick.Diff(p.latestEnd); p.advance == 0 || advance < p.advance {
			p.advance = advance
		}
		p.latestEnd = msg.EndTick
	}
	p.receiving = true
}

func (r *Room) handleLeave(s Session) {
	p, ok := r.bySession[s]
	if !ok {
		return
	}
	delete(r.bySession, s)
	delete(r.players, p.id)
	r.metrics.players.Set(float64(len(r.players)))

	level.Info(r.logger).Log("msg", "玩家离开", "player_id", p.id, "players", len(r.players))
}

// tick 推进一帧：取出每个玩家这一帧的输入交给 step，然后按间隔广播帧号
func (r *Room) tick(now time.Time) {
	tick := r.ticks.Increment()

	inputs := make(map[int32]PlayerInput, len(r.players))
	for id, p := range r.players {
		start, started := p.inputs.StartTick()
		action, ok := p.inputs.Pop(tick)
		switch {
		case ok:
			p.last = action
		case started && !tick.IsBefore(start):
			r.metrics.inputsMissing.Inc()
			action = p.last
		default:
			action = p.last
		}
		inputs[id] = PlayerInput{Action: action, Present: ok}
	}

	if r.step != nil {
		r.step(tick, inputs)
	}

	if len(r.players) > 0 && r.reports.AllowN(now, 1) {
		r.broadcast(protocol.NewTickReportPacket(tick))
		r.metrics.tickReports.Inc()
	}
}

func (r *Room) broadcast(pkt *protocol.Packet) {
	for _, p := range r.players {
		if err := p.session.Send(pkt); err != nil {
			level.Debug(r.logger).Log("msg", "广播失败", "player_id", p.id, "err", err)
		}
	}
}

func (r *Room) closeAllSessions() {
	for s := range r.bySession {
		s.Close()
	}
}
