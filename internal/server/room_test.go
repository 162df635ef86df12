package server

import (
	"context"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tickwire/internal/config"
	"tickwire/pkg/core"
	"tickwire/pkg/inputbuf"
	"tickwire/pkg/protocol"
)

type fakeSession struct {
	name   string
	sent   []*protocol.Packet
	closed bool
}

func (f *fakeSession) Send(pkt *protocol.Packet) error {
	if f.closed {
		return ErrClosed
	}
	f.sent = append(f.sent, pkt)
	return nil
}

func (f *fakeSession) Close()         { f.closed = true }
func (f *fakeSession) String() string { return f.name }

func (f *fakeSession) ofType(typ protocol.MessageType) []*protocol.Packet {
	var out []*protocol.Packet
	for _, pkt := range f.sent {
		if pkt.Type == typ {
			out = append(out, pkt)
		}
	}
	return out
}

func testServerConfig() config.ServerConfig {
	return config.ServerConfig{
		Addr:               "127.0.0.1:0",
		Proto:              "tcp",
		TickDuration:       16 * time.Millisecond,
		TickReportInterval: 50 * time.Millisecond,
		MaxPlayers:         2,
		SessionTTL:         time.Hour,
	}
}

func newTestRoom(t *testing.T, cfg config.ServerConfig, step StepFunc) (*Room, *Metrics) {
	t.Helper()
	issuer, err := NewSessionIssuer("test-secret", cfg.SessionTTL)
	require.NoError(t, err)
	metrics := NewMetrics(nil)
	r := NewRoom(context.Background(), cfg, issuer, log.NewNopLogger(), metrics, step)
	t.Cleanup(r.Shutdown)
	return r, metrics
}

func join(t *testing.T, r *Room, s *fakeSession, name, token string) *protocol.JoinResponse {
	t.Helper()
	r.handleEvent(roomEvent{session: s, event: ClientEvent{Kind: EventJoin, Join: &protocol.JoinRequest{PlayerName: name, SessionToken: token}}})
	responses := s.ofType(protocol.MessageTypeJoinResponse)
	if len(responses) == 0 {
		return nil
	}
	resp, err := protocol.ParseJoinResponse(responses[len(responses)-1])
	require.NoError(t, err)
	return resp
}

func sendInput(r *Room, s Session, msg inputbuf.Message[core.Input]) {
	r.handleEvent(roomEvent{session: s, event: ClientEvent{Kind: EventInput, Input: &msg}})
}

func TestRoomJoinAndPing(t *testing.T) {
	r, metrics := newTestRoom(t, testServerConfig(), nil)
	s := &fakeSession{name: "alice"}

	resp := join(t, r, s, "alice", "")
	require.NotNil(t, resp)
	assert.Equal(t, int32(1), resp.PlayerID)
	assert.Equal(t, core.Tick(0), resp.ServerTick)
	assert.Equal(t, 16*time.Millisecond, resp.TickDuration)
	assert.NotEmpty(t, resp.SessionToken)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.players))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.joins.WithLabelValues("joined")))

	// 重复加入被忽略
	join(t, r, s, "alice", "")
	assert.Len(t, s.ofType(protocol.MessageTypeJoinResponse), 1)

	now := time.Unix(1000, 0)
	for i := 0; i < 3; i++ {
		r.tick(now)
	}
	r.handleEvent(roomEvent{session: s, event: ClientEvent{Kind: EventPing, Ping: &protocol.Ping{ID: 9}}})
	pongs := s.ofType(protocol.MessageTypePong)
	require.Len(t, pongs, 1)
	pong, err := protocol.ParsePong(pongs[0])
	require.NoError(t, err)
	assert.Equal(t, uint16(9), pong.PingID)
	assert.Equal(t, core.Tick(3), pong.ServerTick)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.packets.WithLabelValues("ping")))
}

func TestRoomReconnectWithSessionToken(t *testing.T) {
	cfg := testServerConfig()
	cfg.MaxPlayers = 4
	r, metrics := newTestRoom(t, cfg, nil)

	first := &fakeSession{name: "first"}
	resp := join(t, r, first, "alice", "")
	require.NotNil(t, resp)
	token := resp.SessionToken

	r.handleEvent(roomEvent{session: first, event: ClientEvent{Kind: EventLeave}})
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.players))

	again := &fakeSession{name: "again"}
	resp = join(t, r, again, "alice", token)
	require.NotNil(t, resp)
	assert.Equal(t, int32(1), resp.PlayerID)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.joins.WithLabelValues("reconnected")))

	// 新玩家不会复用已分配的编号
	bob := &fakeSession{name: "bob"}
	resp = join(t, r, bob, "bob", "")
	require.NotNil(t, resp)
	assert.Equal(t, int32(2), resp.PlayerID)

	// 令牌对应的玩家仍在线，或者令牌无效，都按新玩家处理
	dup := &fakeSession{name: "dup"}
	resp = join(t, r, dup, "alice", token)
	require.NotNil(t, resp)
	assert.Equal(t, int32(3), resp.PlayerID)

	bad := &fakeSession{name: "bad"}
	resp = join(t, r, bad, "carol", "not-a-token")
	require.NotNil(t, resp)
	assert.Equal(t, int32(4), resp.PlayerID)
}

func TestRoomRejectsWhenFull(t *testing.T) {
	cfg := testServerConfig()
	cfg.MaxPlayers = 1
	r, metrics := newTestRoom(t, cfg, nil)

	require.NotNil(t, join(t, r, &fakeSession{name: "a"}, "a", ""))

	b := &fakeSession{name: "b"}
	assert.Nil(t, join(t, r, b, "b", ""))
	assert.True(t, b.closed)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.joins.WithLabelValues("rejected")))

	// 未加入的连接断开不影响房间
	r.handleEvent(roomEvent{session: b, event: ClientEvent{Kind: EventLeave}})
	assert.Len(t, r.players, 1)
}

func TestRoomInputAccounting(t *testing.T) {
	type stepped struct {
		tick  core.Tick
		input PlayerInput
	}
	var steps []stepped
	r, metrics := newTestRoom(t, testServerConfig(), func(tick core.Tick, inputs map[int32]PlayerInput) {
		steps = append(steps, stepped{tick: tick, input: inputs[1]})
	})

	s := &fakeSession{name: "alice"}
	require.NotNil(t, join(t, r, s, "alice", ""))

	up := core.Input{Up: true}
	client := inputbuf.NewBuffer[core.Input]()
	for tick := core.Tick(1); tick <= 12; tick++ {
		client.Set(tick, up)
	}

	// 每条消息推进 2 帧，窗口 6 帧；结束于 8 的消息丢失
	sendInput(r, s, client.CreateMessage(4, 6))
	sendInput(r, s, client.CreateMessage(6, 6))
	sendInput(r, s, client.CreateMessage(10, 6))

	assert.Equal(t, float64(10), testutil.ToFloat64(metrics.inputsReceived))
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.inputsRecover))

	now := time.Unix(1000, 0)
	for i := 0; i < 11; i++ {
		r.tick(now)
	}
	require.Len(t, steps, 11)
	for _, st := range steps[:10] {
		assert.True(t, st.input.Present, "tick %d", st.tick)
		assert.Equal(t, up, st.input.Action)
	}
	assert.Equal(t, core.Tick(11), steps[10].tick)
	assert.False(t, steps[10].input.Present)
	assert.Equal(t, up, steps[10].input.Action, "缺失时沿用上一帧的输入")
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.inputsMissing))

	// 结束帧不晚于服务器当前帧
	sendInput(r, s, client.CreateMessage(11, 6))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.inputsLate))

	// 同一时刻只广播一次帧号
	assert.Len(t, s.ofType(protocol.MessageTypeTickReport), 1)
	r.tick(now.Add(time.Second))
	reports := s.ofType(protocol.MessageTypeTickReport)
	require.Len(t, reports, 2)
	report, err := protocol.ParseTickReport(reports[1])
	require.NoError(t, err)
	assert.Equal(t, core.Tick(12), report.ServerTick)
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.tickReports))
}

func TestRoomIgnoresInputBeforeJoin(t *testing.T) {
	r, metrics := newTestRoom(t, testServerConfig(), nil)
	client := inputbuf.NewBuffer[core.Input]()
	client.Set(5, core.Input{Bomb: true})

	sendInput(r, &fakeSession{name: "stranger"}, client.CreateMessage(5, 3))
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.inputsReceived))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.packets.WithLabelValues("input")))
}

func TestRoomMissingCountedOnlyAfterFirstInput(t *testing.T) {
	r, metrics := newTestRoom(t, testServerConfig(), nil)
	s := &fakeSession{name: "alice"}
	require.NotNil(t, join(t, r, s, "alice", ""))

	now := time.Unix(1000, 0)
	for i := 0; i < 5; i++ {
		r.tick(now)
	}
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.inputsMissing))
}
