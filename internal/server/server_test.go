package server

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tickwire/internal/client"
	"tickwire/internal/config"
	"tickwire/pkg/clocksync"
	"tickwire/pkg/core"
	"tickwire/pkg/ping"
	"tickwire/pkg/protocol"
)

func TestSessionIssuer(t *testing.T) {
	issuer, err := NewSessionIssuer("secret", time.Hour)
	require.NoError(t, err)
	base := time.Unix(1_700_000_000, 0)
	issuer.now = func() time.Time { return base }

	token, err := issuer.Issue(7, "alice")
	require.NoError(t, err)

	claims, err := issuer.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, int32(7), claims.PlayerID)
	assert.Equal(t, "alice", claims.PlayerName)
	assert.Equal(t, "player-7", claims.Subject)

	other, err := NewSessionIssuer("other", time.Hour)
	require.NoError(t, err)
	_, err = other.Verify(token)
	assert.Error(t, err)

	issuer.now = func() time.Time { return base.Add(2 * time.Hour) }
	_, err = issuer.Verify(token)
	assert.Error(t, err, "过期令牌")

	random, err := NewSessionIssuer("", time.Hour)
	require.NoError(t, err)
	assert.Len(t, random.key, 32)
}

func TestDecodePacket(t *testing.T) {
	ev, err := DecodePacket(protocol.MarshalPacket(protocol.NewJoinRequestPacket("alice", "tok")))
	require.NoError(t, err)
	require.Equal(t, EventJoin, ev.Kind)
	assert.Equal(t, "alice", ev.Join.PlayerName)
	assert.Equal(t, "tok", ev.Join.SessionToken)

	ev, err = DecodePacket(protocol.MarshalPacket(protocol.NewPingPacket(12)))
	require.NoError(t, err)
	require.Equal(t, EventPing, ev.Kind)
	assert.Equal(t, uint16(12), ev.Ping.ID)

	// 服务器不处理客户端方向以外的消息
	ev, err = DecodePacket(protocol.MarshalPacket(protocol.NewTickReportPacket(3)))
	require.NoError(t, err)
	assert.Equal(t, EventUnknown, ev.Kind)

	_, err = DecodePacket([]byte{0xff, 0xff})
	assert.Error(t, err)
}

func TestGameServerOverLoopback(t *testing.T) {
	var present atomic.Int64
	srv := NewGameServer(testServerConfig(), log.NewNopLogger(), nil, func(tick core.Tick, inputs map[int32]PlayerInput) {
		for _, in := range inputs {
			if in.Present && in.Action.Up {
				present.Add(1)
			}
		}
	})
	require.NoError(t, srv.Listen())
	go func() { _ = srv.Serve() }()
	defer srv.Shutdown()

	sync := clocksync.DefaultConfig()
	sync.HandshakePings = 3
	cfg := config.ClientConfig{
		ServerAddr:         srv.Addr().String(),
		Proto:              "tcp",
		PlayerName:         "alice",
		ServerSendInterval: 50 * time.Millisecond,
		Ping:               ping.Config{Interval: 10 * time.Millisecond},
		Sync:               sync,
		Interpolation:      clocksync.DefaultInterpolationDelay(),
		Input:              config.InputConfig{PacketRedundancy: 2},
	}

	transport, err := client.Dial(t.Context(), cfg.Proto, cfg.ServerAddr, log.NewNopLogger())
	require.NoError(t, err)
	conn := client.NewConnection[core.Input](cfg, transport, protocol.InputCodec{}, log.NewNopLogger(), nil)
	defer conn.Close()
	require.NoError(t, conn.Join(cfg.PlayerName, ""))

	last := time.Now()
	frame := func() {
		time.Sleep(5 * time.Millisecond)
		now := time.Now()
		conn.Frame(now, now.Sub(last), core.Input{Up: true})
		last = now
	}

	deadline := time.Now().Add(5 * time.Second)
	for !conn.IsSynced() && time.Now().Before(deadline) {
		frame()
	}
	require.True(t, conn.IsSynced())
	assert.Equal(t, int32(1), conn.Stats().PlayerID)
	assert.NotEmpty(t, conn.SessionToken())

	deadline = time.Now().Add(5 * time.Second)
	for present.Load() == 0 && time.Now().Before(deadline) {
		frame()
	}
	assert.Positive(t, present.Load(), "服务器按帧取到了客户端输入")
	assert.Positive(t, testutil.ToFloat64(srv.metrics.inputsReceived))
	assert.Equal(t, float64(1), testutil.ToFloat64(srv.metrics.players))
}
