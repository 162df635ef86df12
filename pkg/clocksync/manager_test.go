package clocksync

import (
	"flag"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tickwire/pkg/core"
)

const tickDuration = 16 * time.Millisecond

type fakeClock struct {
	delta    time.Duration
	overstep time.Duration
	speed    float64
}

func (c *fakeClock) Delta() time.Duration           { return c.delta }
func (c *fakeClock) Overstep() time.Duration        { return c.overstep }
func (c *fakeClock) SetRelativeSpeed(speed float64) { c.speed = speed }

type fakeLatency struct {
	rtt     time.Duration
	jitter  time.Duration
	samples int
}

func (l *fakeLatency) RTT() time.Duration    { return l.rtt }
func (l *fakeLatency) Jitter() time.Duration { return l.jitter }
func (l *fakeLatency) SampleCount() int      { return l.samples }

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.HandshakePings = 3
	return cfg
}

func TestClientAheadMinimum(t *testing.T) {
	m := NewManager(testConfig(), log.NewNopLogger(), nil)
	assert.Equal(t, 46*time.Millisecond, m.ClientAheadMinimum(tickDuration, 10*time.Millisecond))
	assert.Equal(t, tickDuration, m.ClientAheadMinimum(tickDuration, 0))
}

func TestHandshakeCompletesAfterEnoughPings(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	m := NewManager(testConfig(), log.NewNopLogger(), metrics)

	events := &core.TickEvents{}
	ticks := core.NewTickManager(tickDuration, events)
	clock := core.NewTimeManager(tickDuration)
	lat := &fakeLatency{rtt: 40 * time.Millisecond, jitter: 10 * time.Millisecond}
	delay := DefaultInterpolationDelay()

	require.True(t, m.ReceiveServerTick(100, tickDuration, lat.rtt))

	for samples := 0; samples < 3; samples++ {
		lat.samples = samples
		clock.Advance(0)
		m.Update(clock, ticks, lat, delay, tickDuration)
		assert.False(t, m.IsSynced(), "samples=%d", samples)
		assert.Zero(t, events.Len())
	}

	lat.samples = 3
	m.Update(clock, ticks, lat, delay, tickDuration)
	require.True(t, m.IsSynced())

	// server time = 100*16ms + 20ms; receive = +20ms; ideal = +46ms => 1686ms => ceil 105.375
	assert.Equal(t, core.Tick(106), ticks.CurrentTick())
	evs := events.Drain()
	require.Len(t, evs, 1)
	assert.Equal(t, core.TickEvent{Old: 0, New: 106, Source: core.TickSourceSync}, evs[0])

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.synced))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.tickSnaps))

	// 已同步后不再跳变
	m.Update(clock, ticks, lat, delay, tickDuration)
	assert.Zero(t, events.Len())
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.tickSnaps))
}

func TestFinalizePutsClientAheadOfServer(t *testing.T) {
	for _, rtt := range []time.Duration{0, 10 * time.Millisecond, 73 * time.Millisecond, 250 * time.Millisecond} {
		m := NewManager(testConfig(), log.NewNopLogger(), nil)
		ticks := core.NewTickManager(tickDuration, nil)
		clock := &fakeClock{}
		lat := &fakeLatency{rtt: rtt, jitter: 7 * time.Millisecond, samples: 3}

		m.ReceiveServerTick(500, tickDuration, rtt)
		m.Finalize(clock, ticks, lat)

		origin := core.NewTickTime(500, 0, tickDuration)
		prediction := m.currentPredictionAhead(ticks, clock)
		required := m.predictedServerReceiveTime(rtt).Add(m.ClientAheadMinimum(tickDuration, lat.jitter)).Sub(origin)
		assert.GreaterOrEqual(t, prediction-required, time.Duration(0), "rtt=%s", rtt)
		assert.Less(t, prediction-required, tickDuration, "rtt=%s", rtt)
	}
}

func TestUpdateWithZeroDeltaIsIdempotent(t *testing.T) {
	m := NewManager(testConfig(), log.NewNopLogger(), nil)
	ticks := core.NewTickManager(tickDuration, nil)
	clock := &fakeClock{}
	lat := &fakeLatency{rtt: 40 * time.Millisecond, jitter: 5 * time.Millisecond, samples: 3}
	delay := DefaultInterpolationDelay()

	m.ReceiveServerTick(100, tickDuration, lat.rtt)
	m.Update(clock, ticks, lat, delay, tickDuration)
	require.True(t, m.IsSynced())

	serverTime := m.CurrentServerTime()
	interpolation := m.InterpolationTime()
	tick := ticks.CurrentTick()

	for i := 0; i < 5; i++ {
		m.Update(clock, ticks, lat, delay, tickDuration)
		m.UpdatePredictionTime(clock, ticks, lat)
	}
	assert.Equal(t, serverTime, m.CurrentServerTime())
	assert.Equal(t, interpolation, m.InterpolationTime())
	assert.Equal(t, tick, ticks.CurrentTick())
}

func TestUpdatePredictionTimeSpeeds(t *testing.T) {
	cfg := testConfig()
	for _, tc := range []struct {
		name     string
		server   core.Tick
		client   core.Tick
		overstep time.Duration
		want     float64
	}{
		// server 1620ms, receive 1640ms, minimum 16ms
		{name: "on target", server: 100, client: 103, overstep: 8 * time.Millisecond, want: 1},
		{name: "too far ahead", server: 100, client: 110, want: 1 / cfg.SpeedupFactor},
		{name: "behind", server: 100, client: 100, want: cfg.SpeedupFactor},
		{name: "client wrapped", server: 65530, client: 5, want: 1 / cfg.SpeedupFactor},
	} {
		t.Run(tc.name, func(t *testing.T) {
			m := NewManager(cfg, log.NewNopLogger(), nil)
			ticks := core.NewTickManager(tickDuration, nil)
			ticks.SetTickTo(tc.client)
			clock := &fakeClock{overstep: tc.overstep}
			lat := &fakeLatency{rtt: 40 * time.Millisecond}

			require.True(t, m.ReceiveServerTick(tc.server, tickDuration, lat.rtt))
			m.UpdatePredictionTime(clock, ticks, lat)

			assert.Equal(t, tc.want, clock.speed)
			assert.Equal(t, tc.want, m.PredictionSpeedRatio())
		})
	}
}

func TestInterpolationSpeed(t *testing.T) {
	cfg := testConfig()
	m := NewManager(cfg, log.NewNopLogger(), nil)
	ticks := core.NewTickManager(tickDuration, nil)
	clock := &fakeClock{}
	lat := &fakeLatency{rtt: 40 * time.Millisecond, samples: 3}
	delay := DefaultInterpolationDelay()

	m.ReceiveServerTick(100, tickDuration, lat.rtt)
	m.Update(clock, ticks, lat, delay, tickDuration)
	require.True(t, m.IsSynced())

	// 握手后插值时间直接落在目标上：1600ms - 32ms
	assert.Equal(t, core.NewTickTime(98, 0, tickDuration), m.InterpolationTime())
	assert.Equal(t, 1568*time.Millisecond, m.InterpolationTime().Duration())
	assert.Equal(t, 1.0, m.InterpolationSpeedRatio())
	assert.Equal(t, core.Tick(98), m.EstimatedInterpolatedTick())
	assert.Equal(t, core.Tick(98), m.InterpolationTick())

	// 新的服务器帧让目标前移 160ms，插值加速追赶
	require.True(t, m.ReceiveServerTick(110, tickDuration, lat.rtt))
	m.Update(clock, ticks, lat, delay, tickDuration)
	assert.Equal(t, cfg.SpeedupFactor, m.InterpolationSpeedRatio())
	assert.Equal(t, core.NewTickTime(98, 0, tickDuration), m.InterpolationTime(), "插值时间不跳变")

	// 外部重编号让服务器帧号后移，插值时间超前，减速
	m.HandleTickEvent(core.TickEvent{Old: 200, New: 150, Source: core.TickSourceExternal})
	assert.Equal(t, core.Tick(60), m.LatestReceivedServerTick())
	m.Update(clock, ticks, lat, delay, tickDuration)
	assert.Equal(t, 1/cfg.SpeedupFactor, m.InterpolationSpeedRatio())

	allowed := []float64{1 / cfg.SpeedupFactor, 1, cfg.SpeedupFactor}
	clock.delta = 5 * time.Millisecond
	for i := 0; i < 200; i++ {
		m.Update(clock, ticks, lat, delay, tickDuration)
		assert.Contains(t, allowed, m.InterpolationSpeedRatio())
	}
}

func TestReceiveServerTick(t *testing.T) {
	m := NewManager(testConfig(), log.NewNopLogger(), nil)

	assert.True(t, m.ReceiveServerTick(100, tickDuration, 0))
	assert.False(t, m.ReceiveServerTick(100, tickDuration, 0))
	assert.False(t, m.ReceiveServerTick(99, tickDuration, 0))
	assert.True(t, m.ReceiveServerTick(101, tickDuration, 0))
	assert.Equal(t, core.Tick(101), m.LatestReceivedServerTick())

	assert.True(t, m.ReceiveServerTick(30000, tickDuration, 0))
	assert.True(t, m.ReceiveServerTick(60000, tickDuration, 0))
	assert.True(t, m.ReceiveServerTick(65535, tickDuration, 0))
	assert.True(t, m.ReceiveServerTick(2, tickDuration, 0))
	assert.Equal(t, core.Tick(2), m.LatestReceivedServerTick())
}

func TestCurrentServerTimeSmoothing(t *testing.T) {
	m := NewManager(testConfig(), log.NewNopLogger(), nil)

	m.ReceiveServerTick(100, tickDuration, 0)
	assert.Equal(t, 1600*time.Millisecond, m.CurrentServerTime().Duration())

	// 0.1*1600ms + 0.9*3200ms
	m.ReceiveServerTick(200, tickDuration, 0)
	assert.InDelta(t, float64(3040*time.Millisecond), float64(m.CurrentServerTime().Duration()), float64(2*time.Microsecond))
}

func TestCurrentServerTimeSmoothingAcrossWrap(t *testing.T) {
	m := NewManager(testConfig(), log.NewNopLogger(), nil)

	m.ReceiveServerTick(65530, tickDuration, 0)
	m.ReceiveServerTick(4, tickDuration, 0)

	// 65530 + 0.9*10 帧
	want := core.NewTickTime(65530, 144*time.Millisecond, tickDuration)
	assert.Equal(t, core.Tick(3), m.CurrentServerTime().Tick())
	assert.InDelta(t, 0, float64(m.CurrentServerTime().Sub(want)), float64(time.Microsecond))
}

// 服务器帧号跨过 65535 -> 0 时，模拟速度与插值速度都应保持 1，
// 插值帧始终落后服务器 delay/tickDuration 帧
func TestSteadyStateAcrossServerTickWrap(t *testing.T) {
	const (
		sendInterval = 100 * time.Millisecond
		frames       = 1200
	)
	for _, start := range []core.Tick{65000, 65530, 65535} {
		t.Run(start.String(), func(t *testing.T) {
			cfg := testConfig()
			m := NewManager(cfg, log.NewNopLogger(), nil)
			events := &core.TickEvents{}
			ticks := core.NewTickManager(tickDuration, events)
			clock := core.NewTimeManager(tickDuration)
			lat := &fakeLatency{rtt: 40 * time.Millisecond, samples: 3}
			delay := DefaultInterpolationDelay()
			behind := float64(delay.ToDuration(sendInterval)) / float64(tickDuration)

			server := start
			require.True(t, m.ReceiveServerTick(server, tickDuration, lat.rtt))

			wrapped := false
			for i := 0; i < frames; i++ {
				server = server.Add(1)
				if server == 0 {
					wrapped = true
				}
				for steps := clock.Advance(tickDuration); steps > 0; steps-- {
					ticks.Increment()
				}
				require.True(t, m.ReceiveServerTick(server, tickDuration, lat.rtt))
				m.Update(clock, ticks, lat, delay, sendInterval)
				require.True(t, m.IsSynced())
				m.UpdatePredictionTime(clock, ticks, lat)
				for _, ev := range events.Drain() {
					m.HandleTickEvent(ev)
				}

				require.Equal(t, 1.0, m.PredictionSpeedRatio(), "frame=%d server=%d client=%d", i, server, ticks.CurrentTick())
				require.Equal(t, 1.0, m.InterpolationSpeedRatio(), "frame=%d server=%d", i, server)
				require.InDelta(t, behind, float64(server.Diff(m.InterpolationTick())), 1, "frame=%d server=%d", i, server)
				require.Equal(t, int16(5), ticks.CurrentTick().Diff(server), "frame=%d", i)
			}
			assert.True(t, wrapped)
		})
	}
}

func TestHandleTickEventIgnoresSync(t *testing.T) {
	m := NewManager(testConfig(), log.NewNopLogger(), nil)

	// 还没有服务器帧号时忽略
	m.HandleTickEvent(core.TickEvent{Old: 0, New: 10, Source: core.TickSourceExternal})
	assert.Equal(t, core.Tick(0), m.LatestReceivedServerTick())

	m.ReceiveServerTick(100, tickDuration, 0)
	m.HandleTickEvent(core.TickEvent{Old: 0, New: 50, Source: core.TickSourceSync})
	assert.Equal(t, core.Tick(100), m.LatestReceivedServerTick())

	m.HandleTickEvent(core.TickEvent{Old: 10, New: 15, Source: core.TickSourceExternal})
	assert.Equal(t, core.Tick(105), m.LatestReceivedServerTick())
}

func TestInterpolationDelay(t *testing.T) {
	d := DefaultInterpolationDelay()
	assert.Equal(t, 100*time.Millisecond, d.ToDuration(50*time.Millisecond))

	d.MinDelay = 150 * time.Millisecond
	assert.Equal(t, 150*time.Millisecond, d.ToDuration(50*time.Millisecond))
	assert.Equal(t, 200*time.Millisecond, d.ToDuration(100*time.Millisecond))
}

func TestConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	for name, mutate := range map[string]func(*Config){
		"no handshake pings": func(c *Config) { c.HandshakePings = 0 },
		"slow speedup":       func(c *Config) { c.SpeedupFactor = 0.9 },
		"negative margin":    func(c *Config) { c.ErrorMargin = -1 },
		"smoothing of one":   func(c *Config) { c.CurrentServerTimeSmoothing = 1 },
		"empty window":       func(c *Config) { c.StatsBufferDuration = 0 },
	} {
		c := DefaultConfig()
		mutate(&c)
		assert.Error(t, c.Validate(), name)
	}
}

func TestConfigFlags(t *testing.T) {
	var cfg Config
	var delay InterpolationDelay
	f := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg.RegisterFlagsWithPrefix("client.", f)
	delay.RegisterFlagsWithPrefix("client.", f)

	assert.Equal(t, DefaultConfig(), cfg)
	assert.Equal(t, DefaultInterpolationDelay(), delay)

	require.NoError(t, f.Parse([]string{
		"-client.sync.handshake-pings=4",
		"-client.sync.speedup-factor=1.1",
		"-client.interpolation.min-delay=50ms",
	}))
	assert.Equal(t, uint8(4), cfg.HandshakePings)
	assert.Equal(t, 1.1, cfg.SpeedupFactor)
	assert.Equal(t, 50*time.Millisecond, delay.MinDelay)

	f = flag.NewFlagSet("test", flag.ContinueOnError)
	f.SetOutput(nopWriter{})
	cfg.RegisterFlagsWithPrefix("", f)
	assert.Error(t, f.Parse([]string{"-sync.tick-margin=300"}))
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }
