package clocksync

import (
	"flag"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// Config 时钟同步配置，连接建立后不再变化
type Config struct {
	// JitterMultipleMargin 估算服务器收包时间时给抖动留的倍数
	// 1: 约 65% 的包按时到达，2: 95%，3: 99.7%
	JitterMultipleMargin uint8 `yaml:"jitter_multiple_margin"`
	// TickMargin 额外预留的帧数
	TickMargin uint8 `yaml:"tick_margin"`
	// HandshakePings 完成握手前需要的心跳样本数
	HandshakePings uint8 `yaml:"handshake_pings"`
	// StatsBufferDuration RTT/抖动统计的滚动窗口
	StatsBufferDuration time.Duration `yaml:"stats_buffer_duration"`
	// ErrorMargin 调速的误差容忍度（以帧为单位）
	ErrorMargin float64 `yaml:"error_margin"`
	// SpeedupFactor 追赶或减速时的速度倍率
	SpeedupFactor float64 `yaml:"speedup_factor"`
	// CurrentServerTimeSmoothing 服务器时间估计的平滑系数（旧值权重）
	CurrentServerTimeSmoothing float64 `yaml:"current_server_time_smoothing"`
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		JitterMultipleMargin:       3,
		TickMargin:                 1,
		HandshakePings:             7,
		StatsBufferDuration:        2 * time.Second,
		ErrorMargin:                1.0,
		SpeedupFactor:              1.03,
		CurrentServerTimeSmoothing: 0.1,
	}
}

// RegisterFlagsWithPrefix 注册命令行参数
func (cfg *Config) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	d := DefaultConfig()
	uint8Var(f, &cfg.JitterMultipleMargin, prefix+"sync.jitter-multiple-margin", d.JitterMultipleMargin, "估算服务器收包时间时抖动的倍数")
	uint8Var(f, &cfg.TickMargin, prefix+"sync.tick-margin", d.TickMargin, "额外领先服务器的帧数")
	uint8Var(f, &cfg.HandshakePings, prefix+"sync.handshake-pings", d.HandshakePings, "完成握手所需的心跳样本数")
	f.DurationVar(&cfg.StatsBufferDuration, prefix+"sync.stats-buffer-duration", d.StatsBufferDuration, "RTT/抖动统计窗口")
	f.Float64Var(&cfg.ErrorMargin, prefix+"sync.error-margin", d.ErrorMargin, "调速误差容忍度（帧）")
	f.Float64Var(&cfg.SpeedupFactor, prefix+"sync.speedup-factor", d.SpeedupFactor, "追赶/减速倍率")
	f.Float64Var(&cfg.CurrentServerTimeSmoothing, prefix+"sync.server-time-smoothing", d.CurrentServerTimeSmoothing, "服务器时间估计平滑系数")
}

// Validate 校验配置
func (cfg *Config) Validate() error {
	if cfg.HandshakePings == 0 {
		return errors.New("sync.handshake-pings 必须大于 0")
	}
	if cfg.SpeedupFactor < 1 {
		return errors.Errorf("sync.speedup-factor 不能小于 1: %v", cfg.SpeedupFactor)
	}
	if cfg.ErrorMargin < 0 {
		return errors.Errorf("sync.error-margin 不能为负: %v", cfg.ErrorMargin)
	}
	if cfg.CurrentServerTimeSmoothing < 0 || cfg.CurrentServerTimeSmoothing >= 1 {
		return errors.Errorf("sync.server-time-smoothing 必须在 [0, 1) 内: %v", cfg.CurrentServerTimeSmoothing)
	}
	if cfg.StatsBufferDuration <= 0 {
		return errors.New("sync.stats-buffer-duration 必须大于 0")
	}
	return nil
}

// InterpolationDelay 插值时间落后于最新服务器时间的距离
type InterpolationDelay struct {
	// MinDelay 最小延迟，保证总有可插值的快照
	MinDelay time.Duration `yaml:"min_delay"`
	// SendIntervalRatio 服务器发送间隔的倍数
	SendIntervalRatio float64 `yaml:"send_interval_ratio"`
}

// DefaultInterpolationDelay 默认两个发送间隔
func DefaultInterpolationDelay() InterpolationDelay {
	return InterpolationDelay{SendIntervalRatio: 2.0}
}

// RegisterFlagsWithPrefix 注册命令行参数
func (d *InterpolationDelay) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	def := DefaultInterpolationDelay()
	f.DurationVar(&d.MinDelay, prefix+"interpolation.min-delay", def.MinDelay, "最小插值延迟")
	f.Float64Var(&d.SendIntervalRatio, prefix+"interpolation.send-interval-ratio", def.SendIntervalRatio, "插值延迟相对服务器发送间隔的倍数")
}

// ToDuration max(MinDelay, sendInterval*ratio)
func (d InterpolationDelay) ToDuration(serverSendInterval time.Duration) time.Duration {
	ratio := time.Duration(float64(serverSendInterval) * d.SendIntervalRatio)
	return max(ratio, d.MinDelay)
}

type uint8Value struct{ p *uint8 }

func uint8Var(f *flag.FlagSet, p *uint8, name string, value uint8, usage string) {
	*p = value
	f.Var(uint8Value{p}, name, usage)
}

func (v uint8Value) String() string {
	if v.p == nil {
		return "0"
	}
	return strconv.Itoa(int(*v.p))
}

func (v uint8Value) Set(s string) error {
	n, err := strconv.ParseUint(s, 10, 8)
	if err != nil {
		return err
	}
	*v.p = uint8(n)
	return nil
}
