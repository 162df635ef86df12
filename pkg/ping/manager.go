// Package ping 测量往返时延与抖动，为时钟同步提供样本。
package ping

import (
	"flag"
	"math"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

// ID 心跳序号，按 uint16 回绕
type ID uint16

// Config 心跳配置
type Config struct {
	// Interval 发送心跳的间隔
	Interval time.Duration `yaml:"interval"`
}

// RegisterFlagsWithPrefix 注册命令行参数
func (cfg *Config) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.DurationVar(&cfg.Interval, prefix+"ping.interval", 100*time.Millisecond, "心跳发送间隔")
}

// Validate 校验配置
func (cfg *Config) Validate() error {
	if cfg.Interval <= 0 {
		return errors.New("ping.interval 必须大于 0")
	}
	return nil
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		Interval: 100 * time.Millisecond,
	}
}

type sample struct {
	at  time.Time
	rtt time.Duration
}

// Manager 心跳管理：分配序号、匹配回包、维护滚动统计
type Manager struct {
	cfg         Config
	statsWindow time.Duration
	logger      log.Logger
	limiter     *rate.Limiter

	nextID  ID
	pending map[ID]time.Time
	samples []sample

	rtt    time.Duration
	jitter time.Duration
}

// NewManager 创建心跳管理器，statsWindow 为 RTT/抖动统计的滚动窗口
func NewManager(cfg Config, statsWindow time.Duration, logger log.Logger) *Manager {
	return &Manager{
		cfg:         cfg,
		statsWindow: statsWindow,
		logger:      logger,
		limiter:     rate.NewLimiter(rate.Every(cfg.Interval), 1),
		pending:     make(map[ID]time.Time),
	}
}

// MaybePing 到了发送间隔则分配一个新的心跳序号
func (m *Manager) MaybePing(now time.Time) (ID, bool) {
	if !m.limiter.AllowN(now, 1) {
		return 0, false
	}
	id := m.nextID
	m.nextID++
	m.pending[id] = now
	m.prunePending(now)
	return id, true
}

// HandlePong 记录回包，返回本次 RTT
func (m *Manager) HandlePong(id ID, now time.Time) (time.Duration, bool) {
	sentAt, ok := m.pending[id]
	if !ok {
		level.Debug(m.logger).Log("msg", "收到未知或过期的心跳回包", "ping_id", id)
		return 0, false
	}
	delete(m.pending, id)

	rtt := now.Sub(sentAt)
	if rtt < 0 {
		rtt = 0
	}
	m.AddSample(now, rtt)
	return rtt, true
}

// AddSample 直接加入一个 RTT 样本
func (m *Manager) AddSample(now time.Time, rtt time.Duration) {
	m.samples = append(m.samples, sample{at: now, rtt: rtt})
	m.pruneSamples(now)
	m.recompute()
}

// RTT 窗口内 RTT 均值
func (m *Manager) RTT() time.Duration {
	return m.rtt
}

// Jitter 窗口内 RTT 标准差
func (m *Manager) Jitter() time.Duration {
	return m.jitter
}

// SampleCount 窗口内样本数，用于判断握手是否完成
func (m *Manager) SampleCount() int {
	return len(m.samples)
}

func (m *Manager) pruneSamples(now time.Time) {
	cutoff := now.Add(-m.statsWindow)
	drop := 0
	for drop < len(m.samples) && m.samples[drop].at.Before(cutoff) {
		drop++
	}
	if drop > 0 {
		m.samples = append(m.samples[:0], m.samples[drop:]...)
	}
}

func (m *Manager) prunePending(now time.Time) {
	cutoff := now.Add(-m.statsWindow)
	for id, sentAt := range m.pending {
		if sentAt.Before(cutoff) {
			delete(m.pending, id)
		}
	}
}

func (m *Manager) recompute() {
	if len(m.samples) == 0 {
		m.rtt, m.jitter = 0, 0
		return
	}
	var sum float64
	for _, s := range m.samples {
		sum += float64(s.rtt)
	}
	mean := sum / float64(len(m.samples))

	var variance float64
	for _, s := range m.samples {
		d := float64(s.rtt) - mean
		variance += d * d
	}
	variance /= float64(len(m.samples))

	m.rtt = time.Duration(mean)
	m.jitter = time.Duration(math.Sqrt(variance))
}
