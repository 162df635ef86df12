// Package config 客户端与服务器配置：默认值来自命令行参数注册，
// 然后叠加 -config.file 指定的 yaml，最后命令行显式给出的参数覆盖两者。
package config

import (
	"flag"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"tickwire/pkg/clocksync"
	"tickwire/pkg/core"
	"tickwire/pkg/ping"
)

// Registerer 能注册命令行参数并校验自身的配置
type Registerer interface {
	RegisterFlags(f *flag.FlagSet)
	Validate() error
}

// InputConfig 输入通道配置
type InputConfig struct {
	// PacketRedundancy 能容忍的连续丢包数
	PacketRedundancy uint16 `yaml:"packet_redundancy"`
	// SendInterval 输入发送间隔，0 表示每帧发送
	SendInterval time.Duration `yaml:"send_interval"`
}

// RegisterFlags 注册命令行参数
func (cfg *InputConfig) RegisterFlags(f *flag.FlagSet) {
	f.Func("input.packet-redundancy", "能容忍的连续丢包数（默认 10）", func(s string) error {
		v, err := parseUint16(s)
		cfg.PacketRedundancy = v
		return err
	})
	cfg.PacketRedundancy = 10
	f.DurationVar(&cfg.SendInterval, "input.send-interval", 0, "输入发送间隔，0 表示每帧发送")
}

// Validate 校验配置
func (cfg *InputConfig) Validate() error {
	if cfg.SendInterval < 0 {
		return errors.New("input.send-interval 不能为负")
	}
	return nil
}

// ClientConfig 客户端配置
type ClientConfig struct {
	ServerAddr string `yaml:"server_addr"`
	Proto      string `yaml:"proto"`
	PlayerName string `yaml:"player_name"`
	LogLevel   string `yaml:"log_level"`

	// ServerSendInterval 服务器广播帧号的间隔，决定插值延迟
	ServerSendInterval time.Duration `yaml:"server_send_interval"`

	Ping          ping.Config                  `yaml:"ping"`
	Sync          clocksync.Config             `yaml:"sync"`
	Interpolation clocksync.InterpolationDelay `yaml:"interpolation"`
	Input         InputConfig                  `yaml:"input"`
}

// RegisterFlags 注册命令行参数
func (cfg *ClientConfig) RegisterFlags(f *flag.FlagSet) {
	f.StringVar(&cfg.ServerAddr, "server.addr", "127.0.0.1:8080", "服务器地址")
	f.StringVar(&cfg.Proto, "server.proto", "tcp", "传输协议: tcp 或 kcp")
	f.StringVar(&cfg.PlayerName, "player.name", "player", "玩家名")
	f.StringVar(&cfg.LogLevel, "log.level", "info", "日志级别: debug, info, warn, error")
	f.DurationVar(&cfg.ServerSendInterval, "server.send-interval", 100*time.Millisecond, "服务器广播帧号的间隔")
	cfg.Ping.RegisterFlagsWithPrefix("", f)
	cfg.Sync.RegisterFlagsWithPrefix("", f)
	cfg.Interpolation.RegisterFlagsWithPrefix("", f)
	cfg.Input.RegisterFlags(f)
}

// Validate 校验配置
func (cfg *ClientConfig) Validate() error {
	if err := validateProto(cfg.Proto); err != nil {
		return err
	}
	if cfg.ServerSendInterval <= 0 {
		return errors.New("server.send-interval 必须大于 0")
	}
	if err := cfg.Ping.Validate(); err != nil {
		return err
	}
	if err := cfg.Sync.Validate(); err != nil {
		return err
	}
	if cfg.Interpolation.SendIntervalRatio < 0 || cfg.Interpolation.MinDelay < 0 {
		return errors.New("interpolation 参数不能为负")
	}
	return cfg.Input.Validate()
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Addr        string `yaml:"addr"`
	Proto       string `yaml:"proto"`
	LogLevel    string `yaml:"log_level"`
	MetricsAddr string `yaml:"metrics_addr"`

	TickDuration       time.Duration `yaml:"tick_duration"`
	TickReportInterval time.Duration `yaml:"tick_report_interval"`
	MaxPlayers         int           `yaml:"max_players"`

	JWTSecret  string        `yaml:"jwt_secret"`
	SessionTTL time.Duration `yaml:"session_ttl"`
}

// RegisterFlags 注册命令行参数
func (cfg *ServerConfig) RegisterFlags(f *flag.FlagSet) {
	f.StringVar(&cfg.Addr, "server.addr", ":8080", "服务器监听地址")
	f.StringVar(&cfg.Proto, "server.proto", "tcp", "传输协议: tcp 或 kcp")
	f.StringVar(&cfg.LogLevel, "log.level", "info", "日志级别: debug, info, warn, error")
	f.StringVar(&cfg.MetricsAddr, "metrics.addr", "", "prometheus 指标监听地址，为空则不开启")
	f.DurationVar(&cfg.TickDuration, "server.tick-duration", core.DefaultTickDuration, "每帧时长")
	f.DurationVar(&cfg.TickReportInterval, "server.tick-report-interval", 100*time.Millisecond, "广播帧号的间隔")
	f.IntVar(&cfg.MaxPlayers, "server.max-players", 4, "最大玩家数")
	f.StringVar(&cfg.JWTSecret, "session.jwt-secret", "", "会话令牌签名密钥，为空时启动时随机生成")
	f.DurationVar(&cfg.SessionTTL, "session.ttl", 24*time.Hour, "会话令牌有效期")
}

// Validate 校验配置
func (cfg *ServerConfig) Validate() error {
	if err := validateProto(cfg.Proto); err != nil {
		return err
	}
	if cfg.TickDuration <= 0 {
		return errors.Errorf("server.tick-duration 必须大于 0: %s", cfg.TickDuration)
	}
	if cfg.TickReportInterval <= 0 {
		return errors.New("server.tick-report-interval 必须大于 0")
	}
	if cfg.MaxPlayers <= 0 {
		return errors.New("server.max-players 必须大于 0")
	}
	if cfg.SessionTTL <= 0 {
		return errors.New("session.ttl 必须大于 0")
	}
	return nil
}

func validateProto(proto string) error {
	switch proto {
	case "tcp", "kcp":
		return nil
	}
	return errors.Errorf("不支持的协议: %s", proto)
}

// Parse 注册参数、加载 yaml，再用命令行覆盖，最后校验
func Parse(f *flag.FlagSet, args []string, cfg Registerer) error {
	var (
		configFile  string
		printConfig bool
	)
	f.StringVar(&configFile, "config.file", "", "yaml 配置文件")
	f.BoolVar(&printConfig, "config.print", false, "打印最终配置")
	cfg.RegisterFlags(f)

	if file := configFileFromArgs(args); file != "" {
		if err := LoadFile(file, cfg); err != nil {
			return err
		}
	}
	if err := f.Parse(args); err != nil {
		return err
	}
	if printConfig {
		if err := Print(os.Stderr, cfg); err != nil {
			return err
		}
	}
	return cfg.Validate()
}

// LoadFile 把 yaml 文件叠加到 cfg 上，文件中没有的字段保持原值
func LoadFile(path string, cfg interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "读取配置文件失败")
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return errors.Wrapf(err, "解析配置文件 %s 失败", path)
	}
	return nil
}

// Print 以 yaml 输出配置
func Print(w io.Writer, cfg interface{}) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return errors.Wrap(err, "输出配置失败")
	}
	return enc.Close()
}

// configFileFromArgs 在正式解析前找出 -config.file
func configFileFromArgs(args []string) string {
	for i, arg := range args {
		if arg == "--" {
			break
		}
		name := strings.TrimLeft(arg, "-")
		if name == arg {
			continue
		}
		if v, ok := strings.CutPrefix(name, "config.file="); ok {
			return v
		}
		if name == "config.file" && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

// NewLogger 按级别过滤的 logfmt 日志
func NewLogger(w io.Writer, lvl string) (log.Logger, error) {
	var opt level.Option
	switch strings.ToLower(lvl) {
	case "debug":
		opt = level.AllowDebug()
	case "info", "":
		opt = level.AllowInfo()
	case "warn":
		opt = level.AllowWarn()
	case "error":
		opt = level.AllowError()
	default:
		return nil, errors.Errorf("未知的日志级别: %s", lvl)
	}
	logger := log.NewLogfmtLogger(log.NewSyncWriter(w))
	logger = level.NewFilter(logger, opt)
	return log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller), nil
}

func parseUint16(s string) (uint16, error) {
	v, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, err
	}
	return uint16(v), nil
}
