package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tickwire/internal/config"
	"tickwire/internal/server"
	"tickwire/pkg/core"
)

func main() {
	var cfg config.ServerConfig
	if err := config.Parse(flag.CommandLine, os.Args[1:], &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "解析配置失败: %v\n", err)
		os.Exit(1)
	}

	logger, err := config.NewLogger(os.Stderr, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		metricsServer = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			level.Info(logger).Log("msg", "指标服务监听中", "addr", cfg.MetricsAddr)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				level.Error(logger).Log("msg", "指标服务退出", "err", err)
			}
		}()
	}

	srv := server.NewGameServer(cfg, logger, reg, newInputLogger(logger).step)
	if err := srv.Listen(); err != nil {
		level.Error(logger).Log("msg", "启动服务器失败", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve() }()

	select {
	case <-ctx.Done():
		level.Info(logger).Log("msg", "收到退出信号")
	case err := <-errCh:
		if err != nil {
			level.Error(logger).Log("msg", "服务器异常退出", "err", err)
		}
	}

	srv.Shutdown()
	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = metricsServer.Shutdown(shutdownCtx)
		cancel()
	}
}

// inputLogger 没有游戏逻辑时的每帧回调：玩家输入变化时打一条 debug 日志
type inputLogger struct {
	logger log.Logger
	last   map[int32]core.Input
}

func newInputLogger(logger log.Logger) *inputLogger {
	return &inputLogger{logger: log.With(logger, "component", "step"), last: make(map[int32]core.Input)}
}

func (l *inputLogger) step(tick core.Tick, inputs map[int32]server.PlayerInput) {
	for id := range l.last {
		if _, ok := inputs[id]; !ok {
			delete(l.last, id)
		}
	}
	for id, in := range inputs {
		if prev, ok := l.last[id]; ok && prev == in.Action {
			continue
		}
		l.last[id] = in.Action
		level.Debug(l.logger).Log("msg", "输入变化", "tick", uint16(tick), "player_id", id, "input", fmt.Sprintf("%08b", in.Action.Bits()), "present", in.Present)
	}
}
