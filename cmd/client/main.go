package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/go-kit/log/level"
	"github.com/hajimehoshi/ebiten/v2"
	"github.com/prometheus/client_golang/prometheus"

	"tickwire/internal/client"
	"tickwire/internal/config"
	"tickwire/pkg/core"
	"tickwire/pkg/protocol"
)

func main() {
	var cfg config.ClientConfig
	if err := config.Parse(flag.CommandLine, os.Args[1:], &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "解析配置失败: %v\n", err)
		os.Exit(1)
	}

	logger, err := config.NewLogger(os.Stderr, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	transport, err := client.Dial(ctx, cfg.Proto, cfg.ServerAddr, logger)
	cancel()
	if err != nil {
		level.Error(logger).Log("msg", "连接服务器失败", "err", err)
		os.Exit(1)
	}

	conn := client.NewConnection[core.Input](cfg, transport, protocol.InputCodec{}, logger, prometheus.NewRegistry())
	defer conn.Close()

	if err := conn.Join(cfg.PlayerName, ""); err != nil {
		level.Error(logger).Log("msg", "发送加入请求失败", "err", err)
		os.Exit(1)
	}

	ebiten.SetWindowSize(ScreenWidth*2, ScreenHeight*2)
	ebiten.SetWindowTitle("tickwire - " + cfg.PlayerName)
	ebiten.SetTPS(FPS)

	if err := ebiten.RunGame(NewGame(conn)); err != nil {
		level.Error(logger).Log("msg", "游戏循环退出", "err", err)
		os.Exit(1)
	}
}
