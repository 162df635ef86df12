package server

import (
	"context"
	"net"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"tickwire/internal/config"
)

// GameServer 游戏服务器：接受连接并把它们交给唯一的房间
type GameServer struct {
	cfg     config.ServerConfig
	logger  log.Logger
	metrics *Metrics
	step    StepFunc

	room     *Room
	listener net.Listener

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewGameServer 创建新的游戏服务器；step 为每帧回调，可以为 nil
func NewGameServer(cfg config.ServerConfig, logger log.Logger, reg prometheus.Registerer, step StepFunc) *GameServer {
	ctx, cancel := context.WithCancel(context.Background())

	return &GameServer{
		cfg:     cfg,
		logger:  logger,
		metrics: NewMetrics(reg),
		step:    step,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Listen 开始监听并启动房间循环
func (s *GameServer) Listen() error {
	sessions, err := NewSessionIssuer(s.cfg.JWTSecret, s.cfg.SessionTTL)
	if err != nil {
		return err
	}

	listener, err := listen(s.cfg.Proto, s.cfg.Addr)
	if err != nil {
		return err
	}
	s.listener = listener
	level.Info(s.logger).Log("msg", "服务器监听中", "addr", listener.Addr(), "proto", s.cfg.Proto)

	s.room = NewRoom(s.ctx, s.cfg, sessions, log.With(s.logger, "component", "room"), s.metrics, s.step)
	s.wg.Add(1)
	go s.room.Run(&s.wg)
	return nil
}

// Addr 实际监听地址
func (s *GameServer) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve 接受连接，直到 Shutdown
func (s *GameServer) Serve() error {
	if s.listener == nil {
		return errors.New("服务器未监听")
	}

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return nil
			}
			level.Warn(s.logger).Log("msg", "接受连接失败", "err", err)
			continue
		}

		level.Info(s.logger).Log("msg", "新连接", "remote", conn.RemoteAddr())

		connection := NewConnection(conn, s.room, s.logger)
		s.wg.Add(1)
		go connection.Handle(s.ctx, &s.wg)
	}
}

// Start 监听并阻塞地接受连接
func (s *GameServer) Start() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

// Shutdown 优雅关闭服务器
func (s *GameServer) Shutdown() {
	level.Info(s.logger).Log("msg", "正在关闭服务器")

	s.cancel()
	if s.room != nil {
		s.room.Shutdown()
	}
	if s.listener != nil {
		_ = s.listener.Close()
	}

	s.wg.Wait()
	level.Info(s.logger).Log("msg", "服务器已关闭")
}
