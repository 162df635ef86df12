package client

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	kcp "github.com/xtaci/kcp-go/v5"

	"tickwire/pkg/protocol"
)

const (
	dialTimeout  = 5 * time.Second
	writeTimeout = time.Second

	reliableQueueSize = 256
	// 输入包只保留最近几个，排队太久的冗余窗口已经没有意义
	lossyQueueSize = 4
	recvQueueSize  = 256
)

var (
	// ErrSendQueueFull 发送队列满
	ErrSendQueueFull = errors.New("发送队列满")
	// ErrClosed 连接已关闭
	ErrClosed = errors.New("连接已关闭")
)

// Transport Connection 使用的收发接口
type Transport interface {
	// SendReliable 控制消息，优先于输入发出；不阻塞，队列满时返回 ErrSendQueueFull
	SendReliable(pkt *protocol.Packet) error
	// SendUnreliable 输入消息，不阻塞，队列满时返回 ErrSendQueueFull，调用方丢弃即可
	SendUnreliable(pkt *protocol.Packet) error
	// Receive 非阻塞地取出一个收到的包
	Receive() (*protocol.Packet, bool)
	Close() error
}

// NetworkClient 基于 tcp/kcp 长度前缀流的 Transport
type NetworkClient struct {
	conn   net.Conn
	logger log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	reliable chan []byte
	lossy    chan []byte
	recv     chan *protocol.Packet

	closeOnce sync.Once
}

// Dial 连接服务器并启动收发循环
func Dial(ctx context.Context, proto, addr string, logger log.Logger) (*NetworkClient, error) {
	level.Info(logger).Log("msg", "连接到服务器", "addr", addr, "proto", proto)

	conn, err := dial(ctx, proto, addr)
	if err != nil {
		return nil, errors.Wrap(err, "连接服务器失败")
	}
	level.Info(logger).Log("msg", "已连接到服务器", "remote", conn.RemoteAddr())
	return NewNetworkClient(conn, logger), nil
}

func dial(ctx context.Context, proto, addr string) (net.Conn, error) {
	switch proto {
	case "", "tcp":
		d := net.Dialer{Timeout: dialTimeout}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, err
		}
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			_ = tcpConn.SetNoDelay(true)
		}
		return conn, nil
	case "kcp":
		sess, err := kcp.DialWithOptions(addr, nil, 0, 0)
		if err != nil {
			return nil, err
		}
		sess.SetStreamMode(true)
		// 快速模式：不延迟 ack，10ms 内部时钟，2 次重复 ack 触发快速重传，关闭拥塞控制
		sess.SetNoDelay(1, 10, 2, 1)
		return sess, nil
	default:
		return nil, errors.Errorf("不支持的协议: %s", proto)
	}
}

// NewNetworkClient 在已建立的连接上启动收发循环
func NewNetworkClient(conn net.Conn, logger log.Logger) *NetworkClient {
	ctx, cancel := context.WithCancel(context.Background())
	nc := &NetworkClient{
		conn:     conn,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		reliable: make(chan []byte, reliableQueueSize),
		lossy:    make(chan []byte, lossyQueueSize),
		recv:     make(chan *protocol.Packet, recvQueueSize),
	}

	nc.wg.Add(2)
	go nc.receiveLoop()
	go nc.sendLoop()
	return nc
}

// Close 关闭连接并等待收发循环退出
func (nc *NetworkClient) Close() error {
	var err error
	nc.closeOnce.Do(func() {
		nc.cancel()
		err = nc.conn.Close()
		nc.wg.Wait()
		level.Info(nc.logger).Log("msg", "网络客户端已关闭")
	})
	return err
}

// SendReliable 实现 Transport
func (nc *NetworkClient) SendReliable(pkt *protocol.Packet) error {
	if nc.ctx.Err() != nil {
		return ErrClosed
	}
	data := protocol.MarshalPacket(pkt)
	select {
	case nc.reliable <- data:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// SendUnreliable 实现 Transport
func (nc *NetworkClient) SendUnreliable(pkt *protocol.Packet) error {
	if nc.ctx.Err() != nil {
		return ErrClosed
	}
	data := protocol.MarshalPacket(pkt)
	select {
	case nc.lossy <- data:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// Receive 实现 Transport
func (nc *NetworkClient) Receive() (*protocol.Packet, bool) {
	select {
	case pkt := <-nc.recv:
		return pkt, true
	default:
		return nil, false
	}
}

// ========== 收发循环 ==========

func (nc *NetworkClient) receiveLoop() {
	defer nc.wg.Done()
	defer nc.cancel()

	for {
		data, err := protocol.ReadFrame(nc.conn)
		if err != nil {
			if nc.ctx.Err() == nil && !errors.Is(err, io.EOF) {
				level.Warn(nc.logger).Log("msg", "读取失败，断开连接", "err", err)
			}
			return
		}
		if len(data) == 0 {
			continue
		}

		pkt, err := protocol.UnmarshalPacket(data)
		if err != nil {
			level.Warn(nc.logger).Log("msg", "丢弃无法解析的包", "err", err)
			continue
		}

		select {
		case nc.recv <- pkt:
		case <-nc.ctx.Done():
			return
		}
	}
}

func (nc *NetworkClient) sendLoop() {
	defer nc.wg.Done()

	for {
		// 控制消息优先
		var data []byte
		select {
		case <-nc.ctx.Done():
			return
		case data = <-nc.reliable:
		default:
			select {
			case <-nc.ctx.Done():
				return
			case data = <-nc.reliable:
			case data = <-nc.lossy:
			}
		}

		_ = nc.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := protocol.WriteFrame(nc.conn, data); err != nil {
			if nc.ctx.Err() == nil {
				level.Warn(nc.logger).Log("msg", "发送失败，断开连接", "err", err)
			}
			nc.cancel()
			return
		}
	}
}
