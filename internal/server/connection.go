package server

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"tickwire/pkg/protocol"
)

const (
	// 客户端每 100ms 一次心跳，超过这个时间没有任何消息就断开
	readTimeout  = 15 * time.Second
	writeTimeout = time.Second

	sendQueueSize = 256
)

var (
	ErrSendQueueFull = errors.New("发送队列满")
	ErrClosed        = errors.New("连接已关闭")
)

// Connection 表示一个客户端连接：接收循环把消息解码后交给房间，发送循环写出房间的回包
type Connection struct {
	conn   net.Conn
	room   *Room
	logger log.Logger

	sendChan  chan []byte
	closeCh   chan struct{}
	closeOnce sync.Once
}

// NewConnection 创建新连接
func NewConnection(conn net.Conn, room *Room, logger log.Logger) *Connection {
	return &Connection{
		conn:     conn,
		room:     room,
		logger:   log.With(logger, "remote", conn.RemoteAddr()),
		sendChan: make(chan []byte, sendQueueSize),
		closeCh:  make(chan struct{}),
	}
}

// Handle 处理连接直到断开，退出前通知房间
func (c *Connection) Handle(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	level.Debug(c.logger).Log("msg", "连接处理开始")

	wg.Add(1)
	go c.sendLoop(ctx, wg)

	c.receiveLoop(ctx)
	c.Close()
	c.room.Submit(c, ClientEvent{Kind: EventLeave})
}

// Close 实现 Session
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.closeCh)
		_ = c.conn.Close()
		level.Debug(c.logger).Log("msg", "连接已关闭")
	})
}

// Send 实现 Session，异步发送
func (c *Connection) Send(pkt *protocol.Packet) error {
	select {
	case <-c.closeCh:
		return ErrClosed
	default:
	}

	select {
	case c.sendChan <- protocol.MarshalPacket(pkt):
		return nil
	default:
		return ErrSendQueueFull
	}
}

func (c *Connection) sendLoop(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	for {
		select {
		case <-ctx.Done():
			c.Close()
			return
		case <-c.closeCh:
			return
		case data := <-c.sendChan:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := protocol.WriteFrame(c.conn, data); err != nil {
				level.Warn(c.logger).Log("msg", "发送失败，断开连接", "err", err)
				c.Close()
				return
			}
		}
	}
}

func (c *Connection) receiveLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
		data, err := protocol.ReadFrame(c.conn)
		if err != nil {
			c.logReadError(err)
			return
		}
		if len(data) == 0 {
			continue
		}

		event, err := DecodePacket(data)
		if err != nil {
			level.Warn(c.logger).Log("msg", "丢弃无法解析的包", "err", err)
			continue
		}
		if event.Kind == EventUnknown {
			level.Debug(c.logger).Log("msg", "忽略未知消息")
			continue
		}
		c.room.Submit(c, *event)
	}
}

func (c *Connection) logReadError(err error) {
	select {
	case <-c.closeCh:
		return
	default:
	}

	var netErr net.Error
	switch {
	case errors.Is(err, io.EOF):
		level.Info(c.logger).Log("msg", "客户端断开")
	case errors.As(err, &netErr) && netErr.Timeout():
		level.Warn(c.logger).Log("msg", "读取超时")
	default:
		level.Warn(c.logger).Log("msg", "读取失败", "err", err)
	}
}

// String 返回连接的字符串表示
func (c *Connection) String() string {
	return fmt.Sprintf("Connection{%s}", c.conn.RemoteAddr())
}
