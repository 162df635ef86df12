package server

import (
	"net"

	"github.com/pkg/errors"
	kcp "github.com/xtaci/kcp-go/v5"
)

// lowLatencyListener 接受连接后把连接调成小包低延迟模式
type lowLatencyListener struct {
	net.Listener
}

// listen 按协议名监听，proto 为空时用 tcp
func listen(proto, addr string) (net.Listener, error) {
	var (
		l   net.Listener
		err error
	)
	switch proto {
	case "", "tcp":
		l, err = net.Listen("tcp", addr)
	case "kcp":
		l, err = kcp.ListenWithOptions(addr, nil, 0, 0)
	default:
		return nil, errors.Errorf("不支持的协议: %s", proto)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "监听 %s %s 失败", proto, addr)
	}
	return lowLatencyListener{Listener: l}, nil
}

func (l lowLatencyListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	setLowLatency(conn)
	return conn, nil
}

// setLowLatency 心跳与输入都是小包：tcp 关 Nagle，kcp 用流模式并打开快速重传
func setLowLatency(conn net.Conn) {
	switch c := conn.(type) {
	case *net.TCPConn:
		_ = c.SetNoDelay(true)
	case *kcp.UDPSession:
		c.SetStreamMode(true)
		c.SetNoDelay(1, 10, 2, 1)
	}
}
