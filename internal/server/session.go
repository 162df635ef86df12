package server

import "tickwire/pkg/protocol"

// Session 房间看到的一个客户端连接
type Session interface {
	Send(pkt *protocol.Packet) error
	// Close 关闭连接，不再通知房间
	Close()
	String() string
}
