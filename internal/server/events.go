package server

import (
	"tickwire/pkg/core"
	"tickwire/pkg/inputbuf"
	"tickwire/pkg/protocol"
)

type EventKind int

const (
	EventUnknown EventKind = iota
	EventJoin
	EventInput
	EventPing
	EventLeave
)

func (k EventKind) String() string {
	switch k {
	case EventJoin:
		return "join"
	case EventInput:
		return "input"
	case EventPing:
		return "ping"
	case EventLeave:
		return "leave"
	}
	return "unknown"
}

// ClientEvent 客户端发来的一条消息，解码后交给房间循环
type ClientEvent struct {
	Kind  EventKind
	Join  *protocol.JoinRequest
	Input *inputbuf.Message[core.Input]
	Ping  *protocol.Ping
}

type roomEvent struct {
	session Session
	event   ClientEvent
}
