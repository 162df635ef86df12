package server

import (
	"github.com/pkg/errors"

	"tickwire/pkg/protocol"
)

// DecodePacket 解析服务器收到的数据包
func DecodePacket(data []byte) (*ClientEvent, error) {
	pkt, err := protocol.UnmarshalPacket(data)
	if err != nil {
		return nil, errors.Wrap(err, "解析包失败")
	}

	switch pkt.Type {
	case protocol.MessageTypeJoinRequest:
		req, err := protocol.ParseJoinRequest(pkt)
		if err != nil {
			return nil, err
		}
		return &ClientEvent{Kind: EventJoin, Join: req}, nil

	case protocol.MessageTypeInput:
		msg, err := protocol.ParseInput(protocol.InputCodec{}, pkt)
		if err != nil {
			return nil, err
		}
		return &ClientEvent{Kind: EventInput, Input: &msg}, nil

	case protocol.MessageTypePing:
		ping, err := protocol.ParsePing(pkt)
		if err != nil {
			return nil, err
		}
		return &ClientEvent{Kind: EventPing, Ping: ping}, nil

	default:
		return &ClientEvent{Kind: EventUnknown}, nil
	}
}
