// Package protocol 定义客户端与服务器之间的线上格式。
//
// 每个包是 Packet{type, payload}，payload 按消息类型各自编码；
// 字段编码与 protobuf 线格式兼容，直接用 protowire 读写。
package protocol

import (
	"fmt"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// MessageType 消息类型
type MessageType uint32

const (
	MessageTypeUnspecified MessageType = iota
	MessageTypeJoinRequest
	MessageTypeJoinResponse
	MessageTypePing
	MessageTypePong
	MessageTypeTickReport
	MessageTypeInput
)

func (t MessageType) String() string {
	switch t {
	case MessageTypeJoinRequest:
		return "join_request"
	case MessageTypeJoinResponse:
		return "join_response"
	case MessageTypePing:
		return "ping"
	case MessageTypePong:
		return "pong"
	case MessageTypeTickReport:
		return "tick_report"
	case MessageTypeInput:
		return "input"
	}
	return fmt.Sprintf("unknown(%d)", uint32(t))
}

// Packet 外层包
type Packet struct {
	Type    MessageType
	Payload []byte
}

const (
	packetFieldType    protowire.Number = 1
	packetFieldPayload protowire.Number = 2
)

// ErrWrongType 解析时包类型与期望不符
var ErrWrongType = errors.New("消息类型不匹配")

// MarshalPacket 序列化外层包
func MarshalPacket(pkt *Packet) []byte {
	b := make([]byte, 0, len(pkt.Payload)+8)
	b = protowire.AppendTag(b, packetFieldType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(pkt.Type))
	b = protowire.AppendTag(b, packetFieldPayload, protowire.BytesType)
	b = protowire.AppendBytes(b, pkt.Payload)
	return b
}

// UnmarshalPacket 反序列化外层包
func UnmarshalPacket(data []byte) (*Packet, error) {
	pkt := &Packet{}
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case packetFieldType:
			v, n, err := consumeVarint(num, typ, b)
			pkt.Type = MessageType(v)
			return n, err
		case packetFieldPayload:
			v, n, err := consumeBytes(num, typ, b)
			pkt.Payload = v
			return n, err
		}
		return 0, nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "解析包失败")
	}
	if pkt.Type == MessageTypeUnspecified {
		return nil, errors.New("解析包失败: 缺少消息类型")
	}
	return pkt, nil
}

func expectType(pkt *Packet, want MessageType) error {
	if pkt.Type != want {
		return errors.Wrapf(ErrWrongType, "期望 %s，实际 %s", want, pkt.Type)
	}
	return nil
}

// walkFields 依次读取字段交给 fn；fn 返回 0 表示不认识该字段，由这里跳过
func walkFields(b []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return errors.Wrap(protowire.ParseError(n), "读取字段标签失败")
		}
		b = b[n:]

		n, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if n == 0 {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return errors.Wrapf(protowire.ParseError(n), "跳过字段 %d 失败", num)
			}
		}
		b = b[n:]
	}
	return nil
}

func consumeVarint(num protowire.Number, typ protowire.Type, b []byte) (uint64, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, errors.Errorf("字段 %d 类型错误: %v", num, typ)
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, errors.Wrapf(protowire.ParseError(n), "读取字段 %d 失败", num)
	}
	return v, n, nil
}

func consumeBytes(num protowire.Number, typ protowire.Type, b []byte) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, errors.Errorf("字段 %d 类型错误: %v", num, typ)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, errors.Wrapf(protowire.ParseError(n), "读取字段 %d 失败", num)
	}
	return v, n, nil
}
