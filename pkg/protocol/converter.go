package protocol

import (
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"

	"tickwire/pkg/core"
	"tickwire/pkg/inputbuf"
)

// ActionCodec 单帧动作与字节之间的转换
type ActionCodec[A any] interface {
	AppendAction(b []byte, action A) []byte
	DecodeAction(b []byte) (A, error)
}

// InputCodec core.Input 编码为一个字节的按键掩码
type InputCodec struct{}

// AppendAction 实现 ActionCodec
func (InputCodec) AppendAction(b []byte, in core.Input) []byte {
	return append(b, in.Bits())
}

// DecodeAction 实现 ActionCodec
func (InputCodec) DecodeAction(b []byte) (core.Input, error) {
	if len(b) != 1 {
		return core.Input{}, errors.Errorf("按键掩码长度应为 1，实际 %d", len(b))
	}
	return core.InputFromBits(b[0]), nil
}

const (
	inputFieldEndTick protowire.Number = 1
	inputFieldEntry   protowire.Number = 2

	entryFieldKind   protowire.Number = 1
	entryFieldAction protowire.Number = 2
)

// NewInputPacket 构造输入消息包
func NewInputPacket[A any](codec ActionCodec[A], msg inputbuf.Message[A]) *Packet {
	var b []byte
	b = appendVarint(b, inputFieldEndTick, uint64(msg.EndTick))

	var entry, action []byte
	for _, e := range msg.Entries {
		entry = appendVarint(entry[:0], entryFieldKind, uint64(e.Kind))
		if e.Kind == inputbuf.EntryValue {
			action = codec.AppendAction(action[:0], e.Value)
			entry = protowire.AppendTag(entry, entryFieldAction, protowire.BytesType)
			entry = protowire.AppendBytes(entry, action)
		}
		b = protowire.AppendTag(b, inputFieldEntry, protowire.BytesType)
		b = protowire.AppendBytes(b, entry)
	}
	return &Packet{Type: MessageTypeInput, Payload: b}
}

// ParseInput 解析输入消息包
func ParseInput[A any](codec ActionCodec[A], pkt *Packet) (inputbuf.Message[A], error) {
	var msg inputbuf.Message[A]
	if err := expectType(pkt, MessageTypeInput); err != nil {
		return msg, err
	}
	err := walkFields(pkt.Payload, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case inputFieldEndTick:
			v, n, err := consumeVarint(num, typ, b)
			msg.EndTick = core.Tick(v)
			return n, err
		case inputFieldEntry:
			v, n, err := consumeBytes(num, typ, b)
			if err != nil {
				return n, err
			}
			e, err := parseEntry(codec, v)
			if err != nil {
				return n, errors.Wrapf(err, "第 %d 个条目", len(msg.Entries))
			}
			msg.Entries = append(msg.Entries, e)
			return n, nil
		}
		return 0, nil
	})
	if err != nil {
		return inputbuf.Message[A]{}, errors.Wrap(err, "解析输入消息失败")
	}
	if len(msg.Entries) > inputbuf.MaxMessageLength {
		return inputbuf.Message[A]{}, errors.Errorf("输入消息过长: %d", len(msg.Entries))
	}
	return msg, nil
}

func parseEntry[A any](codec ActionCodec[A], payload []byte) (inputbuf.Entry[A], error) {
	var (
		e         inputbuf.Entry[A]
		hasAction bool
	)
	err := walkFields(payload, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case entryFieldKind:
			v, n, err := consumeVarint(num, typ, b)
			e.Kind = inputbuf.EntryKind(v)
			return n, err
		case entryFieldAction:
			v, n, err := consumeBytes(num, typ, b)
			if err != nil {
				return n, err
			}
			action, err := codec.DecodeAction(v)
			if err != nil {
				return n, err
			}
			e.Value = action
			hasAction = true
			return n, nil
		}
		return 0, nil
	})
	if err != nil {
		return e, err
	}
	switch e.Kind {
	case inputbuf.EntryAbsent, inputbuf.EntrySameAsPrevious:
	case inputbuf.EntryValue:
		if !hasAction {
			return e, errors.New("值条目缺少动作")
		}
	default:
		return e, errors.Wrapf(inputbuf.ErrUnknownEntry, "%d", e.Kind)
	}
	return e, nil
}
