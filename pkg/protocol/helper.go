package protocol

import (
	"time"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"

	"tickwire/pkg/core"
)

// JoinRequest 客户端加入请求；携带 SessionToken 表示断线重连
type JoinRequest struct {
	PlayerName   string
	SessionToken string
}

// JoinResponse 服务器分配的玩家与时间线参数
type JoinResponse struct {
	PlayerID     int32
	SessionToken string
	ServerTick   core.Tick
	TickDuration time.Duration
}

// Ping 客户端心跳
type Ping struct {
	ID uint16
}

// Pong 心跳回包，顺带服务器当前帧号
type Pong struct {
	PingID     uint16
	ServerTick core.Tick
}

// TickReport 服务器定期广播的当前帧号
type TickReport struct {
	ServerTick core.Tick
}

// ========== 构造 ==========

// NewJoinRequestPacket 构造加入请求
func NewJoinRequestPacket(playerName, sessionToken string) *Packet {
	var b []byte
	b = appendString(b, 1, playerName)
	b = appendString(b, 2, sessionToken)
	return &Packet{Type: MessageTypeJoinRequest, Payload: b}
}

// NewJoinResponsePacket 构造加入响应
func NewJoinResponsePacket(resp JoinResponse) *Packet {
	var b []byte
	b = appendVarint(b, 1, uint64(uint32(resp.PlayerID)))
	b = appendString(b, 2, resp.SessionToken)
	b = appendVarint(b, 3, uint64(resp.ServerTick))
	b = appendVarint(b, 4, uint64(resp.TickDuration.Microseconds()))
	return &Packet{Type: MessageTypeJoinResponse, Payload: b}
}

// NewPingPacket 构造心跳
func NewPingPacket(id uint16) *Packet {
	return &Packet{Type: MessageTypePing, Payload: appendVarint(nil, 1, uint64(id))}
}

// NewPongPacket 构造心跳回包
func NewPongPacket(pingID uint16, serverTick core.Tick) *Packet {
	var b []byte
	b = appendVarint(b, 1, uint64(pingID))
	b = appendVarint(b, 2, uint64(serverTick))
	return &Packet{Type: MessageTypePong, Payload: b}
}

// NewTickReportPacket 构造帧号广播
func NewTickReportPacket(serverTick core.Tick) *Packet {
	return &Packet{Type: MessageTypeTickReport, Payload: appendVarint(nil, 1, uint64(serverTick))}
}

// ========== 解析 ==========

// ParseJoinRequest 解析加入请求
func ParseJoinRequest(pkt *Packet) (*JoinRequest, error) {
	if err := expectType(pkt, MessageTypeJoinRequest); err != nil {
		return nil, err
	}
	req := &JoinRequest{}
	err := walkFields(pkt.Payload, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeBytes(num, typ, b)
			req.PlayerName = string(v)
			return n, err
		case 2:
			v, n, err := consumeBytes(num, typ, b)
			req.SessionToken = string(v)
			return n, err
		}
		return 0, nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "解析加入请求失败")
	}
	return req, nil
}

// ParseJoinResponse 解析加入响应
func ParseJoinResponse(pkt *Packet) (*JoinResponse, error) {
	if err := expectType(pkt, MessageTypeJoinResponse); err != nil {
		return nil, err
	}
	resp := &JoinResponse{}
	err := walkFields(pkt.Payload, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeVarint(num, typ, b)
			resp.PlayerID = int32(uint32(v))
			return n, err
		case 2:
			v, n, err := consumeBytes(num, typ, b)
			resp.SessionToken = string(v)
			return n, err
		case 3:
			v, n, err := consumeVarint(num, typ, b)
			resp.ServerTick = core.Tick(v)
			return n, err
		case 4:
			v, n, err := consumeVarint(num, typ, b)
			resp.TickDuration = time.Duration(v) * time.Microsecond
			return n, err
		}
		return 0, nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "解析加入响应失败")
	}
	if resp.TickDuration <= 0 {
		return nil, errors.New("解析加入响应失败: 帧时长为 0")
	}
	return resp, nil
}

// ParsePing 解析心跳
func ParsePing(pkt *Packet) (*Ping, error) {
	if err := expectType(pkt, MessageTypePing); err != nil {
		return nil, err
	}
	ping := &Ping{}
	err := walkFields(pkt.Payload, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != 1 {
			return 0, nil
		}
		v, n, err := consumeVarint(num, typ, b)
		ping.ID = uint16(v)
		return n, err
	})
	if err != nil {
		return nil, errors.Wrap(err, "解析心跳失败")
	}
	return ping, nil
}

// ParsePong 解析心跳回包
func ParsePong(pkt *Packet) (*Pong, error) {
	if err := expectType(pkt, MessageTypePong); err != nil {
		return nil, err
	}
	pong := &Pong{}
	err := walkFields(pkt.Payload, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeVarint(num, typ, b)
			pong.PingID = uint16(v)
			return n, err
		case 2:
			v, n, err := consumeVarint(num, typ, b)
			pong.ServerTick = core.Tick(v)
			return n, err
		}
		return 0, nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "解析心跳回包失败")
	}
	return pong, nil
}

// ParseTickReport 解析帧号广播
func ParseTickReport(pkt *Packet) (*TickReport, error) {
	if err := expectType(pkt, MessageTypeTickReport); err != nil {
		return nil, err
	}
	report := &TickReport{}
	err := walkFields(pkt.Payload, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != 1 {
			return 0, nil
		}
		v, n, err := consumeVarint(num, typ, b)
		report.ServerTick = core.Tick(v)
		return n, err
	})
	if err != nil {
		return nil, errors.Wrap(err, "解析帧号广播失败")
	}
	return report, nil
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}
