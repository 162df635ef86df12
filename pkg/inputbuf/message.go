package inputbuf

import (
	"math"
	"time"

	"tickwire/pkg/core"
)

// MaxMessageLength 消息窗口上限，保持在半个回绕周期内以免帧号歧义
const MaxMessageLength = math.MaxInt16

// Message 输入消息：结束帧 + 变化游程编码的窗口
type Message[A any] struct {
	EndTick core.Tick
	Entries []Entry[A]
}

// Len 覆盖的帧数
func (m Message[A]) Len() int {
	return len(m.Entries)
}

// StartTick 覆盖的第一帧
func (m Message[A]) StartTick() core.Tick {
	return m.EndTick.Add(-len(m.Entries) + 1)
}

// IsEmpty 窗口内全部缺省，这样的消息不需要发送
func (m Message[A]) IsEmpty() bool {
	for _, e := range m.Entries {
		if e.Kind == EntryValue {
			return false
		}
	}
	return true
}

// Inputs 解码出从旧到新的输入窗口
func (m Message[A]) Inputs() ([]Option[A], error) {
	return Decode(m.Entries)
}

// MessageLength 冗余窗口长度 = 发送间隔折合的帧数 × (1 + packetRedundancy)
//
// 连续丢失 packetRedundancy 个包后，下一个到达的包仍覆盖服务器最后一次收到之后的所有帧。
// sendInterval 为 0 表示每帧发送，按 1 帧计。
func MessageLength(sendInterval, tickDuration time.Duration, packetRedundancy uint16) uint16 {
	ticks := 1
	if tickDuration > 0 && sendInterval > tickDuration {
		ticks = int(sendInterval / tickDuration)
	}
	length := ticks * (1 + int(packetRedundancy))
	if length > MaxMessageLength {
		length = MaxMessageLength
	}
	return uint16(length)
}
