// Package inputbuf 按帧缓存本地输入，并生成带冗余的输入消息。
//
// 缓冲区是一个以帧号为键的滑动窗口：只支持从末尾向前增长，旧数据只在显式
// Pop 时移除（回滚重放需要保留历史）。每条输入消息都携带最近 N 帧的完整
// 窗口，用变化游程编码压缩，连续丢失若干个包后下一个到达的包仍能补齐空缺。
package inputbuf

import (
	"fmt"
	"strings"

	"tickwire/pkg/core"
)

// Buffer 帧号 -> 可选输入 的滑动窗口
type Buffer[A comparable] struct {
	startTick core.Tick
	started   bool
	slots     []Option[A]
}

// NewBuffer 创建空缓冲区
func NewBuffer[A comparable]() *Buffer[A] {
	return &Buffer[A]{}
}

// StartTick 最早保留的帧号
func (b *Buffer[A]) StartTick() (core.Tick, bool) {
	return b.startTick, b.started
}

// EndTick 最新的帧号
func (b *Buffer[A]) EndTick() (core.Tick, bool) {
	if len(b.slots) == 0 {
		return 0, false
	}
	return b.startTick.Add(len(b.slots) - 1), true
}

// Len 窗口内的帧数
func (b *Buffer[A]) Len() int {
	return len(b.slots)
}

// Set 写入（或覆盖）某帧的输入
func (b *Buffer[A]) Set(tick core.Tick, action A) {
	b.set(tick, Some(action))
}

// SetAbsent 标记某帧没有输入
func (b *Buffer[A]) SetAbsent(tick core.Tick) {
	b.set(tick, None[A]())
}

// set 早于起始帧的写入被忽略；超过末尾时中间空缺补为缺省
func (b *Buffer[A]) set(tick core.Tick, value Option[A]) {
	if !b.started {
		b.startTick = tick
		b.started = true
	}
	offset := int(tick.Diff(b.startTick))
	if offset < 0 {
		return
	}
	if len(b.slots) == 0 {
		b.startTick = tick
		offset = 0
	}
	for len(b.slots) < offset {
		b.slots = append(b.slots, None[A]())
	}
	if offset == len(b.slots) {
		b.slots = append(b.slots, value)
		return
	}
	b.slots[offset] = value
}

// Lookup 查询某帧：inWindow 表示该帧在窗口内（已记录，可能是缺省）
func (b *Buffer[A]) Lookup(tick core.Tick) (value Option[A], inWindow bool) {
	if len(b.slots) == 0 {
		return None[A](), false
	}
	offset := int(tick.Diff(b.startTick))
	if offset < 0 || offset >= len(b.slots) {
		return None[A](), false
	}
	return b.slots[offset], true
}

// Get 只读查询，不移除数据
func (b *Buffer[A]) Get(tick core.Tick) (A, bool) {
	v, _ := b.Lookup(tick)
	return v.Get()
}

// Pop 移除 tick 及之前的所有帧，返回 tick 对应的输入，起始帧变为 tick+1
func (b *Buffer[A]) Pop(tick core.Tick) (A, bool) {
	var zero A
	if !b.started {
		return zero, false
	}
	offset := int(tick.Diff(b.startTick))
	if offset < 0 {
		return zero, false
	}
	if offset >= len(b.slots) {
		clear(b.slots)
		b.slots = b.slots[:0]
		b.startTick = tick.Add(1)
		return zero, false
	}
	popped := b.slots[offset]
	n := copy(b.slots, b.slots[offset+1:])
	clear(b.slots[n:])
	b.slots = b.slots[:n]
	b.startTick = tick.Add(1)
	return popped.Get()
}

// Shift 帧号整体平移，保证重编号后原有的帧 -> 输入对应关系不变
func (b *Buffer[A]) Shift(delta int16) {
	if !b.started {
		return
	}
	b.startTick = b.startTick.Add(int(delta))
}

// HandleTickEvent 处理帧号重置事件
func (b *Buffer[A]) HandleTickEvent(ev core.TickEvent) {
	b.Shift(ev.Delta())
}

// Window 返回 [endTick-length+1, endTick] 的输入，从旧到新
func (b *Buffer[A]) Window(endTick core.Tick, length uint16) []Option[A] {
	window := make([]Option[A], 0, length)
	start := endTick.Add(-int(length) + 1)
	for i := 0; i < int(length); i++ {
		v, _ := b.Lookup(start.Add(i))
		window = append(window, v)
	}
	return window
}

// CreateMessage 生成覆盖最近 length 帧、以 endTick 结尾的输入消息
func (b *Buffer[A]) CreateMessage(endTick core.Tick, length uint16) Message[A] {
	return Message[A]{
		EndTick: endTick,
		Entries: Encode(b.Window(endTick, length)),
	}
}

// UpdateFromMessage 服务端用收到的消息填充缓冲区，返回新获得输入的帧数
//
// 已有输入不会被缺省覆盖：客户端可能已经丢弃了较早的帧。
func (b *Buffer[A]) UpdateFromMessage(msg Message[A]) (int, error) {
	window, err := msg.Inputs()
	if err != nil {
		return 0, err
	}
	start := msg.StartTick()
	filled := 0
	for i, opt := range window {
		tick := start.Add(i)
		if b.started && tick.IsBefore(b.startTick) {
			continue
		}
		existing, inWindow := b.Lookup(tick)
		if !opt.Valid {
			if !inWindow {
				b.SetAbsent(tick)
			}
			continue
		}
		if !existing.Valid {
			filled++
		}
		b.Set(tick, opt.Value)
	}
	return filled, nil
}

func (b *Buffer[A]) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "InputBuffer{start=%d len=%d [", b.startTick, len(b.slots))
	for i, s := range b.slots {
		if i > 0 {
			sb.WriteString(" ")
		}
		if s.Valid {
			fmt.Fprintf(&sb, "%v", s.Value)
		} else {
			sb.WriteString("-")
		}
	}
	sb.WriteString("]}")
	return sb.String()
}
