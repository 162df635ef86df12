package core

import (
	"fmt"
	"time"
)

// TickTime 帧号加帧内偏移表示的逻辑时间，随帧号一起按 65536 帧回绕
//
// 两个时间之差取帧号的最短有符号距离，服务器帧号从 65535 回到 0 时不会跳变。
type TickTime struct {
	tick         Tick
	offset       time.Duration
	tickDuration time.Duration
}

// NewTickTime offset 可以为负或超过一帧，会被规整到 [0, tickDuration)
func NewTickTime(tick Tick, offset, tickDuration time.Duration) TickTime {
	return TickTime{tick: tick, tickDuration: tickDuration}.Add(offset)
}

// Add 加上有符号时长；未设置帧时长的零值保持不变
func (t TickTime) Add(d time.Duration) TickTime {
	if t.tickDuration <= 0 {
		return t
	}
	total := t.offset + d
	n := total / t.tickDuration
	rem := total % t.tickDuration
	if rem < 0 {
		rem += t.tickDuration
		n--
	}
	return TickTime{tick: t.tick.Add(int(n)), offset: rem, tickDuration: t.tickDuration}
}

// Sub 两个时间之间的有符号时长，要求两者相距不超过半个回绕周期
func (t TickTime) Sub(other TickTime) time.Duration {
	return time.Duration(t.tick.Diff(other.tick))*t.tickDuration + t.offset - other.offset
}

// Tick 所在帧（向下取整）
func (t TickTime) Tick() Tick {
	return t.tick
}

// CeilTick 向上取整的帧号
func (t TickTime) CeilTick() Tick {
	if t.offset > 0 {
		return t.tick.Add(1)
	}
	return t.tick
}

// Offset 帧内偏移
func (t TickTime) Offset() time.Duration {
	return t.offset
}

// Duration 自本回绕周期起点以来经过的时长
func (t TickTime) Duration() time.Duration {
	return time.Duration(t.tick)*t.tickDuration + t.offset
}

func (t TickTime) String() string {
	return fmt.Sprintf("TickTime(%d+%s)", uint16(t.tick), t.offset)
}
