package core

import (
	"fmt"
	"math"
)

// Tick 固定步长模拟帧号，按 2^16 回绕
type Tick uint16

// TickCycle 一个完整回绕周期包含的帧数
const TickCycle = 1 << 16

// WrapSafetyBand 回绕判定的安全带：两帧差值超过 int16 最大值减去该值时视为已回绕
const WrapSafetyBand = 1000

// Diff 返回 t - other 的最短有符号距离
// 所有与回绕相关的比较都应经过这里
func (t Tick) Diff(other Tick) int16 {
	return int16(t - other)
}

// Add 按有符号偏移前进（或后退）
func (t Tick) Add(delta int) Tick {
	return Tick(int(t) + delta)
}

// IsAfter 在回绕意义下 t 是否晚于 other
func (t Tick) IsAfter(other Tick) bool {
	return t.Diff(other) > 0
}

// IsBefore 在回绕意义下 t 是否早于 other
func (t Tick) IsBefore(other Tick) bool {
	return t.Diff(other) < 0
}

func (t Tick) String() string {
	return fmt.Sprintf("Tick(%d)", uint16(t))
}

// UnwrapAhead 把客户端帧号展开到参考帧（服务器帧）所在的周期
//
// 客户端在同步后总是领先服务器，所以如果原始差值显示客户端落后了接近半个周期，
// 说明客户端已经回绕而服务器还没有，此时补上一个完整周期。
func UnwrapAhead(client, reference Tick) int64 {
	raw := int64(client)
	if int64(reference)-raw > math.MaxInt16-WrapSafetyBand {
		raw += TickCycle
	}
	return raw
}
