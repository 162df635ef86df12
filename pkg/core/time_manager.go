package core

import "time"

// TimeManager 墙钟来源：记录每帧耗时，并按相对速度驱动固定步长
//
// 相对速度只作用于固定步长的累积，不会修改墙钟本身。
type TimeManager struct {
	tickDuration  time.Duration
	delta         time.Duration
	overstep      time.Duration
	relativeSpeed float64
}

// NewTimeManager 创建墙钟管理器
func NewTimeManager(tickDuration time.Duration) *TimeManager {
	return &TimeManager{
		tickDuration:  tickDuration,
		relativeSpeed: 1.0,
	}
}

// Advance 记录本帧耗时并返回需要执行的固定步数
func (m *TimeManager) Advance(delta time.Duration) int {
	if delta < 0 {
		delta = 0
	}
	m.delta = delta
	if m.tickDuration <= 0 {
		return 0
	}
	m.overstep += time.Duration(float64(delta) * m.relativeSpeed)
	steps := int(m.overstep / m.tickDuration)
	m.overstep -= time.Duration(steps) * m.tickDuration
	return steps
}

// Delta 本帧墙钟耗时（未经速度缩放）
func (m *TimeManager) Delta() time.Duration {
	return m.delta
}

// Overstep 固定步长累积中尚未消耗的部分
func (m *TimeManager) Overstep() time.Duration {
	return m.overstep
}

// RelativeSpeed 当前速度倍率
func (m *TimeManager) RelativeSpeed() float64 {
	return m.relativeSpeed
}

// SetRelativeSpeed 设置速度倍率，由时钟同步调用
func (m *TimeManager) SetRelativeSpeed(speed float64) {
	if speed <= 0 {
		speed = 1.0
	}
	m.relativeSpeed = speed
}
