package core

import "time"

// TickEventSource 标识帧号重置的来源
type TickEventSource int

const (
	// TickSourceSync 握手完成时由时钟同步发起的一次性对齐
	TickSourceSync TickEventSource = iota
	// TickSourceExternal 外部（例如服务器指令）发起的整体重编号
	TickSourceExternal
)

// TickEvent 帧号被重置（tick snap）
type TickEvent struct {
	Old    Tick
	New    Tick
	Source TickEventSource
}

// Delta 新旧帧号的有符号差
func (e TickEvent) Delta() int16 {
	return e.New.Diff(e.Old)
}

// TickEvents 帧号重置事件队列，每帧由调度方统一取出分发
type TickEvents struct {
	queue []TickEvent
}

// Push 追加事件
func (q *TickEvents) Push(ev TickEvent) {
	q.queue = append(q.queue, ev)
}

// Drain 取出并清空所有待处理事件
func (q *TickEvents) Drain() []TickEvent {
	if len(q.queue) == 0 {
		return nil
	}
	out := q.queue
	q.queue = nil
	return out
}

// Len 待处理事件数
func (q *TickEvents) Len() int {
	return len(q.queue)
}

// TickManager 帧号来源：持有帧时长与当前帧号
type TickManager struct {
	tickDuration time.Duration
	tick         Tick
	events       *TickEvents
}

// NewTickManager 创建帧号管理器，重置事件写入 events
func NewTickManager(tickDuration time.Duration, events *TickEvents) *TickManager {
	return &TickManager{
		tickDuration: tickDuration,
		events:       events,
	}
}

// TickDuration 每帧时长
func (m *TickManager) TickDuration() time.Duration {
	return m.tickDuration
}

// CurrentTick 当前帧号
func (m *TickManager) CurrentTick() Tick {
	return m.tick
}

// Increment 前进一帧
func (m *TickManager) Increment() Tick {
	m.tick++
	return m.tick
}

// SetTickTo 唯一的重置入口，产生一个 TickSourceSync 事件
func (m *TickManager) SetTickTo(tick Tick) {
	m.rebase(tick, TickSourceSync)
}

// Rebase 外部发起的整体重编号
func (m *TickManager) Rebase(tick Tick) {
	m.rebase(tick, TickSourceExternal)
}

func (m *TickManager) rebase(tick Tick, source TickEventSource) {
	old := m.tick
	m.tick = tick
	if m.events != nil && old != tick {
		m.events.Push(TickEvent{Old: old, New: tick, Source: source})
	}
}
