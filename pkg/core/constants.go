package core

import "time"

// 模拟帧率
const (
	TPS                 = 60
	DefaultTickDuration = time.Second / TPS
)
