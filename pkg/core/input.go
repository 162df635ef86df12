package core

// Input 表示一帧内玩家的输入
type Input struct {
	Up    bool
	Down  bool
	Left  bool
	Right bool
	Bomb  bool
}

// 按键位掩码
const (
	ButtonUp byte = 1 << iota
	ButtonDown
	ButtonLeft
	ButtonRight
	ButtonBomb
)

// Bits 编码为一个字节的按键掩码
func (in Input) Bits() byte {
	var b byte
	if in.Up {
		b |= ButtonUp
	}
	if in.Down {
		b |= ButtonDown
	}
	if in.Left {
		b |= ButtonLeft
	}
	if in.Right {
		b |= ButtonRight
	}
	if in.Bomb {
		b |= ButtonBomb
	}
	return b
}

// InputFromBits 从按键掩码还原
func InputFromBits(b byte) Input {
	return Input{
		Up:    b&ButtonUp != 0,
		Down:  b&ButtonDown != 0,
		Left:  b&ButtonLeft != 0,
		Right: b&ButtonRight != 0,
		Bomb:  b&ButtonBomb != 0,
	}
}

// IsIdle 没有任何按键
func (in Input) IsIdle() bool {
	return in.Bits() == 0
}
