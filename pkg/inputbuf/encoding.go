package inputbuf

import (
	"github.com/pkg/errors"
)

// Option 某一帧的可选输入；Valid=false 表示该帧确实没有输入
type Option[A any] struct {
	Value A
	Valid bool
}

// Some 构造有值的 Option
func Some[A any](v A) Option[A] {
	return Option[A]{Value: v, Valid: true}
}

// None 构造缺省的 Option
func None[A any]() Option[A] {
	return Option[A]{}
}

// Get 拆包
func (o Option[A]) Get() (A, bool) {
	return o.Value, o.Valid
}

func (o Option[A]) equal(other Option[A], eq func(a, b A) bool) bool {
	if o.Valid != other.Valid {
		return false
	}
	return !o.Valid || eq(o.Value, other.Value)
}

// EntryKind 消息条目类型
type EntryKind uint8

const (
	// EntryAbsent 该帧没有输入
	EntryAbsent EntryKind = iota
	// EntrySameAsPrevious 与前一帧相同
	EntrySameAsPrevious
	// EntryValue 携带完整输入值
	EntryValue
)

func (k EntryKind) String() string {
	switch k {
	case EntryAbsent:
		return "absent"
	case EntrySameAsPrevious:
		return "same"
	case EntryValue:
		return "value"
	}
	return "unknown"
}

// Entry 变化游程编码后的单帧条目
type Entry[A any] struct {
	Kind  EntryKind
	Value A
}

// ErrLeadingRepeat 首个条目不能引用前一帧
var ErrLeadingRepeat = errors.New("首个输入条目不能是重复标记")

// ErrUnknownEntry 未知的条目类型
var ErrUnknownEntry = errors.New("未知的输入条目类型")

// Encode 把从旧到新的输入窗口编码为条目序列：
// 第一帧写绝对值，之后每帧若与前一帧相同写重复标记，否则写新的绝对值
func Encode[A comparable](window []Option[A]) []Entry[A] {
	return EncodeFunc(window, func(a, b A) bool { return a == b })
}

// EncodeFunc 同 Encode，使用自定义的相等判断
func EncodeFunc[A any](window []Option[A], eq func(a, b A) bool) []Entry[A] {
	entries := make([]Entry[A], 0, len(window))
	for i, opt := range window {
		if i > 0 && opt.equal(window[i-1], eq) {
			entries = append(entries, Entry[A]{Kind: EntrySameAsPrevious})
			continue
		}
		entries = append(entries, absolute(opt))
	}
	return entries
}

func absolute[A any](opt Option[A]) Entry[A] {
	if !opt.Valid {
		return Entry[A]{Kind: EntryAbsent}
	}
	return Entry[A]{Kind: EntryValue, Value: opt.Value}
}

// Decode 还原 Encode 的结果
func Decode[A any](entries []Entry[A]) ([]Option[A], error) {
	window := make([]Option[A], 0, len(entries))
	for i, e := range entries {
		switch e.Kind {
		case EntryAbsent:
			window = append(window, None[A]())
		case EntryValue:
			window = append(window, Some(e.Value))
		case EntrySameAsPrevious:
			if i == 0 {
				return nil, ErrLeadingRepeat
			}
			window = append(window, window[i-1])
		default:
			return nil, errors.Wrapf(ErrUnknownEntry, "第 %d 个条目: %d", i, e.Kind)
		}
	}
	return window, nil
}
