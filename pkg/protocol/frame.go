package protocol

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// MaxFrameSize 单个数据包的上限
const MaxFrameSize = 64 * 1024

// ErrFrameTooLarge 长度前缀超过上限
var ErrFrameTooLarge = errors.New("消息过大")

// WriteFrame 写入 4 字节大端长度前缀和数据体
func WriteFrame(w io.Writer, data []byte) error {
	if len(data) > MaxFrameSize {
		return errors.Wrapf(ErrFrameTooLarge, "%d bytes", len(data))
	}
	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[4:], data)
	if _, err := w.Write(buf); err != nil {
		return errors.Wrap(err, "发送数据失败")
	}
	return nil
}

// ReadFrame 读取一个长度前缀帧；长度为 0 的帧返回空切片
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(header[:])
	if length > MaxFrameSize {
		return nil, errors.Wrapf(ErrFrameTooLarge, "%d bytes", length)
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, errors.Wrap(err, "读取数据失败")
	}
	return data, nil
}
