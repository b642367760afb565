// Package wire holds the big-endian primitives shared by the cluster frames: u16 length
// prefixed strings and byte slices, and a bounds-checked reader.
package wire

import (
	"encoding/binary"
	"math"

	"github.com/sessamekesh/spanreed-frontend/pkg/errors"
)

func AppendString(out []byte, messageName string, s string) ([]byte, error) {
	return AppendBytes(out, messageName, []byte(s))
}

func AppendBytes(out []byte, messageName string, b []byte) ([]byte, error) {
	if len(b) > math.MaxUint16 {
		return out, &errors.Overflow{
			MessageName: messageName,
			Size:        len(b),
			MaximumSize: math.MaxUint16,
		}
	}
	out = binary.BigEndian.AppendUint16(out, uint16(len(b)))
	return append(out, b...), nil
}

// AppendStringList writes `u16 count | { u16 len | bytes }*`.
func AppendStringList(out []byte, messageName string, list []string) ([]byte, error) {
	if len(list) > math.MaxUint16 {
		return out, &errors.Overflow{
			MessageName: messageName,
			Size:        len(list),
			MaximumSize: math.MaxUint16,
		}
	}
	out = binary.BigEndian.AppendUint16(out, uint16(len(list)))
	var err error
	for _, s := range list {
		out, err = AppendString(out, messageName, s)
		if err != nil {
			return out, err
		}
	}
	return out, nil
}

// Reader walks a frame body. The first failed read sticks; later reads return zero values
// and Err reports the original underflow.
type Reader struct {
	MessageName string

	buf []byte
	ptr int
	err error
}

func NewReader(messageName string, buf []byte) *Reader {
	return &Reader{MessageName: messageName, buf: buf}
}

func (r *Reader) need(n int) bool {
	if r.err != nil {
		return false
	}
	if len(r.buf) < r.ptr+n {
		r.err = &errors.Underflow{
			MessageName: r.MessageName,
			MsgSize:     len(r.buf),
			MinimumSize: r.ptr + n,
		}
		return false
	}
	return true
}

func (r *Reader) Uint8() uint8 {
	if !r.need(1) {
		return 0
	}
	v := r.buf[r.ptr]
	r.ptr++
	return v
}

func (r *Reader) Uint16() uint16 {
	if !r.need(2) {
		return 0
	}
	v := binary.BigEndian.Uint16(r.buf[r.ptr : r.ptr+2])
	r.ptr += 2
	return v
}

func (r *Reader) Uint32() uint32 {
	if !r.need(4) {
		return 0
	}
	v := binary.BigEndian.Uint32(r.buf[r.ptr : r.ptr+4])
	r.ptr += 4
	return v
}

// Next returns the next n bytes without copying.
func (r *Reader) Next(n int) []byte {
	if !r.need(n) {
		return nil
	}
	v := r.buf[r.ptr : r.ptr+n]
	r.ptr += n
	return v
}

func (r *Reader) Bytes() []byte {
	return r.Next(int(r.Uint16()))
}

func (r *Reader) String() string {
	return string(r.Bytes())
}

func (r *Reader) StringList() []string {
	count := int(r.Uint16())
	if r.err != nil {
		return nil
	}
	list := make([]string, 0, count)
	for range count {
		s := r.String()
		if r.err != nil {
			return nil
		}
		list = append(list, s)
	}
	return list
}

// Rest returns every unread byte.
func (r *Reader) Rest() []byte {
	if r.err != nil {
		return nil
	}
	v := r.buf[r.ptr:]
	r.ptr = len(r.buf)
	return v
}

func (r *Reader) Remaining() int {
	return len(r.buf) - r.ptr
}

func (r *Reader) Err() error {
	return r.err
}
