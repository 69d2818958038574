// Package keycode implements an order-preserving binary encoding for composite
// keys: for any two keys, the byte-wise comparison of their encodings matches
// the comparison of the original tuples.
//
//   - byte strings escape 0x00 as 0x00 0xff and end with 0x00 0x00
//   - unsigned integers are big-endian
//   - signed integers are big-endian with the sign bit flipped
//   - floats flip the sign bit when positive and every bit when negative
//   - booleans are a single 0x00 or 0x01 byte
//
// Variant tags are plain bytes written with AppendByte.
package keycode

import (
	"encoding/binary"
	"math"

	"github.com/myuser/cinderdb/internal/dberr"
)

const (
	escape     = 0x00
	escaped    = 0xff
	terminator = 0x00
)

// AppendByte appends a single raw byte, used for variant tags.
func AppendByte(buf []byte, b byte) []byte {
	return append(buf, b)
}

// AppendBytes appends an escaped, terminated byte string.
func AppendBytes(buf, b []byte) []byte {
	buf = AppendBytesPrefix(buf, b)
	return append(buf, escape, terminator)
}

// AppendBytesPrefix appends an escaped byte string without the terminator. The
// result is a prefix of the encoding of every byte string starting with b.
func AppendBytesPrefix(buf, b []byte) []byte {
	for _, c := range b {
		if c == escape {
			buf = append(buf, escape, escaped)
		} else {
			buf = append(buf, c)
		}
	}
	return buf
}

func AppendString(buf []byte, s string) []byte {
	return AppendBytes(buf, []byte(s))
}

func AppendUint64(buf []byte, v uint64) []byte {
	return binary.BigEndian.AppendUint64(buf, v)
}

func AppendInt64(buf []byte, v int64) []byte {
	return binary.BigEndian.AppendUint64(buf, uint64(v)^(1<<63))
}

func AppendFloat64(buf []byte, v float64) []byte {
	bits := math.Float64bits(v)
	if bits>>63 == 1 {
		bits = ^bits
	} else {
		bits ^= 1 << 63
	}
	return binary.BigEndian.AppendUint64(buf, bits)
}

func AppendBool(buf []byte, v bool) []byte {
	if v {
		return append(buf, 0x01)
	}
	return append(buf, 0x00)
}

// PrefixEnd returns the smallest key greater than every key with the given
// prefix, or nil if there is none (the prefix is all 0xff bytes).
func PrefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] != 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

// Decoder reads values back in the order they were appended.
type Decoder struct {
	buf []byte
}

func NewDecoder(buf []byte) *Decoder {
	return &Decoder{buf: buf}
}

// Remaining returns the number of undecoded bytes.
func (d *Decoder) Remaining() int {
	return len(d.buf)
}

// Finish fails if any bytes are left over.
func (d *Decoder) Finish() error {
	if len(d.buf) > 0 {
		return dberr.Codec("unexpected trailing bytes %x", d.buf)
	}
	return nil
}

func (d *Decoder) take(n int) ([]byte, error) {
	if len(d.buf) < n {
		return nil, dberr.Codec("insufficient bytes, expected %d got %d", n, len(d.buf))
	}
	b := d.buf[:n]
	d.buf = d.buf[n:]
	return b, nil
}

// Byte decodes a raw byte, usually a variant tag.
func (d *Decoder) Byte() (byte, error) {
	b, err := d.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (d *Decoder) Bytes() ([]byte, error) {
	out := make([]byte, 0, len(d.buf))
	for i := 0; ; {
		if i >= len(d.buf) {
			return nil, dberr.Codec("unterminated byte string")
		}
		c := d.buf[i]
		i++
		if c != escape {
			out = append(out, c)
			continue
		}
		if i >= len(d.buf) {
			return nil, dberr.Codec("truncated escape sequence")
		}
		next := d.buf[i]
		i++
		switch next {
		case terminator:
			d.buf = d.buf[i:]
			return out, nil
		case escaped:
			out = append(out, escape)
		default:
			return nil, dberr.Codec("invalid escape sequence %#x %#x", c, next)
		}
	}
}

func (d *Decoder) Text() (string, error) {
	b, err := d.Bytes()
	return string(b), err
}

func (d *Decoder) Uint64() (uint64, error) {
	b, err := d.take(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

func (d *Decoder) Int64() (int64, error) {
	v, err := d.Uint64()
	if err != nil {
		return 0, err
	}
	return int64(v ^ (1 << 63)), nil
}

func (d *Decoder) Float64() (float64, error) {
	bits, err := d.Uint64()
	if err != nil {
		return 0, err
	}
	if bits>>63 == 1 {
		bits ^= 1 << 63
	} else {
		bits = ^bits
	}
	return math.Float64frombits(bits), nil
}

func (d *Decoder) Bool() (bool, error) {
	b, err := d.Byte()
	if err != nil {
		return false, err
	}
	switch b {
	case 0x00:
		return false, nil
	case 0x01:
		return true, nil
	default:
		return false, dberr.Codec("invalid boolean %#x", b)
	}
}
