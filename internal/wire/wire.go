// Package wire holds the little-endian primitives shared by the heartbeat
// encoding and the command protocol.
//
// Writers are append-style: each helper appends to a byte slice and returns
// the grown slice. Reader keeps a cursor and a sticky error so a decoder can
// read a whole struct and check Err once at the end.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrShortBuffer is returned when a read runs past the end of the input.
var ErrShortBuffer = errors.New("wire: short buffer")

// MaxBlobLen bounds any single length-prefixed field.
const MaxBlobLen = 64 << 20

func AppendU8(buf []byte, v uint8) []byte { return append(buf, v) }

func AppendU16(buf []byte, v uint16) []byte { return binary.LittleEndian.AppendUint16(buf, v) }

func AppendU32(buf []byte, v uint32) []byte { return binary.LittleEndian.AppendUint32(buf, v) }

func AppendU64(buf []byte, v uint64) []byte { return binary.LittleEndian.AppendUint64(buf, v) }

func AppendF64(buf []byte, v float64) []byte { return AppendU64(buf, math.Float64bits(v)) }

func AppendBool(buf []byte, v bool) []byte {
	if v {
		return append(buf, 1)
	}
	return append(buf, 0)
}

// AppendBytes writes a u32 length prefix followed by b.
func AppendBytes(buf []byte, b []byte) []byte {
	buf = AppendU32(buf, uint32(len(b)))
	return append(buf, b...)
}

// AppendString writes s the same way AppendBytes does.
func AppendString(buf []byte, s string) []byte {
	buf = AppendU32(buf, uint32(len(s)))
	return append(buf, s...)
}

// Reader decodes primitives from a byte slice.
type Reader struct {
	buf []byte
	pos int
	err error
}

// NewReader returns a Reader positioned at the start of b.
func NewReader(b []byte) *Reader {
	return &Reader{buf: b}
}

// Err returns the first error encountered, if any.
func (r *Reader) Err() error { return r.err }

// Remaining reports how many unread bytes are left.
func (r *Reader) Remaining() int { return len(r.buf) - r.pos }

// Done returns an error if the reader failed or if trailing bytes remain.
func (r *Reader) Done() error {
	if r.err != nil {
		return r.err
	}
	if r.pos != len(r.buf) {
		return fmt.Errorf("wire: %d trailing bytes", len(r.buf)-r.pos)
	}
	return nil
}

func (r *Reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.pos+n > len(r.buf) {
		r.err = fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrShortBuffer, n, r.pos, len(r.buf)-r.pos)
		return nil
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b
}

func (r *Reader) U8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *Reader) U16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (r *Reader) U32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *Reader) U64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (r *Reader) F64() float64 { return math.Float64frombits(r.U64()) }

func (r *Reader) Bool() bool {
	v := r.U8()
	if r.err == nil && v > 1 {
		r.err = fmt.Errorf("wire: invalid bool byte %d", v)
	}
	return v == 1
}

// Fixed copies exactly len(dst) bytes into dst.
func (r *Reader) Fixed(dst []byte) {
	b := r.take(len(dst))
	if b != nil {
		copy(dst, b)
	}
}

// Bytes reads a u32 length-prefixed blob. The result is a copy, or nil when
// the blob is empty.
func (r *Reader) Bytes() []byte {
	n := r.U32()
	if r.err != nil {
		return nil
	}
	if n == 0 {
		return nil
	}
	if n > MaxBlobLen {
		r.err = fmt.Errorf("wire: blob length %d exceeds limit", n)
		return nil
	}
	b := r.take(int(n))
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// Str reads a u32 length-prefixed string.
func (r *Reader) Str() string {
	return string(r.Bytes())
}
