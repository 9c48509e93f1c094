// Package wire implements C1: length-prefixed binary framing over TCP
// and the primitive codecs used by every on-wire struct in proto.
// Bounds-checking is load-bearing: spec §4.1 treats a failed
// bounds-check as a programmer error, not a recoverable one, so every
// writer/reader here panics on overflow rather than returning an error
// — callers size each buffer from the encoded length of its fields,
// so a correctly sized encoder never hits it.
package wire

import (
	"encoding/binary"
	"fmt"
	"math"
)

// MaxPacketLen bounds payload_len + header + len-prefix (§4.1 default 4096).
const MaxPacketLen = 4096

// HeaderLen + PayloadLenLen is the fixed framing overhead.
const (
	HeaderLen     = 1
	PayloadLenLen = 2
	FrameOverhead = HeaderLen + PayloadLenLen
)

// Cursor is an in/out position into a fixed buffer, shared by every
// primitive codec below. It is the Go analogue of the C code's
// `uint32_t* _inOutPos` out-parameter.
type Cursor struct {
	Buf []byte
	Pos int
}

func NewCursor(buf []byte) *Cursor { return &Cursor{Buf: buf} }

func (c *Cursor) need(n int) {
	if c.Pos+n > len(c.Buf) {
		panic(fmt.Sprintf("wire: cursor overflow: pos=%d need=%d len=%d", c.Pos, n, len(c.Buf)))
	}
}

func (c *Cursor) WriteUint8(v uint8) {
	c.need(1)
	c.Buf[c.Pos] = v
	c.Pos++
}

func (c *Cursor) ReadUint8() uint8 {
	c.need(1)
	v := c.Buf[c.Pos]
	c.Pos++
	return v
}

func (c *Cursor) WriteInt8(v int8) { c.WriteUint8(uint8(v)) }
func (c *Cursor) ReadInt8() int8   { return int8(c.ReadUint8()) }

func (c *Cursor) WriteBool(v bool) {
	if v {
		c.WriteUint8(1)
	} else {
		c.WriteUint8(0)
	}
}

func (c *Cursor) ReadBool() bool { return c.ReadUint8() != 0 }

func (c *Cursor) WriteUint16(v uint16) {
	c.need(2)
	binary.LittleEndian.PutUint16(c.Buf[c.Pos:], v)
	c.Pos += 2
}

func (c *Cursor) ReadUint16() uint16 {
	c.need(2)
	v := binary.LittleEndian.Uint16(c.Buf[c.Pos:])
	c.Pos += 2
	return v
}

func (c *Cursor) WriteInt16(v int16) { c.WriteUint16(uint16(v)) }
func (c *Cursor) ReadInt16() int16   { return int16(c.ReadUint16()) }

func (c *Cursor) WriteUint32(v uint32) {
	c.need(4)
	binary.LittleEndian.PutUint32(c.Buf[c.Pos:], v)
	c.Pos += 4
}

func (c *Cursor) ReadUint32() uint32 {
	c.need(4)
	v := binary.LittleEndian.Uint32(c.Buf[c.Pos:])
	c.Pos += 4
	return v
}

func (c *Cursor) WriteInt32(v int32) { c.WriteUint32(uint32(v)) }
func (c *Cursor) ReadInt32() int32   { return int32(c.ReadUint32()) }

func (c *Cursor) WriteUint64(v uint64) {
	c.need(8)
	binary.LittleEndian.PutUint64(c.Buf[c.Pos:], v)
	c.Pos += 8
}

func (c *Cursor) ReadUint64() uint64 {
	c.need(8)
	v := binary.LittleEndian.Uint64(c.Buf[c.Pos:])
	c.Pos += 8
	return v
}

func (c *Cursor) WriteFloat32(v float32) { c.WriteUint32(math.Float32bits(v)) }
func (c *Cursor) ReadFloat32() float32   { return math.Float32frombits(c.ReadUint32()) }

func (c *Cursor) WriteFloat64(v float64) { c.WriteUint64(math.Float64bits(v)) }
func (c *Cursor) ReadFloat64() float64   { return math.Float64frombits(c.ReadUint64()) }

// WriteString writes a u16 length prefix followed by the raw UTF-8
// bytes (no terminator), per §4.1.
func (c *Cursor) WriteString(s string) {
	if len(s) > math.MaxUint16 {
		panic(fmt.Sprintf("wire: string too long: %d bytes", len(s)))
	}
	c.WriteUint16(uint16(len(s)))
	c.need(len(s))
	copy(c.Buf[c.Pos:], s)
	c.Pos += len(s)
}

func (c *Cursor) ReadString() string {
	n := int(c.ReadUint16())
	c.need(n)
	s := string(c.Buf[c.Pos : c.Pos+n])
	c.Pos += n
	return s
}

func (c *Cursor) WriteBytes(b []byte) {
	c.need(len(b))
	copy(c.Buf[c.Pos:], b)
	c.Pos += len(b)
}

func (c *Cursor) ReadBytes(n int) []byte {
	c.need(n)
	b := c.Buf[c.Pos : c.Pos+n]
	c.Pos += n
	return b
}

// Remaining is the number of bytes left between Pos and len(Buf).
func (c *Cursor) Remaining() int { return len(c.Buf) - c.Pos }
