package wire

import (
	"strings"
	"testing"
)

func TestPrimitiveRoundTrip(t *testing.T) {
	buf := make([]byte, 256)
	w := NewCursor(buf)
	w.WriteUint8(0xAB)
	w.WriteInt8(-5)
	w.WriteBool(true)
	w.WriteUint16(0xBEEF)
	w.WriteInt16(-1234)
	w.WriteUint32(0xDEADBEEF)
	w.WriteInt32(-99999)
	w.WriteUint64(1234567890123)
	w.WriteFloat32(3.14)
	w.WriteFloat64(2.71828)
	w.WriteString("hello, lissandra")

	r := NewCursor(buf)
	if v := r.ReadUint8(); v != 0xAB {
		t.Fatalf("uint8: got %x", v)
	}
	if v := r.ReadInt8(); v != -5 {
		t.Fatalf("int8: got %d", v)
	}
	if v := r.ReadBool(); v != true {
		t.Fatalf("bool: got %v", v)
	}
	if v := r.ReadUint16(); v != 0xBEEF {
		t.Fatalf("uint16: got %x", v)
	}
	if v := r.ReadInt16(); v != -1234 {
		t.Fatalf("int16: got %d", v)
	}
	if v := r.ReadUint32(); v != 0xDEADBEEF {
		t.Fatalf("uint32: got %x", v)
	}
	if v := r.ReadInt32(); v != -99999 {
		t.Fatalf("int32: got %d", v)
	}
	if v := r.ReadUint64(); v != 1234567890123 {
		t.Fatalf("uint64: got %d", v)
	}
	if v := r.ReadFloat32(); v != 3.14 {
		t.Fatalf("float32: got %v", v)
	}
	if v := r.ReadFloat64(); v != 2.71828 {
		t.Fatalf("float64: got %v", v)
	}
	if v := r.ReadString(); v != "hello, lissandra" {
		t.Fatalf("string: got %q", v)
	}
	if r.Pos != w.Pos {
		t.Fatalf("cursor advance mismatch: read=%d write=%d", r.Pos, w.Pos)
	}
}

func TestStringRoundTripVaryingLengths(t *testing.T) {
	for _, n := range []int{0, 1, 15, 255, 4000} {
		s := strings.Repeat("x", n)
		buf := make([]byte, n+8)
		w := NewCursor(buf)
		w.WriteString(s)
		r := NewCursor(buf)
		if got := r.ReadString(); got != s {
			t.Fatalf("len %d: round-trip mismatch", n)
		}
		if r.Pos != w.Pos {
			t.Fatalf("len %d: cursor mismatch read=%d write=%d", n, r.Pos, w.Pos)
		}
	}
}

func TestOverflowPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on overflow")
		}
	}()
	c := NewCursor(make([]byte, 1))
	c.WriteUint32(42)
}

func TestParseAllFramesTailShift(t *testing.T) {
	var raw []byte
	p1 := make([]byte, FrameOverhead+3)
	Encode(p1, HeaderUserBase, []byte("abc"))
	raw = append(raw, p1...)
	p2 := make([]byte, FrameOverhead+2)
	Encode(p2, HeaderUserBase+1, []byte("de"))
	raw = append(raw, p2...)
	// partial third packet
	raw = append(raw, 5, 0, 1) // header=5, len=256 (little-endian), but payload missing

	frames, consumed := ParseAll(raw)
	if len(frames) != 2 {
		t.Fatalf("expected 2 complete frames, got %d", len(frames))
	}
	if string(frames[0].Payload) != "abc" || string(frames[1].Payload) != "de" {
		t.Fatalf("unexpected payloads: %q %q", frames[0].Payload, frames[1].Payload)
	}
	if consumed != len(p1)+len(p2) {
		t.Fatalf("consumed=%d want=%d", consumed, len(p1)+len(p2))
	}
	tail := raw[consumed:]
	if len(tail) != 3 {
		t.Fatalf("expected 3 leftover bytes, got %d", len(tail))
	}
}
