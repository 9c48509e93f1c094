package wire

// Header identifies a packet's handler. Reserved headers occupy the
// low range; user/verb headers start at HeaderUserBase (§4.1).
type Header uint8

const (
	HeaderPing Header = 0
	HeaderPong Header = 1
	HeaderAuth Header = 2
	HeaderAck  Header = 3

	HeaderUserBase Header = 16
)

// Frame is a decoded packet: header + payload, still referencing the
// caller's buffer (handlers receive a slice into the inbound ring, per
// §4.5 "invoke handler with slice pointing into the inbound buffer").
type Frame struct {
	Header  Header
	Payload []byte
}

// Encode serializes header+len+payload into dst, returning the number
// of bytes written. dst must have capacity >= FrameOverhead+len(payload).
func Encode(dst []byte, h Header, payload []byte) int {
	if FrameOverhead+len(payload) > len(dst) {
		panic("wire: encode destination too small")
	}
	c := NewCursor(dst)
	c.WriteUint8(uint8(h))
	c.WriteUint16(uint16(len(payload)))
	c.WriteBytes(payload)
	return c.Pos
}

// ParseOne attempts to decode a single complete packet at the front of
// buf. It returns the frame, the number of bytes it consumed, and ok.
// ok is false when buf does not yet hold a complete packet (the caller
// must wait for more bytes from recv before retrying) — this is never
// an error, just "not enough yet" (§4.1 "parses as many complete
// packets as are available").
func ParseOne(buf []byte) (Frame, int, bool) {
	if len(buf) < FrameOverhead {
		return Frame{}, 0, false
	}
	c := NewCursor(buf)
	h := Header(c.ReadUint8())
	plen := int(c.ReadUint16())
	total := FrameOverhead + plen
	if len(buf) < total {
		return Frame{}, 0, false
	}
	return Frame{Header: h, Payload: buf[FrameOverhead:total]}, total, true
}

// ParseAll decodes every complete packet currently available in buf,
// returning the frames and the number of leading bytes consumed (the
// caller memmoves the remainder to the front of its ring, §4.5).
func ParseAll(buf []byte) ([]Frame, int) {
	var frames []Frame
	consumed := 0
	for {
		f, n, ok := ParseOne(buf[consumed:])
		if !ok {
			break
		}
		frames = append(frames, f)
		consumed += n
	}
	return frames, consumed
}
