// Package frame implements the link level framing and the high level packet
// layout of the ZBOSS NCP serial protocol.
package frame

import (
	"encoding/binary"
	"fmt"

	"github.com/cbeuw/zbncp/internal/checksum"
)

// Frame is one link level frame. Body is nil for frames without a body.
type Frame struct {
	Header Header
	Body   []byte
}

// NewDataFrame builds a frame carrying body. The body must not exceed MaxBodySize.
func NewDataFrame(body []byte, flags Flags) Frame {
	if len(body) == 0 {
		body = nil
	}
	return Frame{Header: makeHeader(len(body), flags), Body: body}
}

// NewAckFrame builds a bodiless acknowledgement of the frame numbered ackSeq.
func NewAckFrame(ackSeq uint8) Frame {
	return Frame{Header: makeHeader(0, (FlagAck).WithAckSeq(ackSeq))}
}

func (f Frame) IsAck() bool { return f.Header.Flags.IsAck() }

// Serialize encodes the frame: header, body, then the frame check sequence
// over both. Header length and CRC fields are recomputed from the body.
func (f Frame) Serialize() []byte {
	h := f.Header
	h.Size = uint16(sizeBase + len(f.Body))
	buf := make([]byte, HeaderLength+len(f.Body)+FCSLength)
	h.put(buf)
	copy(buf[HeaderLength:], f.Body)
	fcsAt := HeaderLength + len(f.Body)
	binary.LittleEndian.PutUint16(buf[fcsAt:], checksum.CRC16(buf[:fcsAt]))
	return buf
}

// ParsePayload decodes the frame whose already validated header is h from b,
// which must start with that header. It returns the frame and the number of
// bytes it occupies. The body is copied out of b.
func ParsePayload(h Header, b []byte) (Frame, int, error) {
	n := h.FrameLen()
	if len(b) < n {
		return Frame{}, 0, ErrIncomplete
	}
	fcsAt := n - FCSLength
	want := binary.LittleEndian.Uint16(b[fcsAt:n])
	if sum := checksum.CRC16(b[:fcsAt]); sum != want {
		return Frame{}, 0, fmt.Errorf("%w: fcs 0x%04x, computed 0x%04x", ErrInvalid, want, sum)
	}
	f := Frame{Header: h}
	if h.BodyLen() > 0 {
		f.Body = make([]byte, h.BodyLen())
		copy(f.Body, b[HeaderLength:fcsAt])
	}
	return f, n, nil
}

// ParseFrame decodes one frame from the start of b.
func ParseFrame(b []byte) (Frame, int, error) {
	h, err := ParseHeader(b)
	if err != nil {
		return Frame{}, 0, err
	}
	return ParsePayload(h, b)
}

func (f Frame) String() string {
	return fmt.Sprintf("frame{flags=%v body=%v bytes}", f.Header.Flags, len(f.Body))
}
