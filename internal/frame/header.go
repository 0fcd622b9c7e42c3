package frame

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cbeuw/zbncp/internal/checksum"
)

const (
	// Marker is the first byte of every frame on the wire.
	Marker byte = 0xDE
	// Signature is the two byte start-of-frame, little endian on the wire.
	Signature uint16 = 0xADDE

	HeaderLength = 7
	FCSLength    = 2
	// MaxBodySize is the largest body a single frame may carry.
	MaxBodySize = 247

	// TypeHL marks a frame whose body carries (part of) a high level packet.
	TypeHL uint8 = 0x06

	sizeBase = 5
)

var (
	ErrIncomplete = errors.New("frame: more bytes needed")
	ErrInvalid    = errors.New("frame: invalid")
)

// Flags is the link level flag byte.
type Flags uint8

const (
	FlagAck        Flags = 0x01
	FlagRetransmit Flags = 0x02
	FlagFirstFrag  Flags = 0x40
	FlagLastFrag   Flags = 0x80

	pktSeqShift = 2
	ackSeqShift = 4
	seqMask     = 0x03
)

func (f Flags) IsAck() bool        { return f&FlagAck != 0 }
func (f Flags) IsRetransmit() bool { return f&FlagRetransmit != 0 }
func (f Flags) PacketSeq() uint8   { return uint8(f>>pktSeqShift) & seqMask }
func (f Flags) AckSeq() uint8      { return uint8(f>>ackSeqShift) & seqMask }

func (f Flags) WithPacketSeq(seq uint8) Flags {
	return f&^(seqMask<<pktSeqShift) | Flags(seq&seqMask)<<pktSeqShift
}

func (f Flags) WithAckSeq(seq uint8) Flags {
	return f&^(seqMask<<ackSeqShift) | Flags(seq&seqMask)<<ackSeqShift
}

func (f Flags) String() string {
	return fmt.Sprintf("0x%02x(ack=%v retx=%v first=%v last=%v pkt=%v ack=%v)",
		uint8(f), f.IsAck(), f.IsRetransmit(), f&FlagFirstFrag != 0, f&FlagLastFrag != 0, f.PacketSeq(), f.AckSeq())
}

// Header is the fixed link level header. Size counts the five header bytes
// after the signature plus the body.
type Header struct {
	Size  uint16
	Type  uint8
	Flags Flags
	CRC8  uint8
}

func (h Header) BodyLen() int  { return int(h.Size) - sizeBase }
func (h Header) FrameLen() int { return HeaderLength + h.BodyLen() + FCSLength }

func makeHeader(bodyLen int, flags Flags) Header {
	h := Header{
		Size:  uint16(sizeBase + bodyLen),
		Type:  TypeHL,
		Flags: flags,
	}
	var buf [HeaderLength]byte
	h.put(buf[:])
	h.CRC8 = buf[6]
	return h
}

// put writes the header into buf[:HeaderLength], computing the header CRC
func (h Header) put(buf []byte) {
	binary.LittleEndian.PutUint16(buf[0:2], Signature)
	binary.LittleEndian.PutUint16(buf[2:4], h.Size)
	buf[4] = h.Type
	buf[5] = uint8(h.Flags)
	buf[6] = checksum.CRC8(buf[2:6])
}

// ParseHeader validates and decodes the header at the start of b. It returns
// ErrIncomplete when b is a valid prefix of a header that is still arriving,
// and an error wrapping ErrInvalid when b cannot start a frame.
func ParseHeader(b []byte) (Header, error) {
	if len(b) > 0 && b[0] != Marker {
		return Header{}, fmt.Errorf("%w: marker 0x%02x", ErrInvalid, b[0])
	}
	if len(b) > 1 && b[1] != byte(Signature>>8) {
		return Header{}, fmt.Errorf("%w: signature byte 0x%02x", ErrInvalid, b[1])
	}
	if len(b) < HeaderLength {
		return Header{}, ErrIncomplete
	}
	h := Header{
		Size:  binary.LittleEndian.Uint16(b[2:4]),
		Type:  b[4],
		Flags: Flags(b[5]),
		CRC8:  b[6],
	}
	if sum := checksum.CRC8(b[2:6]); sum != h.CRC8 {
		return Header{}, fmt.Errorf("%w: header crc 0x%02x, computed 0x%02x", ErrInvalid, h.CRC8, sum)
	}
	if h.Size < sizeBase || h.BodyLen() > MaxBodySize {
		return Header{}, fmt.Errorf("%w: size %v", ErrInvalid, h.Size)
	}
	return h, nil
}
