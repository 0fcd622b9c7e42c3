package frame

import (
	"encoding/binary"
	"fmt"
)

// ControlType distinguishes requests, responses and indications.
type ControlType uint8

const (
	Request    ControlType = 0
	Response   ControlType = 1
	Indication ControlType = 2
)

func (c ControlType) String() string {
	switch c {
	case Request:
		return "REQ"
	case Response:
		return "RSP"
	case Indication:
		return "IND"
	default:
		return fmt.Sprintf("CT(%d)", uint8(c))
	}
}

// Kind identifies a message shape independently of its TSN.
type Kind struct {
	Type ControlType
	ID   uint16
}

func (k Kind) String() string { return fmt.Sprintf("%v 0x%04x", k.Type, k.ID) }

// ProtocolVersion is the high level header version written on outbound packets.
const ProtocolVersion uint8 = 0x00

const (
	packetHeaderLen   = 5
	responseHeaderLen = packetHeaderLen + 2
)

// Packet is a high level NCP message. StatusCategory and StatusCode are only
// present on the wire for responses.
type Packet struct {
	TSN            uint8
	Version        uint8
	Type           ControlType
	CommandID      uint16
	StatusCategory uint8
	StatusCode     uint8
	Data           []byte
}

func (p Packet) Kind() Kind { return Kind{p.Type, p.CommandID} }

// OK reports whether a response carries a zero status.
func (p Packet) OK() bool { return p.StatusCategory == 0 && p.StatusCode == 0 }

func (p Packet) Marshal() []byte {
	hl := packetHeaderLen
	if p.Type == Response {
		hl = responseHeaderLen
	}
	buf := make([]byte, hl+len(p.Data))
	buf[0] = p.TSN
	buf[1] = p.Version
	buf[2] = uint8(p.Type)
	binary.LittleEndian.PutUint16(buf[3:5], p.CommandID)
	if p.Type == Response {
		buf[5] = p.StatusCategory
		buf[6] = p.StatusCode
	}
	copy(buf[hl:], p.Data)
	return buf
}

func UnmarshalPacket(b []byte) (Packet, error) {
	if len(b) < packetHeaderLen {
		return Packet{}, fmt.Errorf("%w: packet of %v bytes", ErrInvalid, len(b))
	}
	p := Packet{
		TSN:       b[0],
		Version:   b[1],
		Type:      ControlType(b[2]),
		CommandID: binary.LittleEndian.Uint16(b[3:5]),
	}
	hl := packetHeaderLen
	switch p.Type {
	case Request, Indication:
	case Response:
		if len(b) < responseHeaderLen {
			return Packet{}, fmt.Errorf("%w: response of %v bytes", ErrInvalid, len(b))
		}
		p.StatusCategory = b[5]
		p.StatusCode = b[6]
		hl = responseHeaderLen
	default:
		return Packet{}, fmt.Errorf("%w: control type %v", ErrInvalid, p.Type)
	}
	if len(b) > hl {
		p.Data = make([]byte, len(b)-hl)
		copy(p.Data, b[hl:])
	}
	return p, nil
}

func (p Packet) String() string {
	if p.Type == Response {
		return fmt.Sprintf("%v tsn=%v status=%v/%v data=%x", p.Kind(), p.TSN, p.StatusCategory, p.StatusCode, p.Data)
	}
	return fmt.Sprintf("%v tsn=%v data=%x", p.Kind(), p.TSN, p.Data)
}
