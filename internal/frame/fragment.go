package frame

import (
	"errors"
)

// MaxPacketSize bounds a reassembled packet.
const MaxPacketSize = 64 * 1024

var (
	ErrOrphanFragment  = errors.New("frame: fragment without a first fragment")
	ErrAbandonedPacket = errors.New("frame: partial packet abandoned")
	ErrPacketTooLarge  = errors.New("frame: reassembled packet too large")
)

// Fragment is one frame's worth of a packet.
type Fragment struct {
	Body  []byte
	Flags Flags
}

// SplitPacket cuts an encoded packet into frame sized pieces, marking the
// first and last. A packet that fits one frame carries both marks.
func SplitPacket(b []byte) []Fragment {
	var frags []Fragment
	for first := true; first || len(b) > 0; first = false {
		n := len(b)
		if n > MaxBodySize {
			n = MaxBodySize
		}
		var flags Flags
		if first {
			flags |= FlagFirstFrag
		}
		if n == len(b) {
			flags |= FlagLastFrag
		}
		frags = append(frags, Fragment{Body: b[:n], Flags: flags})
		b = b[n:]
	}
	return frags
}

// Reassembler joins fragmented packets. It is not safe for concurrent use.
type Reassembler struct {
	buf    []byte
	active bool
}

// Push adds a data frame. It returns the complete packet once the last
// fragment arrives. A non-nil error reports that bytes were discarded; when
// the error accompanies a completed packet or a new first fragment, the new
// data is still in effect.
func (r *Reassembler) Push(f Frame) ([]byte, bool, error) {
	first := f.Header.Flags&FlagFirstFrag != 0
	last := f.Header.Flags&FlagLastFrag != 0

	var err error
	if first {
		if r.active {
			err = ErrAbandonedPacket
		}
		r.buf = r.buf[:0]
		r.active = true
	} else if !r.active {
		return nil, false, ErrOrphanFragment
	}

	if len(r.buf)+len(f.Body) > MaxPacketSize {
		r.Reset()
		return nil, false, ErrPacketTooLarge
	}
	r.buf = append(r.buf, f.Body...)
	if !last {
		return nil, false, err
	}
	pkt := make([]byte, len(r.buf))
	copy(pkt, r.buf)
	r.Reset()
	return pkt, true, err
}

// Reset discards any partial packet.
func (r *Reassembler) Reset() {
	r.buf = r.buf[:0]
	r.active = false
}
