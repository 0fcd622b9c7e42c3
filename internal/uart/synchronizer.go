package uart

import (
	"bytes"
	"errors"
	"sync/atomic"

	"github.com/cbeuw/zbncp/internal/frame"
	log "github.com/sirupsen/logrus"
)

type syncState int

const (
	searching syncState = iota
	headerPending
	payloadPending
)

func (s syncState) String() string {
	switch s {
	case searching:
		return "searching"
	case headerPending:
		return "header pending"
	case payloadPending:
		return "payload pending"
	}
	return "unknown"
}

// SyncStats counts what the synchronizer threw away.
type SyncStats struct {
	Frames         uint64
	DiscardedBytes uint64
	BadHeaders     uint64
	BadFrames      uint64
}

// Synchronizer recovers frames from an arbitrarily chunked byte stream. The
// frames it emits do not depend on how the stream was split across Feed
// calls. It is not safe for concurrent use, but its stats may be read from
// any goroutine.
type Synchronizer struct {
	buf   []byte
	off   int
	state syncState
	hdr   frame.Header

	frames         uint64
	discardedBytes uint64
	badHeaders     uint64
	badFrames      uint64
}

func NewSynchronizer() *Synchronizer {
	return &Synchronizer{}
}

// Feed appends data to the stream and returns every frame completed by it,
// in stream order.
func (s *Synchronizer) Feed(data []byte) []frame.Frame {
	s.buf = append(s.buf, data...)
	var out []frame.Frame
	for s.step(&out) {
	}
	s.compact()
	return out
}

// step advances the state machine once. It returns false when more bytes are
// needed.
func (s *Synchronizer) step(out *[]frame.Frame) bool {
	pending := s.buf[s.off:]
	switch s.state {
	case searching:
		i := bytes.IndexByte(pending, frame.Marker)
		if i < 0 {
			s.discard(len(pending))
			return false
		}
		s.discard(i)
		s.state = headerPending
		return true

	case headerPending:
		h, err := frame.ParseHeader(pending)
		if errors.Is(err, frame.ErrIncomplete) {
			return false
		}
		if err != nil {
			log.Tracef("uart: %v", err)
			atomic.AddUint64(&s.badHeaders, 1)
			// only the marker is known bad, a real frame may start right after it
			s.discard(1)
			s.state = searching
			return true
		}
		s.hdr = h
		s.state = payloadPending
		return true

	case payloadPending:
		f, n, err := frame.ParsePayload(s.hdr, pending)
		if errors.Is(err, frame.ErrIncomplete) {
			return false
		}
		s.state = searching
		if err != nil {
			log.Debugf("uart: dropping %v byte frame: %v", s.hdr.FrameLen(), err)
			atomic.AddUint64(&s.badFrames, 1)
			s.discard(s.hdr.FrameLen())
			return true
		}
		s.off += n
		atomic.AddUint64(&s.frames, 1)
		*out = append(*out, f)
		return true
	}
	return false
}

func (s *Synchronizer) discard(n int) {
	s.off += n
	atomic.AddUint64(&s.discardedBytes, uint64(n))
}

func (s *Synchronizer) compact() {
	if s.off == 0 {
		return
	}
	n := copy(s.buf, s.buf[s.off:])
	s.buf = s.buf[:n]
	s.off = 0
}

// Buffered returns the number of bytes held waiting for the rest of a frame.
func (s *Synchronizer) Buffered() int { return len(s.buf) - s.off }

// Reset drops buffered bytes and returns to searching.
func (s *Synchronizer) Reset() {
	s.buf = s.buf[:0]
	s.off = 0
	s.state = searching
}

func (s *Synchronizer) Stats() SyncStats {
	return SyncStats{
		Frames:         atomic.LoadUint64(&s.frames),
		DiscardedBytes: atomic.LoadUint64(&s.discardedBytes),
		BadHeaders:     atomic.LoadUint64(&s.badHeaders),
		BadFrames:      atomic.LoadUint64(&s.badFrames),
	}
}
