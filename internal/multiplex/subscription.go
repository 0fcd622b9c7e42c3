package multiplex

import (
	"sync/atomic"

	"github.com/cbeuw/zbncp/internal/command"
	"github.com/cbeuw/zbncp/internal/frame"
)

// Callback observes an unmatched packet. It runs on the read goroutine and
// must not block or retain p.Data. A returned error is logged and counted.
type Callback func(p frame.Packet) error

// Subscription is a registered indication listener. It stays active until
// Cancel is called.
type Subscription struct {
	id       uint64
	match    command.Match
	callback Callback
	mux      *Multiplexer

	cancelled uint32
}

func (s *Subscription) ID() uint64           { return s.id }
func (s *Subscription) Match() command.Match { return s.match }

// Cancel stops further deliveries. It is safe to call more than once, and
// from within the callback.
func (s *Subscription) Cancel() {
	if !atomic.CompareAndSwapUint32(&s.cancelled, 0, 1) {
		return
	}
	s.mux.removeSubscription(s)
}

func (s *Subscription) active() bool { return atomic.LoadUint32(&s.cancelled) == 0 }

// waiter is a one-shot listener resolved by the first matching packet.
type waiter struct {
	matches []command.Match
	done    chan struct{}
	pkt     frame.Packet
	err     error
}

func (w *waiter) wants(p frame.Packet) bool {
	for _, m := range w.matches {
		if m.Matches(p) {
			return true
		}
	}
	return false
}

// pendingRequest is a request awaiting its response.
type pendingRequest struct {
	tsn    uint8
	expect frame.Kind
	done   chan struct{}
	rsp    frame.Packet
	err    error
}
