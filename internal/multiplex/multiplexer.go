// Package multiplex pairs requests to the NCP with their responses and routes
// everything else to indication observers.
package multiplex

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cbeuw/zbncp/internal/command"
	"github.com/cbeuw/zbncp/internal/frame"
	"github.com/cbeuw/zbncp/internal/metrics"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// TSNs run from 0 to 254. 255 is what the NCP uses for unsolicited resets.
const tsnSpace = 255

const (
	defaultConcurrency = 4
	defaultTimeout     = 5 * time.Second
)

// Sender writes a packet to the link. retransmit is set on every attempt
// after the first.
type Sender interface {
	Send(p frame.Packet, retransmit bool) error
}

type SenderFunc func(p frame.Packet, retransmit bool) error

func (f SenderFunc) Send(p frame.Packet, retransmit bool) error { return f(p, retransmit) }

type MultiplexerConfig struct {
	// Concurrency bounds the number of requests awaiting a response
	Concurrency int

	// Blocking reports whether requests of a kind must not overlap with each
	// other. Defaults to the command catalog.
	Blocking func(frame.Kind) bool
}

// A Multiplexer owns the transaction state of one connection: the TSN counter,
// the pending request table, and the indication observers. HandlePacket and
// ConnectionLost are fed by the link; everything else may be called from any
// goroutine.
type Multiplexer struct {
	MultiplexerConfig

	sender Sender

	// admission permits, one per request in flight
	gate *semaphore.Weighted
	// held by blocking requests for their whole lifetime
	blocking *semaphore.Weighted

	mu            sync.Mutex
	nextTSN       uint8
	pending       map[uint8]*pendingRequest
	subs          []*Subscription
	nextSubID     uint64
	waiters       []*waiter
	lostCallbacks []func(error)
	// set once the multiplexer has shut down
	cause error

	closed uint32

	requests         uint64
	responses        uint64
	timeouts         uint64
	retries          uint64
	unmatched        uint64
	unhandled        uint64
	observerFailures uint64
}

func MakeMultiplexer(sender Sender, config MultiplexerConfig) *Multiplexer {
	if config.Concurrency <= 0 {
		config.Concurrency = defaultConcurrency
	}
	if config.Concurrency >= tsnSpace {
		config.Concurrency = tsnSpace - 1
	}
	if config.Blocking == nil {
		config.Blocking = command.IsBlocking
	}
	metrics.RegisterMetrics()
	return &Multiplexer{
		MultiplexerConfig: config,
		sender:            sender,
		gate:              semaphore.NewWeighted(int64(config.Concurrency)),
		blocking:          semaphore.NewWeighted(1),
		pending:           map[uint8]*pendingRequest{},
	}
}

// Request sends cmd and waits for the response with the same TSN and command
// id. Each attempt waits timeout; an unanswered attempt is resent with the same
// TSN up to maxRetries times. The caller's slot among the Concurrency requests
// in flight is held across all attempts.
func (m *Multiplexer) Request(ctx context.Context, cmd frame.Packet, timeout time.Duration, maxRetries int) (frame.Packet, error) {
	if cmd.Type != frame.Request {
		return frame.Packet{}, fmt.Errorf("%w: %v", ErrNotRequest, cmd.Kind())
	}
	if err := m.shutdownErr(); err != nil {
		return frame.Packet{}, err
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	name := command.Name(cmd.Kind())

	if err := m.gate.Acquire(ctx, 1); err != nil {
		return frame.Packet{}, err
	}
	defer m.gate.Release(1)
	if m.Blocking(cmd.Kind()) {
		if err := m.blocking.Acquire(ctx, 1); err != nil {
			return frame.Packet{}, err
		}
		defer m.blocking.Release(1)
	}

	pr, err := m.register(cmd)
	if err != nil {
		return frame.Packet{}, err
	}
	defer m.unregister(pr)
	cmd.TSN = pr.tsn

	atomic.AddUint64(&m.requests, 1)
	metrics.InFlight(1)
	defer metrics.InFlight(-1)
	start := time.Now()

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			atomic.AddUint64(&m.retries, 1)
			metrics.RequestRetried(name)
			log.Debugf("retrying %v tsn %v, attempt %v of %v", name, pr.tsn, attempt+1, maxRetries+1)
		}
		if err := m.sender.Send(cmd, attempt > 0); err != nil {
			select {
			case <-pr.done:
				return m.finish(name, pr, start)
			default:
			}
			metrics.RequestDone(name, "send_error", time.Since(start))
			return frame.Packet{}, fmt.Errorf("send %v: %w", name, err)
		}

		timer := time.NewTimer(timeout)
		select {
		case <-pr.done:
			timer.Stop()
			return m.finish(name, pr, start)
		case <-ctx.Done():
			timer.Stop()
			if !m.unregister(pr) {
				return m.finish(name, pr, start)
			}
			metrics.RequestDone(name, "cancelled", time.Since(start))
			return frame.Packet{}, ctx.Err()
		case <-timer.C:
		}

		if attempt >= maxRetries {
			if !m.unregister(pr) {
				return m.finish(name, pr, start)
			}
			atomic.AddUint64(&m.timeouts, 1)
			metrics.RequestDone(name, "timeout", time.Since(start))
			return frame.Packet{}, fmt.Errorf("%w: %v tsn %v after %v attempts", ErrRequestTimeout, name, pr.tsn, attempt+1)
		}
	}
}

// finish returns the outcome of a resolved request.
func (m *Multiplexer) finish(name string, pr *pendingRequest, start time.Time) (frame.Packet, error) {
	<-pr.done
	if pr.err != nil {
		metrics.RequestDone(name, "connection_lost", time.Since(start))
		return frame.Packet{}, pr.err
	}
	metrics.RequestDone(name, "ok", time.Since(start))
	return pr.rsp, nil
}

func (m *Multiplexer) register(cmd frame.Packet) (*pendingRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cause != nil {
		return nil, m.cause
	}
	tsn, ok := m.allocTSN()
	if !ok {
		return nil, ErrNoFreeTSN
	}
	pr := &pendingRequest{
		tsn:    tsn,
		expect: frame.Kind{Type: frame.Response, ID: cmd.CommandID},
		done:   make(chan struct{}),
	}
	m.pending[tsn] = pr
	return pr, nil
}

// allocTSN must be called with mu held. It skips TSNs still pending.
func (m *Multiplexer) allocTSN() (uint8, bool) {
	for i := 0; i < tsnSpace; i++ {
		tsn := m.nextTSN
		m.nextTSN = uint8((int(m.nextTSN) + 1) % tsnSpace)
		if _, busy := m.pending[tsn]; !busy {
			return tsn, true
		}
	}
	return 0, false
}

// unregister removes pr if it is still pending and reports whether it was.
// A false return means pr has been or is being resolved.
func (m *Multiplexer) unregister(pr *pendingRequest) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending[pr.tsn] != pr {
		return false
	}
	delete(m.pending, pr.tsn)
	return true
}

// HandlePacket routes one inbound packet. A response resolves the pending
// request with the same TSN and command id. Anything else goes to the oldest
// matching waiter and to every matching subscription.
func (m *Multiplexer) HandlePacket(p frame.Packet) {
	if atomic.LoadUint32(&m.closed) == 1 {
		log.Tracef("dropping %v after shutdown", p)
		return
	}
	if m.resolve(p) {
		return
	}
	if p.Type == frame.Response {
		log.Warnf("unexpected response %v tsn %v", command.Name(p.Kind()), p.TSN)
	}
	m.dispatch(p)
}

func (m *Multiplexer) resolve(p frame.Packet) bool {
	if p.Type != frame.Response {
		return false
	}
	m.mu.Lock()
	pr, ok := m.pending[p.TSN]
	if !ok || pr.expect != p.Kind() {
		m.mu.Unlock()
		return false
	}
	delete(m.pending, p.TSN)
	m.mu.Unlock()

	atomic.AddUint64(&m.responses, 1)
	pr.rsp = p
	close(pr.done)
	return true
}

func (m *Multiplexer) dispatch(p frame.Packet) {
	atomic.AddUint64(&m.unmatched, 1)

	m.mu.Lock()
	var w *waiter
	for i, cand := range m.waiters {
		if cand.wants(p) {
			w = cand
			m.waiters = append(m.waiters[:i:i], m.waiters[i+1:]...)
			break
		}
	}
	var subs []*Subscription
	for _, s := range m.subs {
		if s.match.Matches(p) {
			subs = append(subs, s)
		}
	}
	m.mu.Unlock()

	if w != nil {
		metrics.Unmatched("waiter")
		w.pkt = p
		close(w.done)
	}
	if len(subs) > 0 {
		metrics.Unmatched("observer")
	}
	if w == nil && len(subs) == 0 {
		atomic.AddUint64(&m.unhandled, 1)
		metrics.Unmatched("none")
		log.Debugf("unhandled %v tsn %v", command.Name(p.Kind()), p.TSN)
		return
	}
	for _, s := range subs {
		if s.active() {
			m.notify(s, p)
		}
	}
}

func (m *Multiplexer) notify(s *Subscription, p frame.Packet) {
	defer func() {
		if r := recover(); r != nil {
			m.observerFailed(s, p, fmt.Errorf("panic: %v", r))
		}
	}()
	if err := s.callback(p); err != nil {
		m.observerFailed(s, p, err)
	}
}

func (m *Multiplexer) observerFailed(s *Subscription, p frame.Packet, err error) {
	atomic.AddUint64(&m.observerFailures, 1)
	metrics.ObserverFailed()
	log.Warnf("observer %v failed on %v: %v", s.id, command.Name(p.Kind()), err)
}

// RegisterIndication adds a listener for unmatched packets accepted by match.
func (m *Multiplexer) RegisterIndication(match command.Match, cb Callback) *Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextSubID++
	s := &Subscription{
		id:       m.nextSubID,
		match:    match,
		callback: cb,
		mux:      m,
	}
	m.subs = append(m.subs, s)
	return s
}

func (m *Multiplexer) removeSubscription(s *Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, cand := range m.subs {
		if cand == s {
			m.subs = append(m.subs[:i:i], m.subs[i+1:]...)
			return
		}
	}
}

// Subscriptions returns the active subscriptions in registration order.
func (m *Multiplexer) Subscriptions() []*Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := make([]*Subscription, len(m.subs))
	copy(subs, m.subs)
	return subs
}

// Expectation is a registered one-shot waiter. Registering before sending
// the packet that provokes the awaited one closes the window in which it could
// be missed.
type Expectation struct {
	w   *waiter
	mux *Multiplexer
}

// Expect registers a waiter for the next unmatched packet accepted by any of
// matches. When several waiters want the same packet the oldest gets it.
func (m *Multiplexer) Expect(matches ...command.Match) (*Expectation, error) {
	if len(matches) == 0 {
		return nil, ErrNoMatch
	}
	w := &waiter{matches: matches, done: make(chan struct{})}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cause != nil {
		return nil, m.cause
	}
	m.waiters = append(m.waiters, w)
	return &Expectation{w: w, mux: m}, nil
}

// Wait blocks until the expectation resolves. On ctx expiry the waiter is
// removed, unless it resolved in the meantime.
func (e *Expectation) Wait(ctx context.Context) (frame.Packet, error) {
	select {
	case <-e.w.done:
		return e.w.pkt, e.w.err
	case <-ctx.Done():
	}
	if e.mux.removeWaiter(e.w) {
		return frame.Packet{}, ctx.Err()
	}
	<-e.w.done
	return e.w.pkt, e.w.err
}

// Cancel drops the waiter if it has not resolved.
func (e *Expectation) Cancel() { e.mux.removeWaiter(e.w) }

func (m *Multiplexer) removeWaiter(w *waiter) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, cand := range m.waiters {
		if cand == w {
			m.waiters = append(m.waiters[:i:i], m.waiters[i+1:]...)
			return true
		}
	}
	return false
}

// WaitFor blocks until an unmatched packet accepted by any of matches arrives.
func (m *Multiplexer) WaitFor(ctx context.Context, matches ...command.Match) (frame.Packet, error) {
	e, err := m.Expect(matches...)
	if err != nil {
		return frame.Packet{}, err
	}
	return e.Wait(ctx)
}

// OnConnectionLost registers cb to run once when the link fails. If it has
// already failed, cb runs immediately.
func (m *Multiplexer) OnConnectionLost(cb func(error)) {
	m.mu.Lock()
	if cause, lost := m.cause.(*ConnectionLostError); lost {
		m.mu.Unlock()
		m.runLostCallback(cb, cause)
		return
	}
	m.lostCallbacks = append(m.lostCallbacks, cb)
	m.mu.Unlock()
}

// ConnectionLost fails everything outstanding with a ConnectionLostError and
// runs the connection lost callbacks. Only the first call has any effect, and
// none after Close.
func (m *Multiplexer) ConnectionLost(cause error) {
	err := &ConnectionLostError{Cause: cause}
	if !m.shutdown(err) {
		return
	}
	log.Debugf("connection lost: %v", cause)

	m.mu.Lock()
	callbacks := m.lostCallbacks
	m.lostCallbacks = nil
	m.mu.Unlock()
	for _, cb := range callbacks {
		m.runLostCallback(cb, err)
	}
}

func (m *Multiplexer) runLostCallback(cb func(error), err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("connection lost callback panicked: %v", r)
		}
	}()
	cb(err)
}

// Close fails everything outstanding with ErrClosed. Connection lost callbacks
// are not run.
func (m *Multiplexer) Close() error {
	m.shutdown(ErrClosed)
	return nil
}

func (m *Multiplexer) shutdown(reason error) bool {
	m.mu.Lock()
	if m.cause != nil {
		m.mu.Unlock()
		return false
	}
	m.cause = reason
	atomic.StoreUint32(&m.closed, 1)
	pending := m.pending
	m.pending = map[uint8]*pendingRequest{}
	waiters := m.waiters
	m.waiters = nil
	m.mu.Unlock()

	for _, pr := range pending {
		pr.err = reason
		close(pr.done)
	}
	for _, w := range waiters {
		w.err = reason
		close(w.done)
	}
	return true
}

func (m *Multiplexer) shutdownErr() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cause
}

func (m *Multiplexer) IsClosed() bool { return atomic.LoadUint32(&m.closed) == 1 }

type Stats struct {
	Pending          int
	Subscriptions    int
	Waiters          int
	NextTSN          uint8
	Requests         uint64
	Responses        uint64
	Timeouts         uint64
	Retries          uint64
	Unmatched        uint64
	Unhandled        uint64
	ObserverFailures uint64
	Closed           bool
}

func (m *Multiplexer) Stats() Stats {
	m.mu.Lock()
	s := Stats{
		Pending:       len(m.pending),
		Subscriptions: len(m.subs),
		Waiters:       len(m.waiters),
		NextTSN:       m.nextTSN,
		Closed:        m.cause != nil,
	}
	m.mu.Unlock()
	s.Requests = atomic.LoadUint64(&m.requests)
	s.Responses = atomic.LoadUint64(&m.responses)
	s.Timeouts = atomic.LoadUint64(&m.timeouts)
	s.Retries = atomic.LoadUint64(&m.retries)
	s.Unmatched = atomic.LoadUint64(&m.unmatched)
	s.Unhandled = atomic.LoadUint64(&m.unhandled)
	s.ObserverFailures = atomic.LoadUint64(&m.observerFailures)
	return s
}
