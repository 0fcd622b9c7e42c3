// Package uart binds the frame codec to a byte stream link. It recovers frames
// from the stream, handles link level acknowledgements and fragmentation, and
// hands complete packets upward.
package uart

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cbeuw/zbncp/internal/frame"
	"github.com/cbeuw/zbncp/internal/metrics"
	log "github.com/sirupsen/logrus"
)

// PacketHandler receives the output of a Protocol. HandlePacket is called on
// the read goroutine. ConnectionLost is called at most once, from whichever
// goroutine first saw the link fail.
type PacketHandler interface {
	HandlePacket(frame.Packet)
	ConnectionLost(error)
}

// FrameRecorder observes every validated inbound and every outbound frame in
// its serialized form. It must not block.
type FrameRecorder interface {
	RecordFrame(inbound bool, raw []byte)
}

type ProtocolConfig struct {
	// Name identifies the link in logs
	Name     string
	SendAcks bool
	Valve    *Valve
	Recorder FrameRecorder

	ReadBufferSize int
}

const defaultReadBufferSize = 1024

var ErrLinkClosed = errors.New("link closed")

// Protocol runs one link. Incoming bytes are read on a single goroutine that
// drives the Synchronizer, the Reassembler and the PacketHandler, in that
// order, so a packet is fully dispatched before the next frame is parsed.
type Protocol struct {
	ProtocolConfig

	link         Link
	handler      PacketHandler
	synchronizer *Synchronizer
	reasm        frame.Reassembler

	writeM sync.Mutex
	pktSeq uint8

	acksReceived uint64
	acksSent     uint64
	dataReceived uint64
	dropped      uint64

	resetPending uint32

	closed   uint32
	lostOnce sync.Once
	done     chan struct{}
}

func NewProtocol(link Link, handler PacketHandler, config ProtocolConfig) *Protocol {
	if config.Valve == nil {
		config.Valve = MakeValve(0)
	}
	if config.ReadBufferSize <= 0 {
		config.ReadBufferSize = defaultReadBufferSize
	}
	if config.Name == "" {
		config.Name = "ncp"
	}
	metrics.RegisterMetrics()
	return &Protocol{
		ProtocolConfig: config,
		link:           link,
		handler:        handler,
		synchronizer:   NewSynchronizer(),
		done:           make(chan struct{}),
	}
}

// Start launches the read loop.
func (p *Protocol) Start() {
	go p.readLoop()
}

func (p *Protocol) readLoop() {
	defer close(p.done)
	buf := make([]byte, p.ReadBufferSize)
	for {
		n, err := p.link.Read(buf)
		if n > 0 {
			p.Valve.AddRx(int64(n))
			p.DataReceived(buf[:n])
		}
		if err != nil {
			log.Debugf("link %v has closed: %v", p.Name, err)
			p.connectionLost(err)
			return
		}
	}
}

// DataReceived processes a chunk of the inbound byte stream. It is called by
// the read loop and must not be called concurrently with it.
func (p *Protocol) DataReceived(data []byte) {
	if atomic.CompareAndSwapUint32(&p.resetPending, 1, 0) {
		p.synchronizer.Reset()
		p.reasm.Reset()
	}
	for _, f := range p.synchronizer.Feed(data) {
		p.frameReceived(f)
	}
}

func (p *Protocol) frameReceived(f frame.Frame) {
	if p.Recorder != nil {
		p.Recorder.RecordFrame(true, f.Serialize())
	}
	metrics.FrameReceived(f.IsAck())
	if f.IsAck() {
		atomic.AddUint64(&p.acksReceived, 1)
		log.Tracef("%v: ack for seq %v", p.Name, f.Header.Flags.AckSeq())
		return
	}
	atomic.AddUint64(&p.dataReceived, 1)
	log.Tracef("%v: received %v", p.Name, f)

	if p.SendAcks {
		p.sendAck(f.Header.Flags.PacketSeq())
	}

	body, done, err := p.reasm.Push(f)
	if err != nil {
		atomic.AddUint64(&p.dropped, 1)
		metrics.FrameDropped("fragment")
		log.Debugf("%v: %v", p.Name, err)
	}
	if !done {
		return
	}
	pkt, err := frame.UnmarshalPacket(body)
	if err != nil {
		atomic.AddUint64(&p.dropped, 1)
		metrics.FrameDropped("packet")
		log.Debugf("%v: dropping %x: %v", p.Name, body, err)
		return
	}
	p.handler.HandlePacket(pkt)
}

func (p *Protocol) sendAck(seq uint8) {
	p.writeM.Lock()
	defer p.writeM.Unlock()
	if err := p.write(frame.NewAckFrame(seq)); err == nil {
		atomic.AddUint64(&p.acksSent, 1)
	}
}

// nextPktSeq cycles 1, 2, 3. Zero is never used for data frames.
func (p *Protocol) nextPktSeq() uint8 {
	p.pktSeq = p.pktSeq%3 + 1
	return p.pktSeq
}

// Send writes a packet, fragmenting it when it does not fit one frame.
func (p *Protocol) Send(pkt frame.Packet, retransmit bool) error {
	if atomic.LoadUint32(&p.closed) == 1 {
		return ErrLinkClosed
	}
	frags := frame.SplitPacket(pkt.Marshal())

	p.writeM.Lock()
	defer p.writeM.Unlock()
	for _, frag := range frags {
		flags := frag.Flags.WithPacketSeq(p.nextPktSeq())
		if retransmit {
			flags |= frame.FlagRetransmit
		}
		if err := p.write(frame.NewDataFrame(frag.Body, flags)); err != nil {
			return err
		}
	}
	log.Tracef("%v: sent %v", p.Name, pkt)
	return nil
}

// write must be called with writeM held.
func (p *Protocol) write(f frame.Frame) error {
	raw := f.Serialize()
	p.Valve.txWait(len(raw))
	n, err := p.link.Write(raw)
	p.Valve.AddTx(int64(n))
	if err != nil {
		err = fmt.Errorf("write to %v: %w", p.Name, err)
		if atomic.LoadUint32(&p.closed) == 0 {
			log.Error(err)
		}
		p.connectionLost(err)
		return err
	}
	metrics.FrameSent(f.IsAck())
	if p.Recorder != nil {
		p.Recorder.RecordFrame(false, raw)
	}
	return nil
}

// connectionLost reports the first failure of the link upward, unless the
// link was closed locally.
func (p *Protocol) connectionLost(err error) {
	p.lostOnce.Do(func() {
		if atomic.SwapUint32(&p.closed, 1) == 1 {
			return
		}
		p.link.Close()
		p.handler.ConnectionLost(err)
	})
}

// ResetStream makes the read goroutine drop any partially received frame or
// packet before it processes more bytes. Used after the NCP has restarted.
func (p *Protocol) ResetStream() {
	atomic.StoreUint32(&p.resetPending, 1)
}

// Close closes the link without reporting a connection loss.
func (p *Protocol) Close() error {
	if !atomic.CompareAndSwapUint32(&p.closed, 0, 1) {
		return nil
	}
	return p.link.Close()
}

// Done is closed when the read loop has exited.
func (p *Protocol) Done() <-chan struct{} { return p.done }

type ProtocolStats struct {
	Sync         SyncStats
	AcksReceived uint64
	AcksSent     uint64
	DataReceived uint64
	Dropped      uint64
	RxBytes      int64
	TxBytes      int64
}

func (p *Protocol) Stats() ProtocolStats {
	return ProtocolStats{
		Sync:         p.synchronizer.Stats(),
		AcksReceived: atomic.LoadUint64(&p.acksReceived),
		AcksSent:     atomic.LoadUint64(&p.acksSent),
		DataReceived: atomic.LoadUint64(&p.dataReceived),
		Dropped:      atomic.LoadUint64(&p.dropped),
		RxBytes:      p.Valve.GetRx(),
		TxBytes:      p.Valve.GetTx(),
	}
}
