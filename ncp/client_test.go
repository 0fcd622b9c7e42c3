package ncp

import (
	"context"
	"encoding/binary"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/cbeuw/connutil"
	"github.com/cbeuw/zbncp/internal/command"
	"github.com/cbeuw/zbncp/internal/config"
	"github.com/cbeuw/zbncp/internal/frame"
	"github.com/cbeuw/zbncp/internal/multiplex"
	"github.com/cbeuw/zbncp/internal/uart"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeNCP plays the device end of the link. It acknowledges every data frame
// and answers requests through handle.
type fakeNCP struct {
	conn   net.Conn
	handle func(req frame.Packet) []frame.Packet

	writeM   sync.Mutex
	seq      uint8
	received chan frame.Packet
	acks     chan uint8
}

func newFakeNCP(conn net.Conn, handle func(frame.Packet) []frame.Packet) *fakeNCP {
	n := &fakeNCP{
		conn:     conn,
		handle:   handle,
		received: make(chan frame.Packet, 64),
		acks:     make(chan uint8, 64),
	}
	go n.serve()
	return n
}

func (n *fakeNCP) serve() {
	s := uart.NewSynchronizer()
	var reasm frame.Reassembler
	buf := make([]byte, 1024)
	for {
		k, err := n.conn.Read(buf)
		if err != nil {
			return
		}
		for _, f := range s.Feed(buf[:k]) {
			if f.IsAck() {
				n.acks <- f.Header.Flags.AckSeq()
				continue
			}
			n.write(frame.NewAckFrame(f.Header.Flags.PacketSeq()))
			body, done, _ := reasm.Push(f)
			if !done {
				continue
			}
			req, err := frame.UnmarshalPacket(body)
			if err != nil {
				continue
			}
			n.received <- req
			if n.handle != nil {
				for _, rsp := range n.handle(req) {
					n.send(rsp)
				}
			}
		}
	}
}

func (n *fakeNCP) write(f frame.Frame) {
	n.writeM.Lock()
	defer n.writeM.Unlock()
	n.conn.Write(f.Serialize())
}

func (n *fakeNCP) send(p frame.Packet) {
	n.writeM.Lock()
	n.seq = n.seq%3 + 1
	seq := n.seq
	n.writeM.Unlock()
	for _, frag := range frame.SplitPacket(p.Marshal()) {
		n.write(frame.NewDataFrame(frag.Body, frag.Flags.WithPacketSeq(seq)))
	}
}

func reply(req frame.Packet, data []byte) frame.Packet {
	return frame.Packet{TSN: req.TSN, Type: frame.Response, CommandID: req.CommandID, Data: data}
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Requests.Timeout = time.Second
	cfg.Requests.MaxRetries = 0
	return cfg
}

func versionData(fw, stack, proto uint32) []byte {
	data := make([]byte, 12)
	binary.LittleEndian.PutUint32(data[0:], fw)
	binary.LittleEndian.PutUint32(data[4:], stack)
	binary.LittleEndian.PutUint32(data[8:], proto)
	return data
}

func TestVersion(t *testing.T) {
	local, remote := connutil.AsyncPipe()
	newFakeNCP(remote, func(req frame.Packet) []frame.Packet {
		if req.CommandID == command.GetModuleVersion.ID {
			return []frame.Packet{reply(req, versionData(0x01020304, 0x03050100, 0x00000001))}
		}
		return nil
	})
	c := NewClient(local, testConfig())
	defer c.Close()

	v, err := c.Version(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ModuleVersion{Firmware: "1.2.3.4", Stack: "3.5.1.0", Protocol: "0.0.0.1"}, v)
}

func TestVersionStatusError(t *testing.T) {
	local, remote := connutil.AsyncPipe()
	newFakeNCP(remote, func(req frame.Packet) []frame.Packet {
		rsp := reply(req, nil)
		rsp.StatusCategory = 1
		rsp.StatusCode = 5
		return []frame.Packet{rsp}
	})
	c := NewClient(local, testConfig())
	defer c.Close()

	_, err := c.Version(context.Background())
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, uint8(5), statusErr.Code)
}

func TestLinkAcks(t *testing.T) {
	local, remote := connutil.AsyncPipe()
	ncp := newFakeNCP(remote, nil)
	c := NewClient(local, testConfig())
	defer c.Close()

	ncp.send(frame.Packet{Type: frame.Indication, CommandID: command.NwkLeaveInd.ID})
	select {
	case seq := <-ncp.acks:
		assert.Equal(t, uint8(1), seq)
	case <-time.After(time.Second):
		t.Fatal("indication not acknowledged")
	}
}

func TestIndicationsAndLargeResponse(t *testing.T) {
	local, remote := connutil.AsyncPipe()
	big := make([]byte, 700)
	for i := range big {
		big[i] = byte(i)
	}
	var ncp *fakeNCP
	ncp = newFakeNCP(remote, func(req frame.Packet) []frame.Packet {
		// an indication slips in ahead of the response
		return []frame.Packet{
			{TSN: 77, Type: frame.Indication, CommandID: command.ZDODevAnnceInd.ID, Data: []byte{0x34, 0x12}},
			reply(req, big),
		}
	})
	c := NewClient(local, testConfig())
	defer c.Close()

	announced := make(chan frame.Packet, 1)
	c.RegisterIndicationListener(command.OfKind(command.ZDODevAnnceInd.Ind()), func(p frame.Packet) error {
		announced <- p
		return nil
	})

	rsp, err := c.Request(context.Background(), command.APSDEDataReq.Request([]byte{1}), 0, -1)
	require.NoError(t, err)
	assert.Equal(t, big, rsp.Data)

	select {
	case p := <-announced:
		assert.Equal(t, []byte{0x34, 0x12}, p.Data)
	case <-time.After(time.Second):
		t.Fatal("indication not delivered")
	}
	req := <-ncp.received
	assert.Equal(t, command.APSDEDataReq.ID, req.CommandID)
}

func TestWaitFor(t *testing.T) {
	local, remote := connutil.AsyncPipe()
	ncp := newFakeNCP(remote, nil)
	c := NewClient(local, testConfig())
	defer c.Close()

	got := make(chan frame.Packet, 1)
	go func() {
		p, err := c.WaitFor(context.Background(), command.OfKind(command.NwkLeaveInd.Ind()))
		if err == nil {
			got <- p
		}
	}()
	require.Eventually(t, func() bool { return c.MuxStats().Waiters == 1 }, time.Second, time.Millisecond)
	ncp.send(frame.Packet{TSN: 3, Type: frame.Indication, CommandID: command.NwkLeaveInd.ID})

	select {
	case p := <-got:
		assert.Equal(t, uint8(3), p.TSN)
	case <-time.After(time.Second):
		t.Fatal("waiter not resolved")
	}
}

func TestResetAnsweredWithReservedTSN(t *testing.T) {
	local, remote := connutil.AsyncPipe()
	newFakeNCP(remote, func(req frame.Packet) []frame.Packet {
		if req.CommandID != command.NCPModuleReset.ID {
			return nil
		}
		rsp := reply(req, nil)
		rsp.TSN = 0xFF
		return []frame.Packet{rsp}
	})
	c := NewClient(local, testConfig())
	defer c.Close()

	require.NoError(t, c.Reset(context.Background(), 0))
}

func TestResetAnsweredWithRequestTSN(t *testing.T) {
	local, remote := connutil.AsyncPipe()
	newFakeNCP(remote, func(req frame.Packet) []frame.Packet {
		return []frame.Packet{reply(req, nil)}
	})
	c := NewClient(local, testConfig())
	defer c.Close()

	require.NoError(t, c.Reset(context.Background(), 0))
}

func TestConnectionLost(t *testing.T) {
	local, remote := connutil.AsyncPipe()
	ncp := newFakeNCP(remote, nil)
	c := NewClient(local, testConfig())
	defer c.Close()

	var mu sync.Mutex
	var lost []error
	c.OnConnectionLost(func(err error) {
		mu.Lock()
		defer mu.Unlock()
		lost = append(lost, err)
	})

	result := make(chan error, 1)
	go func() {
		_, err := c.Request(context.Background(), command.GetZigbeeRole.Request(nil), time.Minute, 0)
		result <- err
	}()
	<-ncp.received

	local.Close()

	select {
	case err := <-result:
		assert.ErrorIs(t, err, multiplex.ErrConnectionLost)
	case <-time.After(2 * time.Second):
		t.Fatal("request not failed")
	}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(lost) == 1
	}, time.Second, time.Millisecond)
	assert.True(t, c.MuxStats().Closed)
}

func TestClose(t *testing.T) {
	local, remote := connutil.AsyncPipe()
	ncp := newFakeNCP(remote, nil)
	c := NewClient(local, testConfig())

	called := false
	c.OnConnectionLost(func(error) { called = true })

	result := make(chan error, 1)
	go func() {
		_, err := c.Request(context.Background(), command.GetZigbeeRole.Request(nil), time.Minute, 0)
		result <- err
	}()
	<-ncp.received

	require.NoError(t, c.Close())
	assert.ErrorIs(t, <-result, multiplex.ErrClosed)
	assert.False(t, called)
}
