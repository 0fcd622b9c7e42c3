// Package ncp is the host side driver for a ZBOSS network co-processor. A
// Client sends requests and receives responses and indications over a serial
// link, or over a TCP or WebSocket serial bridge.
package ncp

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/cbeuw/zbncp/internal/capture"
	"github.com/cbeuw/zbncp/internal/command"
	"github.com/cbeuw/zbncp/internal/config"
	"github.com/cbeuw/zbncp/internal/frame"
	"github.com/cbeuw/zbncp/internal/multiplex"
	"github.com/cbeuw/zbncp/internal/uart"
	log "github.com/sirupsen/logrus"
)

type Client struct {
	cfg      config.Config
	proto    *uart.Protocol
	mux      *multiplex.Multiplexer
	recorder *capture.Store
}

// Connect opens the device named in cfg and starts the connection.
func Connect(ctx context.Context, cfg config.Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var recorder *capture.Store
	if cfg.CapturePath != "" {
		var err error
		recorder, err = capture.Open(cfg.CapturePath)
		if err != nil {
			return nil, fmt.Errorf("open capture %v: %w", cfg.CapturePath, err)
		}
	}
	link, err := uart.Open(ctx, cfg.Device)
	if err != nil {
		if recorder != nil {
			recorder.Close()
		}
		return nil, err
	}
	return newClient(link, cfg, recorder), nil
}

// NewClient runs the protocol over an already open link.
func NewClient(link uart.Link, cfg config.Config) *Client {
	return newClient(link, cfg, nil)
}

func newClient(link uart.Link, cfg config.Config, recorder *capture.Store) *Client {
	c := &Client{
		cfg:      cfg,
		recorder: recorder,
	}
	c.mux = multiplex.MakeMultiplexer(multiplex.SenderFunc(c.send), multiplex.MultiplexerConfig{
		Concurrency: cfg.Requests.Concurrency,
	})
	pcfg := uart.ProtocolConfig{
		Name:     cfg.Device.Path,
		SendAcks: cfg.Device.SendAcks,
		Valve:    uart.MakeValve(cfg.Device.TxRate),
	}
	if recorder != nil {
		pcfg.Recorder = recorder
	}
	c.proto = uart.NewProtocol(link, c.mux, pcfg)
	c.proto.Start()
	return c
}

func (c *Client) send(p frame.Packet, retransmit bool) error {
	return c.proto.Send(p, retransmit)
}

// Request sends cmd and returns its response. A zero timeout or negative
// maxRetries falls back to the configured defaults.
func (c *Client) Request(ctx context.Context, cmd frame.Packet, timeout time.Duration, maxRetries int) (frame.Packet, error) {
	if timeout <= 0 {
		timeout = c.cfg.Requests.Timeout
	}
	if maxRetries < 0 {
		maxRetries = c.cfg.Requests.MaxRetries
	}
	return c.mux.Request(ctx, cmd, timeout, maxRetries)
}

// RegisterIndicationListener calls cb for every packet accepted by match that
// does not answer a request. cb runs on the read goroutine.
func (c *Client) RegisterIndicationListener(match command.Match, cb multiplex.Callback) *multiplex.Subscription {
	return c.mux.RegisterIndication(match, cb)
}

func (c *Client) WaitFor(ctx context.Context, matches ...command.Match) (frame.Packet, error) {
	return c.mux.WaitFor(ctx, matches...)
}

// OnConnectionLost registers cb to run once if the link fails. It is not run
// after Close.
func (c *Client) OnConnectionLost(cb func(error)) {
	c.mux.OnConnectionLost(cb)
}

func (c *Client) Subscriptions() []*multiplex.Subscription { return c.mux.Subscriptions() }
func (c *Client) MuxStats() multiplex.Stats                { return c.mux.Stats() }
func (c *Client) LinkStats() uart.ProtocolStats            { return c.proto.Stats() }

// Close fails outstanding requests with multiplex.ErrClosed and closes the link.
func (c *Client) Close() error {
	c.mux.Close()
	err := c.proto.Close()
	<-c.proto.Done()
	if c.recorder != nil {
		if cerr := c.recorder.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// StatusError is a response that carried a non-zero status.
type StatusError struct {
	Kind     frame.Kind
	Category uint8
	Code     uint8
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%v failed with status %v/%v", command.Name(e.Kind), e.Category, e.Code)
}

func checkStatus(rsp frame.Packet) error {
	if rsp.OK() {
		return nil
	}
	return &StatusError{Kind: rsp.Kind(), Category: rsp.StatusCategory, Code: rsp.StatusCode}
}

type ModuleVersion struct {
	Firmware string
	Stack    string
	Protocol string
}

func dotted(v uint32) string {
	return fmt.Sprintf("%d.%d.%d.%d", v>>24, v>>16&0xFF, v>>8&0xFF, v&0xFF)
}

// Version asks the NCP for its firmware, stack and protocol versions.
func (c *Client) Version(ctx context.Context) (ModuleVersion, error) {
	rsp, err := c.Request(ctx, command.GetModuleVersion.Request(nil), 0, -1)
	if err != nil {
		return ModuleVersion{}, err
	}
	if err := checkStatus(rsp); err != nil {
		return ModuleVersion{}, err
	}
	if len(rsp.Data) < 12 {
		return ModuleVersion{}, fmt.Errorf("%w: version response of %v bytes", frame.ErrInvalid, len(rsp.Data))
	}
	v := ModuleVersion{
		Firmware: dotted(binary.LittleEndian.Uint32(rsp.Data[0:4])),
		Stack:    dotted(binary.LittleEndian.Uint32(rsp.Data[4:8])),
		Protocol: dotted(binary.LittleEndian.Uint32(rsp.Data[8:12])),
	}
	log.Debugf("NCP firmware %v, stack %v, protocol %v", v.Firmware, v.Stack, v.Protocol)
	return v, nil
}

// resetTSN is what the NCP answers a module reset with once it has restarted.
const resetTSN = 0xFF

// Reset restarts the NCP and waits until it is back. Depending on firmware
// the NCP answers either with the request TSN or, after restarting, with
// resetTSN. The latter matches no pending request and is caught as an
// unsolicited packet.
func (c *Client) Reset(ctx context.Context, option uint8) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Requests.Timeout*time.Duration(c.cfg.Requests.MaxRetries+1))
	defer cancel()

	exp, err := c.mux.Expect(command.OfKind(command.NCPModuleReset.Rsp()).WithTSN(resetTSN))
	if err != nil {
		return err
	}
	defer exp.Cancel()

	requested := make(chan error, 1)
	go func() {
		rsp, err := c.mux.Request(ctx, command.NCPModuleReset.Request([]byte{option}), c.cfg.Requests.Timeout, c.cfg.Requests.MaxRetries)
		if err == nil {
			err = checkStatus(rsp)
		}
		requested <- err
	}()
	restarted := make(chan error, 1)
	go func() {
		rsp, err := exp.Wait(ctx)
		if err == nil {
			err = checkStatus(rsp)
		}
		restarted <- err
	}()

	select {
	case err = <-requested:
		if errors.Is(err, multiplex.ErrRequestTimeout) {
			err = <-restarted
		}
	case err = <-restarted:
	}
	if err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	c.proto.ResetStream()
	log.Debug("NCP reset")
	return nil
}
