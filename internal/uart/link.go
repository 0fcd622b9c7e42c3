package uart

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"

	"github.com/cbeuw/zbncp/internal/config"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
	"go.bug.st/serial"
)

// Link is a byte stream to the NCP.
type Link = io.ReadWriteCloser

var ErrNoDevice = errors.New("no device path configured")

const socketScheme = "socket"

// Open connects to the device named by cfg.Path: a serial port, a TCP serial
// bridge (socket://host:port) or a WebSocket serial bridge (ws:// or wss://).
func Open(ctx context.Context, cfg config.Device) (Link, error) {
	if cfg.Path == "" {
		return nil, ErrNoDevice
	}
	if !strings.Contains(cfg.Path, "://") {
		return openSerial(cfg)
	}
	u, err := url.Parse(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("parse device path %v: %w", cfg.Path, err)
	}
	switch u.Scheme {
	case socketScheme:
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", u.Host)
		if err != nil {
			return nil, fmt.Errorf("dial %v: %w", u.Host, err)
		}
		log.Debugf("connected to serial bridge at %v", u.Host)
		return conn, nil
	case "ws", "wss":
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, cfg.Path, nil)
		if err != nil {
			return nil, fmt.Errorf("dial %v: %w", cfg.Path, err)
		}
		log.Debugf("connected to websocket bridge at %v", cfg.Path)
		return &wsLink{Conn: conn}, nil
	default:
		return nil, fmt.Errorf("unsupported device scheme %q", u.Scheme)
	}
}

func openSerial(cfg config.Device) (Link, error) {
	mode := &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(cfg.Path, mode)
	if err != nil {
		return nil, fmt.Errorf("open %v: %w", cfg.Path, err)
	}
	// some USB bridges hold the NCP in reset until these are asserted
	if err := port.SetDTR(true); err != nil {
		log.Debugf("set DTR on %v: %v", cfg.Path, err)
	}
	if err := port.SetRTS(true); err != nil {
		log.Debugf("set RTS on %v: %v", cfg.Path, err)
	}
	log.Debugf("opened %v at %v baud", cfg.Path, cfg.BaudRate)
	return port, nil
}
