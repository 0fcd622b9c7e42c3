package uart

import (
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsLink carries the serial byte stream in binary WebSocket messages, as
// exposed by serial-to-websocket bridges. Message boundaries carry no meaning.
type wsLink struct {
	*websocket.Conn
	r      io.Reader
	writeM sync.Mutex
}

func (ws *wsLink) Write(data []byte) (int, error) {
	ws.writeM.Lock()
	defer ws.writeM.Unlock()
	err := ws.WriteMessage(websocket.BinaryMessage, data)
	if err != nil {
		return 0, err
	}
	return len(data), nil
}

func (ws *wsLink) Read(buf []byte) (int, error) {
	for {
		if ws.r == nil {
			_, r, err := ws.NextReader()
			if err != nil {
				return 0, err
			}
			ws.r = r
		}
		n, err := ws.r.Read(buf)
		if err == io.EOF {
			ws.r = nil
			if n == 0 {
				continue
			}
			err = nil
		}
		return n, err
	}
}

func (ws *wsLink) SetDeadline(t time.Time) error {
	err := ws.SetReadDeadline(t)
	if err != nil {
		return err
	}
	return ws.SetWriteDeadline(t)
}
