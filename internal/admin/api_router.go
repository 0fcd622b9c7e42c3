// Package admin serves a small HTTP API for inspecting and driving a running
// connection.
package admin

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/cbeuw/zbncp/internal/command"
	"github.com/cbeuw/zbncp/internal/frame"
	"github.com/cbeuw/zbncp/internal/multiplex"
	"github.com/cbeuw/zbncp/internal/uart"
	gmux "github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// Backend is the connection the API operates on.
type Backend interface {
	MuxStats() multiplex.Stats
	LinkStats() uart.ProtocolStats
	Subscriptions() []*multiplex.Subscription
	Request(ctx context.Context, cmd frame.Packet, timeout time.Duration, maxRetries int) (frame.Packet, error)
	RegisterIndicationListener(match command.Match, cb multiplex.Callback) *multiplex.Subscription
}

const indicationBacklog = 64

var errSlowConsumer = errors.New("indication stream consumer too slow")

type APIRouter struct {
	*gmux.Router
	backend  Backend
	upgrader websocket.Upgrader
}

func APIRouterOf(backend Backend) *APIRouter {
	ret := &APIRouter{
		backend: backend,
	}
	ret.registerMux()
	return ret
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(w, r)
	})
}

func (ar *APIRouter) registerMux() {
	ar.Router = gmux.NewRouter()
	ar.HandleFunc("/status", ar.statusHlr).Methods("GET")
	ar.HandleFunc("/subscriptions", ar.subscriptionsHlr).Methods("GET")
	ar.HandleFunc("/request", ar.requestHlr).Methods("POST")
	ar.HandleFunc("/indications", ar.indicationsHlr).Methods("GET")
	ar.Handle("/metrics", promhttp.Handler()).Methods("GET")
	ar.Methods("OPTIONS").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	})
	ar.Use(corsMiddleware)
}

type Status struct {
	Multiplexer multiplex.Stats   `json:"multiplexer"`
	Link        uart.ProtocolStats `json:"link"`
}

func (ar *APIRouter) statusHlr(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Status{
		Multiplexer: ar.backend.MuxStats(),
		Link:        ar.backend.LinkStats(),
	})
}

type SubscriptionInfo struct {
	ID         uint64   `json:"id"`
	Kinds      []string `json:"kinds,omitempty"`
	TSN        *uint8   `json:"tsn,omitempty"`
	DataPrefix string   `json:"data_prefix,omitempty"`
}

func (ar *APIRouter) subscriptionsHlr(w http.ResponseWriter, r *http.Request) {
	infos := []SubscriptionInfo{}
	for _, s := range ar.backend.Subscriptions() {
		m := s.Match()
		info := SubscriptionInfo{
			ID:         s.ID(),
			TSN:        m.TSN,
			DataPrefix: hex.EncodeToString(m.DataPrefix),
		}
		for _, k := range m.Kinds {
			info.Kinds = append(info.Kinds, command.Name(k))
		}
		infos = append(infos, info)
	}
	writeJSON(w, http.StatusOK, infos)
}

// RequestBody is the JSON accepted by POST /request.
type RequestBody struct {
	Command uint16 `json:"command"`
	// Data is hex encoded
	Data    string `json:"data"`
	Timeout string `json:"timeout"`
	Retries int    `json:"retries"`
}

// PacketJSON is how packets are rendered by the API.
type PacketJSON struct {
	TSN            uint8  `json:"tsn"`
	Type           string `json:"type"`
	Command        uint16 `json:"command"`
	Name           string `json:"name"`
	StatusCategory uint8  `json:"status_category,omitempty"`
	StatusCode     uint8  `json:"status_code,omitempty"`
	Data           string `json:"data"`
}

func packetJSON(p frame.Packet) PacketJSON {
	return PacketJSON{
		TSN:            p.TSN,
		Type:           p.Type.String(),
		Command:        p.CommandID,
		Name:           command.Name(p.Kind()),
		StatusCategory: p.StatusCategory,
		StatusCode:     p.StatusCode,
		Data:           hex.EncodeToString(p.Data),
	}
}

func (ar *APIRouter) requestHlr(w http.ResponseWriter, r *http.Request) {
	var body RequestBody
	err := json.NewDecoder(r.Body).Decode(&body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	data, err := hex.DecodeString(body.Data)
	if err != nil {
		http.Error(w, "data: "+err.Error(), http.StatusBadRequest)
		return
	}
	var timeout time.Duration
	if body.Timeout != "" {
		timeout, err = time.ParseDuration(body.Timeout)
		if err != nil {
			http.Error(w, "timeout: "+err.Error(), http.StatusBadRequest)
			return
		}
	}

	cmd := frame.Packet{
		Version:   frame.ProtocolVersion,
		Type:      frame.Request,
		CommandID: body.Command,
		Data:      data,
	}
	rsp, err := ar.backend.Request(r.Context(), cmd, timeout, body.Retries)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, packetJSON(rsp))
	case errors.Is(err, multiplex.ErrRequestTimeout):
		http.Error(w, err.Error(), http.StatusGatewayTimeout)
	case errors.Is(err, multiplex.ErrConnectionLost), errors.Is(err, multiplex.ErrClosed):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// indicationsHlr streams unmatched packets over a WebSocket as JSON text
// messages. An optional command query parameter restricts the stream to one
// command id.
func (ar *APIRouter) indicationsHlr(w http.ResponseWriter, r *http.Request) {
	var match command.Match
	if q := r.URL.Query().Get("command"); q != "" {
		id, err := strconv.ParseUint(q, 0, 16)
		if err != nil {
			http.Error(w, "command: "+err.Error(), http.StatusBadRequest)
			return
		}
		match = command.OfKind(
			frame.Kind{Type: frame.Indication, ID: uint16(id)},
			frame.Kind{Type: frame.Response, ID: uint16(id)},
		)
	}

	c, err := ar.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debugf("indication stream upgrade failed: %v", err)
		return
	}
	defer c.Close()

	packets := make(chan frame.Packet, indicationBacklog)
	sub := ar.backend.RegisterIndicationListener(match, func(p frame.Packet) error {
		select {
		case packets <- p:
			return nil
		default:
			return errSlowConsumer
		}
	})
	defer sub.Cancel()

	// reading is needed to notice the peer going away
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := c.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case p := <-packets:
			if err := c.WriteJSON(packetJSON(p)); err != nil {
				log.Debugf("indication stream closed: %v", err)
				return
			}
		case <-gone:
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	resp, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(resp)
}
