// Package testutil provides test doubles for node integration tests: an
// in-process websocket hub that records delivered envelopes, and a harness
// that runs a complete node against it.
package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"edgenode/internal/pipeline"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// connWrapper pairs a WebSocket connection with its write mutex.
type connWrapper struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// MockHub simulates the remote hub side of a websocket endpoint. Every
// text frame a node delivers is recorded for inspection, and tests can
// push pipeline commands down the same connections.
type MockHub struct {
	server *httptest.Server
	token  string

	connsMu sync.Mutex
	conns   []*connWrapper
	dials   int
	rejects bool

	recvMu   sync.Mutex
	received []Received
}

// NewMockHub creates a hub requiring the given bearer token on dials; an
// empty token disables the auth check. Call Start before use.
func NewMockHub(token string) *MockHub {
	return &MockHub{token: token}
}

// Start brings the hub up on an ephemeral port.
func (h *MockHub) Start() {
	h.server = httptest.NewServer(http.HandlerFunc(h.handleUpgrade))
}

// URL returns the websocket address nodes should dial.
func (h *MockHub) URL() string {
	return "ws" + strings.TrimPrefix(h.server.URL, "http")
}

// Stop closes every connection and shuts the hub down.
func (h *MockHub) Stop() {
	h.CloseConnections()
	if h.server != nil {
		h.server.Close()
	}
}

// RejectDials fails subsequent upgrade attempts with 503 and drops live
// connections, so the node sees the same thing as an unreachable hub.
func (h *MockHub) RejectDials() {
	h.connsMu.Lock()
	h.rejects = true
	h.connsMu.Unlock()
	h.CloseConnections()
}

// AcceptDials reverses RejectDials.
func (h *MockHub) AcceptDials() {
	h.connsMu.Lock()
	h.rejects = false
	h.connsMu.Unlock()
}

// CloseConnections drops every live connection without stopping the hub.
func (h *MockHub) CloseConnections() {
	h.connsMu.Lock()
	conns := h.conns
	h.conns = nil
	h.connsMu.Unlock()

	for _, w := range conns {
		w.conn.Close()
	}
}

// Dials counts accepted upgrades since start, making reconnects
// observable.
func (h *MockHub) Dials() int {
	h.connsMu.Lock()
	defer h.connsMu.Unlock()
	return h.dials
}

// ConnectionCount reports currently live connections.
func (h *MockHub) ConnectionCount() int {
	h.connsMu.Lock()
	defer h.connsMu.Unlock()
	return len(h.conns)
}

// PushCommand broadcasts one pipeline command to every live connection.
func (h *MockHub) PushCommand(cmd pipeline.Command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}

	h.connsMu.Lock()
	conns := make([]*connWrapper, len(h.conns))
	copy(conns, h.conns)
	h.connsMu.Unlock()

	for _, w := range conns {
		w.writeMu.Lock()
		w.conn.WriteMessage(websocket.TextMessage, data)
		w.writeMu.Unlock()
	}
	return nil
}

// PushUpdate broadcasts an update_pipeline command.
func (h *MockHub) PushUpdate(p *pipeline.Pipeline) error {
	return h.PushCommand(pipeline.Command{Type: pipeline.CommandUpdate, Pipeline: p})
}

// PushArchive broadcasts an archive_pipeline command.
func (h *MockHub) PushArchive(name string) error {
	return h.PushCommand(pipeline.Command{Type: pipeline.CommandArchive, Name: name})
}

// Envelopes returns a copy of every frame recorded so far.
func (h *MockHub) Envelopes() []Received {
	h.recvMu.Lock()
	defer h.recvMu.Unlock()
	out := make([]Received, len(h.received))
	copy(out, h.received)
	return out
}

// ClearEnvelopes resets the record.
func (h *MockHub) ClearEnvelopes() {
	h.recvMu.Lock()
	defer h.recvMu.Unlock()
	h.received = nil
}

func (h *MockHub) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	h.connsMu.Lock()
	rejecting := h.rejects
	h.connsMu.Unlock()
	if rejecting {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	if h.token != "" && r.Header.Get("Authorization") != "Bearer "+h.token {
		http.Error(w, "bad token", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	wrapper := &connWrapper{conn: conn}

	h.connsMu.Lock()
	h.conns = append(h.conns, wrapper)
	h.dials++
	h.connsMu.Unlock()

	defer func() {
		h.connsMu.Lock()
		for i, c := range h.conns {
			if c == wrapper {
				h.conns = append(h.conns[:i], h.conns[i+1:]...)
				break
			}
		}
		h.connsMu.Unlock()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		rec := Received{At: time.Now(), Raw: data}
		// Undecodable frames still count; tests can inspect Raw.
		json.Unmarshal(data, &rec.Envelope)

		h.recvMu.Lock()
		h.received = append(h.received, rec)
		h.recvMu.Unlock()
	}
}
