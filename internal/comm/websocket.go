package comm

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// wsInboxLimit bounds messages buffered between Recv calls; past it the
// oldest message is dropped.
const wsInboxLimit = 256

// WebsocketChannel is the production channel transport: text frames over a
// websocket. Connection retries belong to the monitor; the channel only
// dials, reads, writes, and reports failures fast.
type WebsocketChannel struct {
	url     string
	headers http.Header
	logger  *zap.Logger

	connMu    sync.RWMutex
	conn      *websocket.Conn
	connected bool

	writeMu sync.Mutex // Protects websocket writes

	inboxMu sync.Mutex
	inbox   [][]byte
	dropped uint64
}

// NewWebsocketChannel creates a channel that dials url on Connect.
func NewWebsocketChannel(url string, headers http.Header, logger *zap.Logger) *WebsocketChannel {
	return &WebsocketChannel{
		url:     url,
		headers: headers,
		logger:  logger.Named("ws"),
	}
}

// Connect dials the endpoint and starts the read pump.
func (c *WebsocketChannel) Connect() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.connected {
		return nil
	}

	conn, _, err := websocket.DefaultDialer.Dial(c.url, c.headers)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", c.url, err)
	}

	c.conn = conn
	c.connected = true
	c.logger.Info("Connected", zap.String("url", c.url))

	go c.readPump(conn)
	return nil
}

// Send writes one text frame. A write failure marks the channel
// disconnected so the monitor reconnects it.
func (c *WebsocketChannel) Send(payload []byte) error {
	c.connMu.RLock()
	conn, ok := c.conn, c.connected
	c.connMu.RUnlock()
	if !ok {
		return fmt.Errorf("not connected")
	}

	c.writeMu.Lock()
	err := conn.WriteMessage(websocket.TextMessage, payload)
	c.writeMu.Unlock()

	if err != nil {
		c.markDisconnected(conn)
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// Recv drains the messages the read pump buffered since the last call.
func (c *WebsocketChannel) Recv() ([][]byte, error) {
	c.inboxMu.Lock()
	msgs := c.inbox
	c.inbox = nil
	c.inboxMu.Unlock()

	if !c.IsConnected() && len(msgs) == 0 {
		return nil, fmt.Errorf("not connected")
	}
	return msgs, nil
}

// IsConnected returns true while the transport looks healthy.
func (c *WebsocketChannel) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected
}

// Close shuts the connection down for good.
func (c *WebsocketChannel) Close() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.conn == nil {
		return nil
	}

	// Send close message (protected by writeMu)
	c.writeMu.Lock()
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()

	err := c.conn.Close()
	c.conn = nil
	c.connected = false
	c.logger.Info("Closed", zap.String("url", c.url))
	return err
}

// readPump buffers incoming frames until a read fails, then marks the
// channel disconnected and exits. A new pump starts with the next Connect.
func (c *WebsocketChannel) readPump(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.logger.Debug("Read failed", zap.Error(err))
			c.markDisconnected(conn)
			return
		}

		c.inboxMu.Lock()
		if len(c.inbox) >= wsInboxLimit {
			c.inbox = c.inbox[1:]
			c.dropped++
		}
		c.inbox = append(c.inbox, data)
		c.inboxMu.Unlock()
	}
}

// markDisconnected flips the state only if conn is still the active
// connection, so a stale read pump cannot kill a fresh dial.
func (c *WebsocketChannel) markDisconnected(conn *websocket.Conn) {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.conn != conn {
		return
	}
	c.connected = false
	conn.Close()
	c.conn = nil
}
