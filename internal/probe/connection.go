// Package probe implements uiaudit-probe: a stand-in UI worker that connects
// to the bridge over WebSocket and answers DOM queries from a static HTML
// snapshot. It lets the bridge be exercised end to end without the desktop
// app running.
package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/auxothq/uiaudit/pkg/protocol"
)

// Connection manages the WebSocket connection from the probe to the bridge.
type Connection struct {
	url    string
	logger *slog.Logger

	conn *websocket.Conn
	mu   sync.Mutex // Protects writes to conn (WebSocket is not thread-safe for writes)

	// Callback invoked for every call the bridge sends.
	onCall func(call protocol.Call)
}

// NewConnection creates a Connection to the bridge at url.
func NewConnection(url string, logger *slog.Logger) *Connection {
	return &Connection{
		url:    url,
		logger: logger,
	}
}

// OnCall registers the callback invoked when the bridge sends a call. It runs
// in its own goroutine so a slow query does not block the read loop.
func (c *Connection) OnCall(fn func(call protocol.Call)) {
	c.onCall = fn
}

// Connect dials the bridge and enters the message loop. It blocks until the
// connection is closed or ctx is cancelled. The caller should call this in a
// retry loop (handled by Worker.Run).
func (c *Connection) Connect(ctx context.Context) error {
	c.logger.Info("connecting to bridge", "url", c.url)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dialing bridge: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	c.logger.Info("connected to bridge")

	done := make(chan struct{})
	defer close(done)

	// Close the socket on shutdown so ReadMessage returns immediately.
	go func() {
		select {
		case <-done:
		case <-ctx.Done():
			c.logger.Info("shutting down: closing bridge connection")
			c.Close()
		}
	}()

	return c.messageLoop(conn)
}

// SendReply sends a reply to the bridge.
func (c *Connection) SendReply(reply protocol.Reply) error {
	data, err := json.Marshal(reply)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("not connected")
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Close closes the WebSocket connection.
func (c *Connection) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.WriteMessage(websocket.CloseMessage, //nolint:errcheck
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.conn.Close()
		c.conn = nil
	}
}

// messageLoop reads calls from the bridge until the connection closes. Pings
// are answered by gorilla's default ping handler while this loop reads.
func (c *Connection) messageLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				return fmt.Errorf("unexpected disconnect: %w", err)
			}
			// Normal close or bridge shutdown (going away): backoff resets.
			// A replaced worker is closed with a policy violation and backs off.
			return nil
		}

		call, err := protocol.ParseCall(data)
		if err != nil {
			c.logger.Warn("invalid message from bridge", "error", err)
			continue
		}

		c.logger.Debug("call received", "call_id", call.ID, "type", call.Type)
		if c.onCall != nil {
			go c.onCall(call)
		}
	}
}
