package bridge

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/auxothq/uiaudit/pkg/protocol"
)

// workerConn is the handle for one accepted worker socket.
type workerConn struct {
	id           uint64
	conn         *websocket.Conn
	remote       string
	writeTimeout time.Duration

	mu sync.Mutex // Protects writes to conn (WebSocket is not thread-safe for writes)

	closeOnce sync.Once
	causeMu   sync.Mutex
	cause     error // why the bridge closed the socket; nil if the worker went away
}

func newWorkerConn(id uint64, conn *websocket.Conn, remote string, writeTimeout time.Duration) *workerConn {
	return &workerConn{
		id:           id,
		conn:         conn,
		remote:       remote,
		writeTimeout: writeTimeout,
	}
}

// ID implements Handle.
func (wc *workerConn) ID() uint64 {
	return wc.id
}

// Send implements Handle. Sends on one connection are serialized and leave
// in call order.
func (wc *workerConn) Send(call protocol.Call) error {
	data, err := json.Marshal(call)
	if err != nil {
		return fmt.Errorf("marshaling call %d: %w", call.ID, err)
	}
	wc.mu.Lock()
	defer wc.mu.Unlock()
	if wc.writeTimeout > 0 {
		wc.conn.SetWriteDeadline(time.Now().Add(wc.writeTimeout)) //nolint:errcheck
	}
	return wc.conn.WriteMessage(websocket.TextMessage, data)
}

// ping sends a WebSocket ping. WriteControl may run concurrently with Send.
func (wc *workerConn) ping() error {
	return wc.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wc.controlTimeout()))
}

// close records cause, sends a close frame, and closes the socket. Only the
// first call has any effect.
func (wc *workerConn) close(cause error, code int, text string) {
	wc.closeOnce.Do(func() {
		wc.causeMu.Lock()
		wc.cause = cause
		wc.causeMu.Unlock()

		msg := websocket.FormatCloseMessage(code, text)
		wc.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wc.controlTimeout())) //nolint:errcheck
		wc.conn.Close()
	})
}

func (wc *workerConn) closeCause() error {
	wc.causeMu.Lock()
	defer wc.causeMu.Unlock()
	return wc.cause
}

func (wc *workerConn) controlTimeout() time.Duration {
	if wc.writeTimeout > 0 {
		return wc.writeTimeout
	}
	return 5 * time.Second
}
