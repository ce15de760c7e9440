package bridge

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/auxothq/uiaudit/pkg/events"
	"github.com/auxothq/uiaudit/pkg/protocol"
)

// maxFrameSize caps a single worker reply. A full audit of a large document
// with styles included runs to a few hundred KB.
const maxFrameSize = 16 << 20

// errReplaced fails calls still addressed to a worker that a newer worker
// connection displaced.
var errReplaced = fmt.Errorf("%w: replaced by a newer worker connection", ErrDisconnected)

// errShutdown fails calls still in flight when the bridge stops.
var errShutdown = fmt.Errorf("%w: bridge shutting down", ErrDisconnected)

// ListenerConfig holds the keepalive and write timings for worker sockets.
type ListenerConfig struct {
	PingInterval time.Duration // how often to ping the worker; 0 disables keepalive
	PongWait     time.Duration // max silence (no frame, no pong) before the worker is considered gone
	WriteTimeout time.Duration // deadline for a single frame write
}

// Listener accepts UI worker connections over WebSocket and keeps at most one
// of them live. The last worker to connect wins: a new connection closes the
// previous one, and the previous one's in-flight calls are failed.
type Listener struct {
	cfg      ListenerConfig
	upgrader websocket.Upgrader
	events   *events.Emitter
	logger   *slog.Logger

	mu      sync.Mutex
	current *workerConn
	closed  bool

	nextConnID atomic.Uint64
	wg         sync.WaitGroup // one per serving connection

	onReply      func(protocol.Reply)
	onDisconnect func(connID uint64, cause error) int
}

// NewListener creates a Listener. emitter may be nil.
func NewListener(cfg ListenerConfig, emitter *events.Emitter, logger *slog.Logger) *Listener {
	return &Listener{
		cfg:    cfg,
		events: emitter,
		logger: logger,
		upgrader: websocket.Upgrader{
			// Workers are local UI processes; any origin (including file:// and
			// custom app schemes) is accepted.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// OnReply registers the callback invoked for every well-formed worker reply.
// It runs on the connection's read goroutine.
func (l *Listener) OnReply(fn func(protocol.Reply)) {
	l.onReply = fn
}

// OnDisconnect registers the callback invoked after a worker connection ends,
// with the reason its in-flight calls should fail with. It returns how many
// calls it failed.
func (l *Listener) OnDisconnect(fn func(connID uint64, cause error) int) {
	l.onDisconnect = fn
}

// Current implements Link.
func (l *Listener) Current() Handle {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.current == nil {
		return nil
	}
	return l.current
}

// Connected reports whether a worker is live.
func (l *Listener) Connected() bool {
	return l.Current() != nil
}

// HandleID returns the id of the live worker connection, or 0 when there is
// none.
func (l *Listener) HandleID() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.current == nil {
		return 0
	}
	return l.current.id
}

// ServeHTTP upgrades the request to WebSocket and serves the worker until it
// disconnects or is replaced.
func (l *Listener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.logger.Error("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	wc := newWorkerConn(l.nextConnID.Add(1), conn, r.RemoteAddr, l.cfg.WriteTimeout)

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		wc.close(errShutdown, websocket.CloseGoingAway, "bridge shutting down")
		return
	}
	l.wg.Add(1)
	prev := l.current
	l.current = wc
	l.mu.Unlock()
	defer l.wg.Done()

	if prev != nil {
		l.logger.Info("worker replaced",
			"old_conn_id", prev.id,
			"conn_id", wc.id,
		)
		l.events.Emit(events.Event{Kind: events.WorkerReplaced, ConnID: prev.id, Detail: fmt.Sprintf("replaced by conn %d", wc.id)})
		prev.close(errReplaced, websocket.ClosePolicyViolation, "replaced by a newer worker connection")
	}

	l.logger.Info("worker connected", "conn_id", wc.id, "remote", wc.remote)
	l.events.Emit(events.Event{Kind: events.WorkerConnected, ConnID: wc.id, Detail: wc.remote})

	l.serve(wc)
}

// Close disconnects the live worker, if any, refuses further workers, and
// waits for every connection handler to finish. In-flight calls fail with
// ErrDisconnected.
func (l *Listener) Close() {
	l.mu.Lock()
	l.closed = true
	wc := l.current
	l.mu.Unlock()
	if wc != nil {
		wc.close(errShutdown, websocket.CloseGoingAway, "bridge shutting down")
	}
	l.wg.Wait()
}

// serve runs the keepalive and read loops for wc, then tears it down.
func (l *Listener) serve(wc *workerConn) {
	stop := make(chan struct{})
	if l.cfg.PingInterval > 0 {
		go l.keepalive(wc, stop)
	}

	l.readLoop(wc)
	close(stop)
	wc.close(nil, websocket.CloseNormalClosure, "")

	cause := wc.closeCause()
	if cause == nil {
		cause = ErrDisconnected
	}

	l.mu.Lock()
	wasCurrent := l.current == wc
	if wasCurrent {
		l.current = nil
	}
	l.mu.Unlock()

	failed := 0
	if l.onDisconnect != nil {
		failed = l.onDisconnect(wc.id, cause)
	}

	l.logger.Info("worker disconnected",
		"conn_id", wc.id,
		"was_current", wasCurrent,
		"failed_calls", failed,
		"reason", cause,
	)
	l.events.Emit(events.Event{Kind: events.WorkerDisconnected, ConnID: wc.id, Pending: failed, Detail: cause.Error()})
}

// readLoop reads frames until the socket fails. Malformed frames are logged
// and dropped; they never touch the correlation table.
func (l *Listener) readLoop(wc *workerConn) {
	conn := wc.conn
	conn.SetReadLimit(maxFrameSize)
	if l.cfg.PongWait > 0 {
		conn.SetReadDeadline(time.Now().Add(l.cfg.PongWait)) //nolint:errcheck
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(l.cfg.PongWait)) //nolint:errcheck
			l.events.Emit(events.Event{Kind: events.WorkerAlive, ConnID: wc.id})
			return nil
		})
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			var netErr interface{ Timeout() bool }
			switch {
			case wc.closeCause() != nil:
				// Closed by the bridge; serve logs the reason.
			case errors.As(err, &netErr) && netErr.Timeout():
				l.logger.Warn("worker stopped answering pings", "conn_id", wc.id)
			case websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure):
				l.logger.Warn("worker disconnected unexpectedly", "conn_id", wc.id, "error", err)
			}
			return
		}
		if l.cfg.PongWait > 0 {
			conn.SetReadDeadline(time.Now().Add(l.cfg.PongWait)) //nolint:errcheck
		}

		reply, err := protocol.ParseReply(data)
		if err != nil {
			l.logger.Warn("dropped malformed frame from worker",
				"conn_id", wc.id,
				"error", err,
				"bytes", len(data),
			)
			l.events.Emit(events.Event{Kind: events.FrameMalformed, ConnID: wc.id, Detail: err.Error()})
			continue
		}
		if l.onReply != nil {
			l.onReply(reply)
		}
	}
}

func (l *Listener) keepalive(wc *workerConn, stop <-chan struct{}) {
	ticker := time.NewTicker(l.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := wc.ping(); err != nil {
				l.logger.Warn("worker ping failed", "conn_id", wc.id, "error", err)
				wc.close(fmt.Errorf("%w: ping failed: %v", ErrDisconnected, err), websocket.CloseGoingAway, "ping failed")
				return
			}
		}
	}
}
