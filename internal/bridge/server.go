package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/auxothq/uiaudit/pkg/events"
)

// Options configures a Bridge.
type Options struct {
	ID          string // instance id reported by /health and stamped on events
	Host        string
	Port        int
	CallTimeout time.Duration
	Listener    ListenerConfig
}

// Addr returns host:port.
func (o Options) Addr() string {
	return net.JoinHostPort(o.Host, fmt.Sprint(o.Port))
}

// Bridge wires the downstream listener to the dispatcher and serves both the
// worker WebSocket endpoint and /health on one local HTTP server.
type Bridge struct {
	id         string
	opts       Options
	Listener   *Listener
	Dispatcher *Dispatcher
	httpServer *http.Server
	logger     *slog.Logger
}

// New creates a Bridge. emitter may be nil.
func New(opts Options, emitter *events.Emitter, logger *slog.Logger) *Bridge {
	listener := NewListener(opts.Listener, emitter, logger.With("component", "listener"))
	dispatcher := NewDispatcher(listener, opts.CallTimeout, emitter, logger.With("component", "dispatcher"))

	listener.OnReply(dispatcher.HandleReply)
	listener.OnDisconnect(dispatcher.FailConnection)

	b := &Bridge{
		id:         opts.ID,
		opts:       opts,
		Listener:   listener,
		Dispatcher: dispatcher,
		logger:     logger,
	}
	b.httpServer = &http.Server{
		Addr:              opts.Addr(),
		Handler:           b.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return b
}

// ID returns the bridge instance id.
func (b *Bridge) ID() string {
	return b.id
}

// Handler returns the bridge's HTTP handler: GET /health reports status, every
// other path is the worker WebSocket endpoint.
func (b *Bridge) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", b.handleHealth)
	mux.Handle("/", b.Listener)
	return mux
}

// Health is the /health response body.
type Health struct {
	Status          string `json:"status"`
	WorkerConnected bool   `json:"worker_connected"`
	Pending         int    `json:"pending"`
	BridgeID        string `json:"bridge_id"`
}

// Health returns a snapshot of the bridge state.
func (b *Bridge) Health() Health {
	return Health{
		Status:          "ok",
		WorkerConnected: b.Listener.Connected(),
		Pending:         b.Dispatcher.Pending(),
		BridgeID:        b.id,
	}
}

func (b *Bridge) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(b.Health()) //nolint:errcheck
}

// Call sends op to the connected worker and waits for its reply.
func (b *Bridge) Call(ctx context.Context, op string, params any) (json.RawMessage, error) {
	return b.Dispatcher.Call(ctx, op, params)
}

// Start listens on the configured address and serves until ctx is cancelled
// or the server fails.
func (b *Bridge) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", b.opts.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", b.opts.Addr(), err)
	}
	return b.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled or the server fails, then shuts
// down.
func (b *Bridge) Serve(ctx context.Context, ln net.Listener) error {
	b.logger.Info("bridge listening for workers",
		"addr", ln.Addr().String(),
		"bridge_id", b.id,
		"call_timeout", b.Dispatcher.Timeout(),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := b.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			serveErr = fmt.Errorf("HTTP server error: %w", err)
		}
	}

	b.Shutdown()
	return serveErr
}

// Shutdown stops accepting connections, closes the live worker socket, and
// waits for its handler to fail any in-flight calls.
func (b *Bridge) Shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := b.httpServer.Shutdown(shutdownCtx); err != nil {
		b.logger.Error("HTTP shutdown error", "error", err)
	}
	// Hijacked WebSocket connections are not tracked by http.Server.
	b.Listener.Close()

	b.logger.Info("bridge stopped", "pending", b.Dispatcher.Pending())
}
