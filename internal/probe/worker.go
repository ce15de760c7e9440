package probe

import (
	"context"
	"log/slog"
	"time"

	"github.com/auxothq/uiaudit/internal/config"
	"github.com/auxothq/uiaudit/pkg/protocol"
)

// Worker keeps a connection to the bridge open and answers its calls from a
// snapshot.
type Worker struct {
	cfg      *config.Probe
	snapshot *Snapshot
	conn     *Connection
	logger   *slog.Logger
}

// NewWorker creates a Worker serving snapshot.
func NewWorker(cfg *config.Probe, snapshot *Snapshot, logger *slog.Logger) *Worker {
	w := &Worker{
		cfg:      cfg,
		snapshot: snapshot,
		conn:     NewConnection(cfg.URL, logger),
		logger:   logger,
	}
	w.conn.OnCall(w.handleCall)
	return w
}

// Run connects to the bridge and answers calls until the context is cancelled.
// On disconnection it retries immediately, then uses exponential backoff on
// repeated failures. Backoff resets to zero after a clean disconnect.
func (w *Worker) Run(ctx context.Context) error {
	var delay time.Duration // 0 = immediate retry

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := w.conn.Connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Error("bridge connection failed", "error", err, "retry_in_ms", delay.Milliseconds())
		} else {
			delay = 0
			w.logger.Info("disconnected from bridge, reconnecting")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		// Exponential backoff for failures; stays 0 after a clean disconnect.
		if err == nil {
			continue
		}
		if delay == 0 {
			delay = w.cfg.ReconnectDelay
		} else {
			delay *= 2
			if delay > w.cfg.ReconnectMaxDelay {
				delay = w.cfg.ReconnectMaxDelay
			}
		}
	}
}

// handleCall runs in its own goroutine (spawned by Connection.messageLoop).
func (w *Worker) handleCall(call protocol.Call) {
	logger := w.logger.With("call_id", call.ID, "type", call.Type)
	start := time.Now()

	result, err := w.snapshot.Execute(call.Type, call.Params)

	var reply protocol.Reply
	if err != nil {
		logger.Info("call failed", "error", err, "duration_ms", time.Since(start).Milliseconds())
		reply = protocol.ErrorReply(call.ID, err.Error())
	} else {
		reply, err = protocol.ResultReply(call.ID, result)
		if err != nil {
			logger.Error("encoding result", "error", err)
			reply = protocol.ErrorReply(call.ID, "encoding result: "+err.Error())
		} else {
			logger.Debug("call answered", "duration_ms", time.Since(start).Milliseconds())
		}
	}

	if err := w.conn.SendReply(reply); err != nil {
		logger.Error("sending reply", "error", err)
	}
}
