package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/auxothq/uiaudit/pkg/events"
	"github.com/auxothq/uiaudit/pkg/protocol"
)

// DefaultCallTimeout bounds a call when neither the caller nor the config
// picks a window.
const DefaultCallTimeout = 8 * time.Second

// Handle is a live connection to a worker.
type Handle interface {
	ID() uint64
	Send(call protocol.Call) error
}

// Link exposes the currently connected worker, or nil when there is none.
// The Listener is the production implementation.
type Link interface {
	Current() Handle
}

// Dispatcher turns an operation into a correlated, time-bounded call on the
// worker connection. It owns the correlation table; the listener reaches the
// table only through HandleReply and FailConnection.
type Dispatcher struct {
	link    Link
	table   *callTable
	nextID  atomic.Int64
	timeout time.Duration
	events  *events.Emitter
	logger  *slog.Logger
}

// NewDispatcher creates a Dispatcher. timeout is the default call window;
// zero or negative uses DefaultCallTimeout. emitter may be nil.
func NewDispatcher(link Link, timeout time.Duration, emitter *events.Emitter, logger *slog.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	return &Dispatcher{
		link:    link,
		table:   newCallTable(),
		timeout: timeout,
		events:  emitter,
		logger:  logger,
	}
}

// Timeout returns the default call window.
func (d *Dispatcher) Timeout() time.Duration {
	return d.timeout
}

// Dispatch sends op to the connected worker and returns a future for its
// reply. params must marshal to JSON; nil is sent as {}. timeout <= 0 uses the
// dispatcher default.
//
// With no worker connected it fails immediately with ErrNoWorker: no id is
// minted and nothing is registered.
func (d *Dispatcher) Dispatch(op string, params any, timeout time.Duration) (*Call, error) {
	h := d.link.Current()
	if h == nil {
		d.events.Emit(events.Event{Kind: events.CallRejected, Op: op, Pending: d.table.len()})
		return nil, ErrNoWorker
	}
	if timeout <= 0 {
		timeout = d.timeout
	}

	id := d.nextID.Add(1)
	msg, err := protocol.NewCall(id, op, params)
	if err != nil {
		return nil, err
	}

	c := newCall(id, op, d.cancel)
	d.table.register(&pendingCall{call: c, connID: h.ID()}, timeout, func() {
		d.settle(id, outcome{err: &TimeoutError{After: timeout}}, events.CallTimedOut)
	})

	d.logger.Debug("call dispatched",
		"call_id", id,
		"op", op,
		"conn_id", h.ID(),
		"timeout_ms", timeout.Milliseconds(),
	)
	d.events.Emit(events.Event{Kind: events.CallDispatched, CallID: id, Op: op, ConnID: h.ID()})

	if err := h.Send(msg); err != nil {
		d.settle(id, outcome{err: fmt.Errorf("%w: sending call %d: %v", ErrDisconnected, id, err)}, events.CallDisconnected)
	}
	return c, nil
}

// Call dispatches op with the default timeout and waits for the outcome.
func (d *Dispatcher) Call(ctx context.Context, op string, params any) (json.RawMessage, error) {
	c, err := d.Dispatch(op, params, 0)
	if err != nil {
		return nil, err
	}
	return c.Wait(ctx)
}

// HandleReply routes a worker reply to its pending call. Replies for unknown
// ids (already timed out, cancelled, or never sent) are dropped.
func (d *Dispatcher) HandleReply(reply protocol.Reply) {
	o := outcome{result: reply.Result}
	kind := events.CallResolved
	if reply.Failed() {
		o = outcome{err: &WorkerError{Message: reply.ErrorText()}}
		kind = events.CallFailed
	} else if len(o.result) == 0 {
		o.result = json.RawMessage("null")
	}

	if !d.settle(reply.ID, o, kind) {
		d.logger.Debug("reply for unknown call discarded", "call_id", reply.ID)
	}
}

// FailConnection fails every call that was sent on connID with cause, and
// returns how many there were.
func (d *Dispatcher) FailConnection(connID uint64, cause error) int {
	if cause == nil {
		cause = ErrDisconnected
	}
	stale := d.table.drain(connID)
	for _, p := range stale {
		p.call.complete(outcome{err: cause})
		d.observe(p, outcome{err: cause}, events.CallDisconnected)
	}
	if len(stale) > 0 {
		d.logger.Warn("failed in-flight calls after disconnect",
			"conn_id", connID,
			"calls", len(stale),
			"error", cause,
		)
	}
	return len(stale)
}

// Pending returns the number of outstanding calls.
func (d *Dispatcher) Pending() int {
	return d.table.len()
}

func (d *Dispatcher) cancel(id int64, cause error) {
	d.settle(id, outcome{err: cause}, events.CallCancelled)
}

// settle performs the terminal transition for id. It returns false if another
// transition got there first.
func (d *Dispatcher) settle(id int64, o outcome, kind events.Kind) bool {
	p, ok := d.table.resolve(id, o)
	if !ok {
		return false
	}
	d.observe(p, o, kind)
	return true
}

func (d *Dispatcher) observe(p *pendingCall, o outcome, kind events.Kind) {
	elapsed := p.call.elapsed()
	attrs := []any{
		"call_id", p.call.id,
		"op", p.call.op,
		"conn_id", p.connID,
		"elapsed_ms", elapsed.Milliseconds(),
	}
	ev := events.Event{
		Kind:      kind,
		CallID:    p.call.id,
		Op:        p.call.op,
		ConnID:    p.connID,
		ElapsedMS: elapsed.Milliseconds(),
	}

	switch {
	case o.err == nil:
		d.logger.Debug("call resolved", attrs...)
	case errors.Is(o.err, ErrTimeout), errors.Is(o.err, ErrDisconnected):
		d.logger.Warn("call failed", append(attrs, "error", o.err)...)
		ev.Detail = o.err.Error()
	default:
		d.logger.Info("call failed", append(attrs, "error", o.err)...)
		ev.Detail = o.err.Error()
	}
	d.events.Emit(ev)
}
