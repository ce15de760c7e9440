// Package events carries the bridge's diagnostic lifecycle events (worker
// connects and disconnects, malformed frames, call outcomes) to pluggable
// sinks. Events are observational only: nothing in the bridge waits on them
// and a failing sink never affects a call.
package events

import (
	"context"
	"time"
)

// Kind names a lifecycle event.
type Kind string

const (
	WorkerConnected    Kind = "worker_connected"
	WorkerReplaced     Kind = "worker_replaced"
	WorkerDisconnected Kind = "worker_disconnected"
	WorkerAlive        Kind = "worker_alive" // pong received
	FrameMalformed     Kind = "frame_malformed"
	CallDispatched     Kind = "call_dispatched"
	CallResolved       Kind = "call_resolved"
	CallFailed         Kind = "call_failed"
	CallTimedOut       Kind = "call_timed_out"
	CallDisconnected   Kind = "call_disconnected"
	CallCancelled      Kind = "call_cancelled"
	CallRejected       Kind = "call_rejected" // no worker connected
)

// Event is one lifecycle observation.
type Event struct {
	Kind      Kind      `json:"kind"`
	Time      time.Time `json:"time"`
	BridgeID  string    `json:"bridge_id,omitempty"`
	ConnID    uint64    `json:"conn_id,omitempty"`
	CallID    int64     `json:"call_id,omitempty"`
	Op        string    `json:"op,omitempty"`
	Pending   int       `json:"pending,omitempty"` // calls failed by a disconnect; table size on a rejection
	ElapsedMS int64     `json:"elapsed_ms,omitempty"`
	Detail    string    `json:"detail,omitempty"`
}

// Publisher delivers events to a sink.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// NoOpPublisher discards every event.
type NoOpPublisher struct{}

// Publish is a no-op.
func (NoOpPublisher) Publish(context.Context, Event) error { return nil }

// CallbackPublisher hands each event to a function. Used in tests.
type CallbackPublisher struct {
	callback func(ctx context.Context, ev Event) error
}

// NewCallbackPublisher creates a CallbackPublisher.
func NewCallbackPublisher(cb func(ctx context.Context, ev Event) error) *CallbackPublisher {
	return &CallbackPublisher{callback: cb}
}

// Publish calls the callback.
func (p *CallbackPublisher) Publish(ctx context.Context, ev Event) error {
	return p.callback(ctx, ev)
}

// Fanout publishes to every sink in order and returns the first error after
// trying them all.
type Fanout []Publisher

// Publish implements Publisher.
func (f Fanout) Publish(ctx context.Context, ev Event) error {
	var first error
	for _, p := range f {
		if err := p.Publish(ctx, ev); err != nil && first == nil {
			first = err
		}
	}
	return first
}
