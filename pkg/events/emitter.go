package events

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Emitter decouples event producers from sinks. Emit never blocks: events go
// into a bounded buffer drained by a single goroutine, and a full buffer drops
// the event with a warning.
type Emitter struct {
	pub      Publisher
	bridgeID string
	logger   *slog.Logger
	timeout  time.Duration

	ch        chan Event
	done      chan struct{}
	closeOnce sync.Once
	mu        sync.RWMutex // guards closed against concurrent Emit/Close
	closed    bool
}

// NewEmitter starts an emitter with the given buffer size. bridgeID is stamped
// on every event that does not already carry one.
func NewEmitter(pub Publisher, bridgeID string, buffer int, logger *slog.Logger) *Emitter {
	if pub == nil {
		pub = NoOpPublisher{}
	}
	if buffer <= 0 {
		buffer = 1
	}
	e := &Emitter{
		pub:      pub,
		bridgeID: bridgeID,
		logger:   logger,
		timeout:  2 * time.Second,
		ch:       make(chan Event, buffer),
		done:     make(chan struct{}),
	}
	go e.run()
	return e
}

// Emit queues an event. Safe to call on a nil Emitter and after Close.
func (e *Emitter) Emit(ev Event) {
	if e == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	if ev.BridgeID == "" {
		ev.BridgeID = e.bridgeID
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return
	}
	select {
	case e.ch <- ev:
	default:
		e.logger.Warn("event buffer full, dropping event", "kind", ev.Kind)
	}
}

// Close stops accepting events and waits for the buffer to drain.
func (e *Emitter) Close() {
	if e == nil {
		return
	}
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		close(e.ch)
		e.mu.Unlock()
	})
	<-e.done
}

func (e *Emitter) run() {
	defer close(e.done)
	for ev := range e.ch {
		ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
		if err := e.pub.Publish(ctx, ev); err != nil {
			e.logger.Warn("publishing event failed", "kind", ev.Kind, "error", err)
		}
		cancel()
	}
}
