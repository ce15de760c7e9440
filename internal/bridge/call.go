package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Call is the future returned by Dispatch. It completes exactly once, with
// the worker's result or with an error (worker error, timeout, disconnect,
// or cancellation).
type Call struct {
	id      int64
	op      string
	started time.Time
	cancel  func(id int64, cause error)

	done   chan struct{}
	result json.RawMessage
	err    error
}

func newCall(id int64, op string, cancel func(id int64, cause error)) *Call {
	return &Call{
		id:      id,
		op:      op,
		started: time.Now(),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// ID returns the correlation id sent to the worker.
func (c *Call) ID() int64 { return c.id }

// Op returns the operation name.
func (c *Call) Op() string { return c.op }

// Done is closed when the call has completed.
func (c *Call) Done() <-chan struct{} { return c.done }

// Result blocks until the call completes and returns its outcome.
func (c *Call) Result() (json.RawMessage, error) {
	<-c.done
	return c.result, c.err
}

// Wait blocks until the call completes or ctx is done. If ctx wins, the call
// is cancelled through the same path as a timeout; a reply that already won
// the race is still returned.
func (c *Call) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-c.done:
	case <-ctx.Done():
		c.Cancel(ctx.Err())
	}
	return c.Result()
}

// Cancel fails the call with ErrCancelled unless it has already completed.
func (c *Call) Cancel(cause error) {
	if cause == nil {
		cause = context.Canceled
	}
	if c.cancel != nil {
		c.cancel(c.id, fmt.Errorf("%w: %w", ErrCancelled, cause))
	}
}

// complete is called once, by whoever removed the call from the table.
func (c *Call) complete(o outcome) {
	c.result = o.result
	c.err = o.err
	close(c.done)
}

func (c *Call) elapsed() time.Duration {
	return time.Since(c.started)
}
