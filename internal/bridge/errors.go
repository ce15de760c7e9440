package bridge

import (
	"errors"
	"fmt"
	"time"
)

// Caller-visible failures. Every call ends in exactly one of: a result, or an
// error that matches one of these with errors.Is / errors.As.
var (
	// ErrNoWorker is returned by Dispatch when no UI worker is connected.
	// Nothing is registered and no timer is started.
	ErrNoWorker = errors.New("no active worker")

	// ErrDisconnected fails calls whose worker connection dropped (or was
	// replaced by a newer one) before they were answered.
	ErrDisconnected = errors.New("worker disconnected")

	// ErrTimeout is matched by *TimeoutError.
	ErrTimeout = errors.New("request timed out")

	// ErrCancelled fails calls abandoned by their caller.
	ErrCancelled = errors.New("call cancelled")
)

// TimeoutError fails a call that got no reply within its window.
type TimeoutError struct {
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request timed out after %dms", e.After.Milliseconds())
}

// Is makes errors.Is(err, ErrTimeout) true.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// WorkerError carries an error the worker reported in a reply, verbatim.
type WorkerError struct {
	Message string
}

func (e *WorkerError) Error() string {
	return e.Message
}
