package bridge

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// outcome is the terminal value of a call: a result or an error, never both.
type outcome struct {
	result json.RawMessage
	err    error
}

// pendingCall is one outstanding request awaiting a reply.
type pendingCall struct {
	call   *Call
	connID uint64      // handle the call was sent on
	timer  *time.Timer // armed by register, stopped by remove
}

// callTable maps call ids to pending calls.
//
// Removal is the terminal transition: whoever removes an entry (reply, timer,
// disconnect sweep, cancellation) is the only one allowed to complete its
// call, so a call completes exactly once no matter how those events race.
type callTable struct {
	mu    sync.Mutex
	calls map[int64]*pendingCall
}

func newCallTable() *callTable {
	return &callTable{calls: make(map[int64]*pendingCall)}
}

// register inserts p and arms its timeout. The timer is created under the
// table lock so its callback cannot look the id up before the entry exists.
// A duplicate id means the id counter is broken; that is not recoverable.
func (t *callTable) register(p *pendingCall, timeout time.Duration, onTimeout func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := p.call.id
	if _, exists := t.calls[id]; exists {
		panic(fmt.Sprintf("bridge: call id %d registered twice", id))
	}
	t.calls[id] = p
	p.timer = time.AfterFunc(timeout, onTimeout)
}

// remove deletes the entry and stops its timer. The caller owns completion.
func (t *callTable) remove(id int64) (*pendingCall, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.calls[id]
	if !ok {
		return nil, false
	}
	delete(t.calls, id)
	if p.timer != nil {
		p.timer.Stop()
	}
	return p, true
}

// resolve removes the entry and completes its call with o.
// It is a no-op returning false if the id is unknown or already resolved.
func (t *callTable) resolve(id int64, o outcome) (*pendingCall, bool) {
	p, ok := t.remove(id)
	if !ok {
		return nil, false
	}
	p.call.complete(o)
	return p, true
}

// drain removes every entry that was sent on connID and returns them
// uncompleted, with their timers stopped.
func (t *callTable) drain(connID uint64) []*pendingCall {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []*pendingCall
	for id, p := range t.calls {
		if p.connID != connID {
			continue
		}
		delete(t.calls, id)
		if p.timer != nil {
			p.timer.Stop()
		}
		out = append(out, p)
	}
	return out
}

func (t *callTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}
