// Package protocol defines the WebSocket envelopes exchanged between the
// audit bridge and the UI worker that executes DOM queries.
//
// The bridge sends a Call; the worker answers with a Reply carrying the same
// id and either a result or an error string. The id is the only correlation
// key: replies may arrive in any order.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Operation names sent in Call.Type. Each one is a DOM query the worker runs
// against its live document.
const (
	OpAuditUI            = "audit_ui"
	OpGetElement         = "get_element"
	OpCheckTouchTargets  = "check_touch_targets"
	OpCheckEdgeProximity = "check_edge_proximity"
	OpGetViewportInfo    = "get_viewport_info"
	OpQuerySelector      = "query_selector"
)

// Operations lists every operation the bridge knows how to send.
var Operations = []string{
	OpAuditUI,
	OpGetElement,
	OpCheckTouchTargets,
	OpCheckEdgeProximity,
	OpGetViewportInfo,
	OpQuerySelector,
}

// InteractiveSelector matches the elements a user can act on. It is the
// default scope of check_edge_proximity and the element set audit_ui covers.
const InteractiveSelector = `a[href], button, input:not([type="hidden"]), select, textarea, summary, ` +
	`[role="button"], [role="link"], [role="checkbox"], [role="tab"], [role="menuitem"], ` +
	`[tabindex]:not([tabindex="-1"])`

// Call is sent by the bridge to the worker.
type Call struct {
	ID     int64           `json:"id"`
	Type   string          `json:"type"`
	Params json.RawMessage `json:"params"`
}

// Reply is sent by the worker when a Call finishes.
//
// Error holds the raw JSON of the "error" field. Workers send a string, but
// anything truthy is accepted so a misbehaving worker still fails the call
// instead of resolving it with a null result.
type Reply struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  json.RawMessage `json:"error,omitempty"`
}

// Failed reports whether the reply carries an error.
func (r Reply) Failed() bool {
	return r.ErrorText() != ""
}

// ErrorText returns the worker's error message, or "" if the reply succeeded.
func (r Reply) ErrorText() string {
	raw := bytes.TrimSpace(r.Error)
	if len(raw) == 0 {
		return ""
	}
	switch string(raw) {
	case "null", "false", `""`:
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// ErrMissingID is returned by ParseReply for frames without a numeric id.
var ErrMissingID = errors.New("reply has no id")

// NewCall builds a Call, serializing params. A nil params value is sent as {}.
func NewCall(id int64, op string, params any) (Call, error) {
	raw := json.RawMessage(`{}`)
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return Call{}, fmt.Errorf("marshaling %s params: %w", op, err)
		}
		if !bytes.Equal(data, []byte("null")) {
			raw = data
		}
	}
	return Call{ID: id, Type: op, Params: raw}, nil
}

// ParseReply reads a raw WebSocket frame sent by the worker.
// The frame must be a JSON object with an integer "id".
func ParseReply(data []byte) (Reply, error) {
	var frame struct {
		ID     *int64          `json:"id"`
		Result json.RawMessage `json:"result"`
		Error  json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		return Reply{}, fmt.Errorf("parsing reply: %w", err)
	}
	if frame.ID == nil {
		return Reply{}, ErrMissingID
	}
	return Reply{ID: *frame.ID, Result: frame.Result, Error: frame.Error}, nil
}

// ParseCall reads a raw WebSocket frame sent by the bridge. Used by workers.
func ParseCall(data []byte) (Call, error) {
	var frame struct {
		ID     *int64          `json:"id"`
		Type   string          `json:"type"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		return Call{}, fmt.Errorf("parsing call: %w", err)
	}
	if frame.ID == nil {
		return Call{}, errors.New("call has no id")
	}
	if frame.Type == "" {
		return Call{}, fmt.Errorf("call %d has no type", *frame.ID)
	}
	if len(frame.Params) == 0 {
		frame.Params = json.RawMessage(`{}`)
	}
	return Call{ID: *frame.ID, Type: frame.Type, Params: frame.Params}, nil
}

// ResultReply builds a successful Reply. Used by workers.
func ResultReply(id int64, result any) (Reply, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return Reply{}, fmt.Errorf("marshaling result for call %d: %w", id, err)
	}
	return Reply{ID: id, Result: data}, nil
}

// ErrorReply builds a failed Reply. Used by workers.
func ErrorReply(id int64, msg string) Reply {
	data, _ := json.Marshal(msg)
	return Reply{ID: id, Error: data}
}
