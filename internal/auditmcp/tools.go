// Package auditmcp exposes the bridge's DOM-inspection operations as MCP
// tools. Each tool is a thin adapter: it applies parameter defaults, sends
// one call to the UI worker, and turns the outcome into a tool result.
package auditmcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/auxothq/uiaudit/internal/bridge"
	"github.com/auxothq/uiaudit/pkg/protocol"
)

// Caller sends one operation to the UI worker and waits for its reply.
// *bridge.Bridge and *bridge.Dispatcher implement it.
type Caller interface {
	Call(ctx context.Context, op string, params any) (json.RawMessage, error)
}

// Caller-visible failure texts.
const (
	msgNoWorker     = "No active worker: is the UI running with the audit bridge enabled?"
	msgDisconnected = "Worker disconnected before replying"
	msgCancelled    = "Request cancelled"
)

// tool pairs an MCP tool definition with the operation it sends and the
// function that builds the operation's params from the request.
type tool struct {
	def    mcp.Tool
	op     string
	params func(req mcp.CallToolRequest) (map[string]any, error)
}

func toolset() []tool {
	return []tool{
		{
			def: mcp.NewTool(protocol.OpAuditUI,
				mcp.WithDescription("Audit every interactive element in the running UI: bounds, accessible names, "+
					"touch-target size, and (optionally) computed styles."),
				mcp.WithBoolean("includeStyles",
					mcp.Description("Include computed styles for each element"),
					mcp.DefaultBool(true),
				),
				mcp.WithNumber("minTouchTarget",
					mcp.Description("Minimum touch-target edge in CSS pixels"),
					mcp.DefaultNumber(44),
				),
				mcp.WithReadOnlyHintAnnotation(true),
			),
			op: protocol.OpAuditUI,
			params: func(req mcp.CallToolRequest) (map[string]any, error) {
				return map[string]any{
					"includeStyles":  req.GetBool("includeStyles", true),
					"minTouchTarget": req.GetFloat("minTouchTarget", 44),
				}, nil
			},
		},
		{
			def: mcp.NewTool(protocol.OpGetElement,
				mcp.WithDescription("Describe one element matched by a CSS selector: bounds, attributes, "+
					"text, and computed styles."),
				mcp.WithString("selector",
					mcp.Required(),
					mcp.Description("CSS selector"),
				),
				mcp.WithNumber("index",
					mcp.Description("Which match to describe when the selector matches several elements"),
					mcp.DefaultNumber(0),
				),
				mcp.WithReadOnlyHintAnnotation(true),
			),
			op: protocol.OpGetElement,
			params: func(req mcp.CallToolRequest) (map[string]any, error) {
				selector, err := req.RequireString("selector")
				if err != nil {
					return nil, err
				}
				return map[string]any{
					"selector": selector,
					"index":    req.GetInt("index", 0),
				}, nil
			},
		},
		{
			def: mcp.NewTool(protocol.OpCheckTouchTargets,
				mcp.WithDescription("List interactive elements whose rendered size is below the minimum touch target."),
				mcp.WithNumber("minSize",
					mcp.Description("Minimum width and height in CSS pixels"),
					mcp.DefaultNumber(44),
				),
				mcp.WithReadOnlyHintAnnotation(true),
			),
			op: protocol.OpCheckTouchTargets,
			params: func(req mcp.CallToolRequest) (map[string]any, error) {
				return map[string]any{"minSize": req.GetFloat("minSize", 44)}, nil
			},
		},
		{
			def: mcp.NewTool(protocol.OpCheckEdgeProximity,
				mcp.WithDescription("List elements that sit closer to a viewport edge than the threshold."),
				mcp.WithNumber("threshold",
					mcp.Description("Distance from the viewport edge in CSS pixels"),
					mcp.DefaultNumber(8),
				),
				mcp.WithString("selector",
					mcp.Description("CSS selector for the elements to check; defaults to all interactive elements"),
					mcp.DefaultString(protocol.InteractiveSelector),
				),
				mcp.WithReadOnlyHintAnnotation(true),
			),
			op: protocol.OpCheckEdgeProximity,
			params: func(req mcp.CallToolRequest) (map[string]any, error) {
				selector := req.GetString("selector", "")
				if selector == "" {
					selector = protocol.InteractiveSelector
				}
				return map[string]any{
					"threshold": req.GetFloat("threshold", 8),
					"selector":  selector,
				}, nil
			},
		},
		{
			def: mcp.NewTool(protocol.OpGetViewportInfo,
				mcp.WithDescription("Report the viewport size, device pixel ratio, scroll position, and active theme."),
				mcp.WithReadOnlyHintAnnotation(true),
			),
			op: protocol.OpGetViewportInfo,
			params: func(mcp.CallToolRequest) (map[string]any, error) {
				return map[string]any{}, nil
			},
		},
		{
			def: mcp.NewTool(protocol.OpQuerySelector,
				mcp.WithDescription("Summarize every element matching a CSS selector."),
				mcp.WithString("selector",
					mcp.Required(),
					mcp.Description("CSS selector"),
				),
				mcp.WithNumber("limit",
					mcp.Description("Maximum number of matches to return"),
					mcp.DefaultNumber(50),
				),
				mcp.WithReadOnlyHintAnnotation(true),
			),
			op: protocol.OpQuerySelector,
			params: func(req mcp.CallToolRequest) (map[string]any, error) {
				selector, err := req.RequireString("selector")
				if err != nil {
					return nil, err
				}
				return map[string]any{
					"selector": selector,
					"limit":    req.GetInt("limit", 50),
				}, nil
			},
		},
	}
}

// Register adds the audit tools to s.
func Register(s *server.MCPServer, caller Caller, logger *slog.Logger) {
	for _, t := range toolset() {
		s.AddTool(t.def, handler(t, caller, logger))
	}
}

// handler builds the MCP handler for t. It always returns a nil Go error:
// every failure becomes an error-flagged tool result.
func handler(t tool, caller Caller, logger *slog.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		params, err := t.params(req)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		start := time.Now()
		result, err := caller.Call(ctx, t.op, params)
		elapsed := time.Since(start).Milliseconds()
		if err != nil {
			logger.Info("tool call failed",
				"tool", t.def.Name,
				"outcome", outcomeOf(err),
				"elapsed_ms", elapsed,
				"error", err,
			)
			return mcp.NewToolResultError(ErrorText(err)), nil
		}

		logger.Info("tool call resolved",
			"tool", t.def.Name,
			"elapsed_ms", elapsed,
			"bytes", len(result),
		)
		return mcp.NewToolResultText(ResultText(result)), nil
	}
}

// ErrorText maps a call failure to the message shown to the agent.
func ErrorText(err error) string {
	var timeout *bridge.TimeoutError
	var worker *bridge.WorkerError
	switch {
	case errors.Is(err, bridge.ErrNoWorker):
		return msgNoWorker
	case errors.As(err, &timeout):
		return fmt.Sprintf("Request timed out after %dms", timeout.After.Milliseconds())
	case errors.Is(err, bridge.ErrDisconnected):
		return msgDisconnected
	case errors.Is(err, bridge.ErrCancelled):
		return msgCancelled
	case errors.As(err, &worker):
		return worker.Message
	default:
		return err.Error()
	}
}

func outcomeOf(err error) string {
	switch {
	case errors.Is(err, bridge.ErrNoWorker):
		return "no_worker"
	case errors.Is(err, bridge.ErrTimeout):
		return "timed_out"
	case errors.Is(err, bridge.ErrDisconnected):
		return "disconnected"
	case errors.Is(err, bridge.ErrCancelled):
		return "cancelled"
	default:
		return "worker_error"
	}
}

// ResultText renders a worker result as tool text. A JSON string is returned
// as-is; anything else is indented JSON.
func ResultText(result json.RawMessage) string {
	result = bytes.TrimSpace(result)
	if len(result) > 0 && result[0] == '"' {
		var s string
		if json.Unmarshal(result, &s) == nil {
			return s
		}
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, result, "", "  "); err != nil {
		return string(result)
	}
	return buf.String()
}
