package auditmcp

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"
)

// ServerName is the MCP server name announced during initialize.
const ServerName = "uiaudit-bridge"

// NewServer creates an MCP server exposing the audit tools backed by caller.
func NewServer(caller Caller, version string, logger *slog.Logger) *server.MCPServer {
	s := server.NewMCPServer(
		ServerName,
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Inspect the live UI of the running desktop app. "+
			"Start with audit_ui for an overview, then use get_element or query_selector to drill in. "+
			"The UI must be running with the audit bridge enabled."),
	)
	Register(s, caller, logger)
	return s
}

// ServeStdio speaks MCP over in/out (line-delimited JSON-RPC) until ctx is
// cancelled or in is closed. Protocol errors are logged through logger.
func ServeStdio(ctx context.Context, s *server.MCPServer, in io.Reader, out io.Writer, logger *slog.Logger) error {
	stdio := server.NewStdioServer(s)
	stdio.SetErrorLogger(slog.NewLogLogger(logger.Handler(), slog.LevelError))

	err := stdio.Listen(ctx, in, out)
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
