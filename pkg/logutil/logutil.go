// Package logutil provides shared logging utilities for the uiaudit binaries.
//
// The bridge speaks MCP over stdout, so nothing but protocol frames may ever be
// written there. All log output goes to the writer handed to Output (stderr in
// both binaries), pretty-printed when that writer is a terminal and compact
// JSON otherwise (piped to a file, an MCP host's log capture, CI, etc.).
package logutil

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"strings"
)

// IsTerminal reports whether w is an *os.File attached to a character device.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	stat, err := f.Stat()
	if err != nil {
		return false
	}
	return (stat.Mode() & os.ModeCharDevice) != 0
}

// Output returns the destination for slog.NewJSONHandler: w itself when it is
// not a terminal, or a pretty-printing wrapper around it when it is.
func Output(w io.Writer) io.Writer {
	if !IsTerminal(w) {
		return w
	}
	return &prettyJSONWriter{w: w}
}

// New builds the JSON logger used by both binaries.
func New(w io.Writer, level string) *slog.Logger {
	return slog.New(slog.NewJSONHandler(Output(w), &slog.HandlerOptions{Level: ParseLevel(level)}))
}

// ParseLevel maps debug/info/warn/error (case-insensitive) to a slog level.
// Anything else is info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ValidLevel reports whether ParseLevel recognizes s. Empty means info.
func ValidLevel(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "debug", "info", "warn", "warning", "error":
		return true
	}
	return false
}

// prettyJSONWriter re-indents each JSON line written to it.
type prettyJSONWriter struct {
	w io.Writer
}

func (pw *prettyJSONWriter) Write(p []byte) (int, error) {
	trimmed := bytes.TrimRight(p, "\n")
	var buf bytes.Buffer
	if err := json.Indent(&buf, trimmed, "", "  "); err != nil {
		// Not valid JSON, pass through unchanged
		return pw.w.Write(p)
	}
	buf.WriteByte('\n')
	_, err := pw.w.Write(buf.Bytes())
	return len(p), err // Return original len to satisfy io.Writer contract
}
