package events

import (
	"context"
	"log/slog"
)

// LogPublisher writes events to a slog logger at debug level. Connection
// lifecycle events go out at info so they show up with default settings.
type LogPublisher struct {
	logger *slog.Logger
}

// NewLogPublisher creates a LogPublisher.
func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

// Publish implements Publisher.
func (p *LogPublisher) Publish(ctx context.Context, ev Event) error {
	level := slog.LevelDebug
	switch ev.Kind {
	case WorkerConnected, WorkerReplaced, WorkerDisconnected:
		level = slog.LevelInfo
	case FrameMalformed:
		level = slog.LevelWarn
	}
	p.logger.Log(ctx, level, "event",
		"kind", ev.Kind,
		"conn_id", ev.ConnID,
		"call_id", ev.CallID,
		"op", ev.Op,
		"pending", ev.Pending,
		"elapsed_ms", ev.ElapsedMS,
		"detail", ev.Detail,
	)
	return nil
}
