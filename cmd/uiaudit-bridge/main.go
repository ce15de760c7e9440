// Command uiaudit-bridge relays DOM-inspection tool calls from an MCP client
// to a running UI.
//
// It speaks MCP over stdio to the agent and listens on a local WebSocket port
// for the UI worker. Each tool call becomes one correlated request on that
// socket; the worker's reply (or a timeout, or the worker disconnecting)
// becomes the tool result.
//
// Lifecycle:
//  1. Start the worker listener on UIAUDIT_HOST:UIAUDIT_PORT
//  2. Serve MCP on stdin/stdout until stdin closes or a signal arrives
//  3. On shutdown: close the worker socket, fail pending calls, flush events
//
// Stdout carries MCP frames only; all logging goes to stderr.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/auxothq/uiaudit/internal/auditmcp"
	"github.com/auxothq/uiaudit/internal/bridge"
	"github.com/auxothq/uiaudit/internal/config"
	"github.com/auxothq/uiaudit/pkg/events"
	"github.com/auxothq/uiaudit/pkg/logutil"
)

const version = "0.1.0"

func main() {
	_ = godotenv.Load()

	showEvents := false
	for _, arg := range os.Args[1:] {
		switch arg {
		case "version":
			fmt.Println("uiaudit-bridge v" + version)
			return
		case "help", "--help", "-h":
			printHelp()
			return
		case "events":
			showEvents = true
		}
	}

	// Bootstrap logger for configuration errors; replaced once the level is known.
	logger := logutil.New(os.Stderr, "info")

	cfg, err := config.LoadBridge()
	if err != nil {
		logger.Error("configuration error", "error", err.Error())
		os.Exit(1)
	}

	logger = logutil.New(os.Stderr, cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if showEvents {
		count, err := eventCount(os.Args[1:])
		if err == nil {
			err = runEvents(ctx, cfg, count, os.Stdout)
		}
		if err != nil {
			logger.Error("events", "error", err.Error())
			os.Exit(1)
		}
		return
	}

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("fatal", "error", err.Error())
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Bridge, logger *slog.Logger) error {
	bridgeID := uuid.NewString()

	// --- Diagnostic event sinks ---
	publishers := events.Fanout{events.NewLogPublisher(logger.With("component", "events"))}

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parsing UIAUDIT_REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("connecting to Redis: %w", err)
		}
		publishers = append(publishers, events.NewRedisPublisher(rdb, cfg.RedisPrefix, cfg.RedisStreamMaxLen, cfg.PresenceTTL))
		logger.Info("redis event sink enabled", "prefix", cfg.RedisPrefix)
	}

	if cfg.NATSURL != "" {
		nc, err := nats.Connect(cfg.NATSURL, nats.Name("uiaudit-bridge"))
		if err != nil {
			return fmt.Errorf("connecting to NATS: %w", err)
		}
		defer nc.Drain() //nolint:errcheck
		publishers = append(publishers, events.NewNATSPublisher(nc, cfg.NATSSubject))
		logger.Info("nats event sink enabled", "subject", cfg.NATSSubject)
	}

	emitter := events.NewEmitter(publishers, bridgeID, cfg.EventBuffer, logger.With("component", "events"))
	defer emitter.Close()

	// --- Bridge + MCP facade ---
	b := bridge.New(cfg.Options(bridgeID), emitter, logger)
	mcpServer := auditmcp.NewServer(b, version, logger.With("component", "mcp"))

	logger.Info("uiaudit-bridge starting",
		"version", version,
		"bridge_id", bridgeID,
		"addr", cfg.Options(bridgeID).Addr(),
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	bridgeErr := make(chan error, 1)
	go func() {
		bridgeErr <- b.Start(ctx)
		cancel() // a dead listener ends the MCP session too
	}()

	mcpErr := auditmcp.ServeStdio(ctx, mcpServer, os.Stdin, os.Stdout, logger.With("component", "mcp"))
	logger.Info("mcp session ended")
	cancel()

	if err := <-bridgeErr; err != nil {
		return err
	}
	return mcpErr
}

// eventCount reads the optional count after the events subcommand.
func eventCount(args []string) (int64, error) {
	for i, arg := range args {
		if arg != "events" || i+1 >= len(args) {
			continue
		}
		n, err := strconv.ParseInt(args[i+1], 10, 64)
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("event count must be a positive integer, got %q", args[i+1])
		}
		return n, nil
	}
	return defaultEventCount, nil
}

const defaultEventCount = 20

// runEvents prints the newest recorded events from the Redis sink, newest
// first, followed by the worker presence of every bridge instance they name.
func runEvents(ctx context.Context, cfg *config.Bridge, count int64, out io.Writer) error {
	if cfg.RedisURL == "" {
		return fmt.Errorf("UIAUDIT_REDIS_URL is not set; no events are recorded")
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("parsing UIAUDIT_REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(opts)
	defer rdb.Close()

	pub := events.NewRedisPublisher(rdb, cfg.RedisPrefix, cfg.RedisStreamMaxLen, cfg.PresenceTTL)
	recent, err := pub.Recent(ctx, count)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	var bridges []string
	seen := make(map[string]bool)
	for _, ev := range recent {
		if err := enc.Encode(ev); err != nil {
			return err
		}
		if ev.BridgeID != "" && !seen[ev.BridgeID] {
			seen[ev.BridgeID] = true
			bridges = append(bridges, ev.BridgeID)
		}
	}
	for _, id := range bridges {
		present, err := pub.WorkerPresent(ctx, id)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "bridge %s: worker_present=%t\n", id, present)
	}
	return nil
}

func printHelp() {
	fmt.Println(`uiaudit-bridge — MCP bridge between an agent and a running UI

Usage:
  uiaudit-bridge             Serve MCP on stdio and wait for the UI worker
  uiaudit-bridge events [N]  Print the newest N recorded events (default 20)
                             and worker presence (needs UIAUDIT_REDIS_URL)
  uiaudit-bridge version     Print version
  uiaudit-bridge help        Print this help

Tools:
  audit_ui              Audit all interactive elements
  get_element           Describe one element by selector and index
  check_touch_targets   Find undersized touch targets
  check_edge_proximity  Find elements too close to the viewport edge
  get_viewport_info     Report viewport size, pixel ratio, and theme
  query_selector        Summarize the elements matching a selector

Environment Variables:
  UIAUDIT_HOST                 Worker listener host (default: 127.0.0.1)
  UIAUDIT_PORT                 Worker listener port (default: 9876)
  UIAUDIT_CALL_TIMEOUT         Per-call reply timeout (default: 8s)
  UIAUDIT_PING_INTERVAL        Worker keepalive ping interval, 0 disables (default: 15s)
  UIAUDIT_PONG_WAIT            Worker silence before disconnect (default: 45s)
  UIAUDIT_WRITE_TIMEOUT        Frame write deadline (default: 5s)
  UIAUDIT_LOG_LEVEL            Log level: debug, info, warn, error (default: info)
  UIAUDIT_EVENT_BUFFER         Diagnostic event buffer size (default: 256)
  UIAUDIT_REDIS_URL            Record events in a Redis stream (default: disabled)
  UIAUDIT_REDIS_PREFIX         Redis key prefix (default: uiaudit:)
  UIAUDIT_REDIS_STREAM_MAXLEN  Approximate event stream cap (default: 1000)
  UIAUDIT_PRESENCE_TTL         Worker presence key TTL (default: 45s)
  UIAUDIT_NATS_URL             Publish events to NATS (default: disabled)
  UIAUDIT_NATS_SUBJECT         NATS subject prefix (default: uiaudit.events)

Health:
  GET http://UIAUDIT_HOST:UIAUDIT_PORT/health`)
}
