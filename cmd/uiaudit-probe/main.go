// Command uiaudit-probe is a stand-in UI worker for uiaudit-bridge.
//
// It connects to the bridge's worker socket and answers DOM queries against a
// static HTML snapshot, so the bridge and its MCP tools can be exercised
// without the desktop app. Layout-dependent checks (touch targets, edge
// proximity) are answered with an error.
//
// On disconnect: reconnect with exponential backoff.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/auxothq/uiaudit/internal/config"
	"github.com/auxothq/uiaudit/internal/probe"
	"github.com/auxothq/uiaudit/pkg/logutil"
)

const version = "0.1.0"

func main() {
	_ = godotenv.Load()

	for _, arg := range os.Args[1:] {
		switch arg {
		case "version":
			fmt.Println("uiaudit-probe v" + version)
			return
		case "help", "--help", "-h":
			printHelp()
			return
		}
	}

	// Bootstrap logger for configuration errors; replaced once the level is known.
	logger := logutil.New(os.Stderr, "info")

	cfg, err := config.LoadProbe()
	if err != nil {
		logger.Error("configuration error", "error", err.Error())
		os.Exit(1)
	}

	logger = logutil.New(os.Stderr, cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("fatal", "error", err.Error())
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Probe, logger *slog.Logger) error {
	snapshot, err := probe.LoadSnapshot(cfg.Snapshot, probe.Viewport{
		Width:      cfg.ViewportWidth,
		Height:     cfg.ViewportHeight,
		PixelRatio: cfg.PixelRatio,
		Theme:      cfg.Theme,
	})
	if err != nil {
		return err
	}

	logger = logger.With("probe_id", uuid.NewString())
	logger.Info("uiaudit-probe starting",
		"version", version,
		"bridge_url", cfg.URL,
		"snapshot", cfg.Snapshot,
	)

	return probe.NewWorker(cfg, snapshot, logger).Run(ctx)
}

func printHelp() {
	fmt.Println(`uiaudit-probe — snapshot-backed UI worker for uiaudit-bridge

Usage:
  uiaudit-probe           Connect to the bridge and answer queries
  uiaudit-probe version   Print version
  uiaudit-probe help      Print this help

Environment Variables:
  UIAUDIT_PROBE_URL                  Bridge worker URL (default: ws://127.0.0.1:9876/)
  UIAUDIT_PROBE_SNAPSHOT             HTML file to answer queries from (required)
  UIAUDIT_PROBE_VIEWPORT_WIDTH       Reported viewport width (default: 1280)
  UIAUDIT_PROBE_VIEWPORT_HEIGHT      Reported viewport height (default: 800)
  UIAUDIT_PROBE_PIXEL_RATIO          Reported device pixel ratio (default: 1)
  UIAUDIT_PROBE_THEME                Reported theme: light or dark (default: light)
  UIAUDIT_PROBE_RECONNECT_DELAY      Initial reconnect delay (default: 2s)
  UIAUDIT_PROBE_RECONNECT_MAX_DELAY  Reconnect backoff cap (default: 60s)
  UIAUDIT_PROBE_LOG_LEVEL            Log level: debug, info, warn, error (default: info)`)
}
