// Package config loads the bridge and probe configuration from environment
// variables. Both binaries call godotenv first, so a .env file in the working
// directory works too.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/auxothq/uiaudit/internal/bridge"
	"github.com/auxothq/uiaudit/pkg/logutil"
)

// Bridge configures cmd/uiaudit-bridge. Variables are prefixed UIAUDIT_.
type Bridge struct {
	Host        string        `envconfig:"HOST" default:"127.0.0.1"`
	Port        int           `envconfig:"PORT" default:"9876"`
	CallTimeout time.Duration `envconfig:"CALL_TIMEOUT" default:"8s"`

	// Worker socket keepalive
	PingInterval time.Duration `envconfig:"PING_INTERVAL" default:"15s"`
	PongWait     time.Duration `envconfig:"PONG_WAIT" default:"45s"`
	WriteTimeout time.Duration `envconfig:"WRITE_TIMEOUT" default:"5s"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	// Diagnostic event sinks (empty URL = sink disabled)
	RedisURL          string        `envconfig:"REDIS_URL"`
	RedisPrefix       string        `envconfig:"REDIS_PREFIX" default:"uiaudit:"`
	RedisStreamMaxLen int64         `envconfig:"REDIS_STREAM_MAXLEN" default:"1000"`
	PresenceTTL       time.Duration `envconfig:"PRESENCE_TTL" default:"45s"`
	NATSURL           string        `envconfig:"NATS_URL"`
	NATSSubject       string        `envconfig:"NATS_SUBJECT" default:"uiaudit.events"`
	EventBuffer       int           `envconfig:"EVENT_BUFFER" default:"256"`
}

// LoadBridge reads the bridge configuration and validates it.
func LoadBridge() (*Bridge, error) {
	var c Bridge
	if err := envconfig.Process("UIAUDIT", &c); err != nil {
		return nil, fmt.Errorf("loading bridge config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate rejects values the bridge cannot run with.
func (c *Bridge) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("UIAUDIT_PORT must be between 1 and 65535, got %d", c.Port)
	}
	if c.CallTimeout <= 0 {
		return fmt.Errorf("UIAUDIT_CALL_TIMEOUT must be positive")
	}
	if c.PingInterval < 0 || c.PongWait < 0 || c.WriteTimeout <= 0 {
		return fmt.Errorf("UIAUDIT_PING_INTERVAL and UIAUDIT_PONG_WAIT must not be negative; UIAUDIT_WRITE_TIMEOUT must be positive")
	}
	if c.PingInterval > 0 && c.PongWait <= c.PingInterval {
		return fmt.Errorf("UIAUDIT_PONG_WAIT (%s) must be longer than UIAUDIT_PING_INTERVAL (%s)", c.PongWait, c.PingInterval)
	}
	if c.EventBuffer <= 0 {
		return fmt.Errorf("UIAUDIT_EVENT_BUFFER must be positive")
	}
	if c.RedisURL != "" && c.PresenceTTL <= 0 {
		return fmt.Errorf("UIAUDIT_PRESENCE_TTL must be positive when UIAUDIT_REDIS_URL is set")
	}
	if !logutil.ValidLevel(c.LogLevel) {
		return fmt.Errorf("UIAUDIT_LOG_LEVEL must be debug, info, warn, or error, got %q", c.LogLevel)
	}
	return nil
}

// Options converts the configuration into bridge options for instance id.
func (c *Bridge) Options(id string) bridge.Options {
	return bridge.Options{
		ID:          id,
		Host:        c.Host,
		Port:        c.Port,
		CallTimeout: c.CallTimeout,
		Listener: bridge.ListenerConfig{
			PingInterval: c.PingInterval,
			PongWait:     c.PongWait,
			WriteTimeout: c.WriteTimeout,
		},
	}
}

// Probe configures cmd/uiaudit-probe. Variables are prefixed UIAUDIT_PROBE_.
type Probe struct {
	// URL is the bridge's WebSocket endpoint; http(s):// is accepted and
	// rewritten to ws(s)://.
	URL string `envconfig:"URL" default:"ws://127.0.0.1:9876/"`

	// Snapshot is the HTML file the probe answers queries against.
	Snapshot string `envconfig:"SNAPSHOT" required:"true"`

	ViewportWidth  int     `envconfig:"VIEWPORT_WIDTH" default:"1280"`
	ViewportHeight int     `envconfig:"VIEWPORT_HEIGHT" default:"800"`
	PixelRatio     float64 `envconfig:"PIXEL_RATIO" default:"1"`
	Theme          string  `envconfig:"THEME" default:"light"`

	// ReconnectDelay is the initial delay between reconnection attempts.
	// Doubles on each failure up to ReconnectMaxDelay.
	ReconnectDelay    time.Duration `envconfig:"RECONNECT_DELAY" default:"2s"`
	ReconnectMaxDelay time.Duration `envconfig:"RECONNECT_MAX_DELAY" default:"60s"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// LoadProbe reads the probe configuration and validates it.
func LoadProbe() (*Probe, error) {
	var c Probe
	if err := envconfig.Process("UIAUDIT_PROBE", &c); err != nil {
		return nil, fmt.Errorf("loading probe config: %w", err)
	}
	c.URL = strings.Replace(c.URL, "https://", "wss://", 1)
	c.URL = strings.Replace(c.URL, "http://", "ws://", 1)
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate rejects values the probe cannot run with.
func (c *Probe) Validate() error {
	if !strings.HasPrefix(c.URL, "ws://") && !strings.HasPrefix(c.URL, "wss://") {
		return fmt.Errorf("UIAUDIT_PROBE_URL must be a ws:// or wss:// URL, got %q", c.URL)
	}
	if c.Snapshot == "" {
		return fmt.Errorf("UIAUDIT_PROBE_SNAPSHOT is required")
	}
	if c.ViewportWidth <= 0 || c.ViewportHeight <= 0 || c.PixelRatio <= 0 {
		return fmt.Errorf("viewport dimensions and pixel ratio must be positive")
	}
	if c.Theme != "light" && c.Theme != "dark" {
		return fmt.Errorf("UIAUDIT_PROBE_THEME must be light or dark, got %q", c.Theme)
	}
	if c.ReconnectDelay <= 0 || c.ReconnectMaxDelay < c.ReconnectDelay {
		return fmt.Errorf("UIAUDIT_PROBE_RECONNECT_DELAY must be positive and no larger than UIAUDIT_PROBE_RECONNECT_MAX_DELAY")
	}
	if !logutil.ValidLevel(c.LogLevel) {
		return fmt.Errorf("UIAUDIT_PROBE_LOG_LEVEL must be debug, info, warn, or error, got %q", c.LogLevel)
	}
	return nil
}
