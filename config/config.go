// Package config loads the jugglerd process configuration from the
// environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ggoodman/juggler-go/tap/redistap"
	"github.com/joeshaw/envdecode"
)

// Transports.
const (
	TransportPipe      = "pipe"
	TransportWebSocket = "websocket"
)

// Tap backends.
const (
	TapNone   = "none"
	TapMemory = "memory"
	TapRedis  = "redis"
)

// Config for jugglerd.
type Config struct {
	// Transport is pipe (stdin/stdout) or websocket. ENV: JUGGLER_TRANSPORT
	Transport string `env:"JUGGLER_TRANSPORT,default=pipe"`
	// ListenAddr of the websocket server. ENV: JUGGLER_LISTEN_ADDR
	ListenAddr string `env:"JUGGLER_LISTEN_ADDR,default=127.0.0.1:9222"`
	// Path the websocket handler is mounted on. ENV: JUGGLER_WS_PATH
	Path string `env:"JUGGLER_WS_PATH,default=/devtools/browser"`
	// ProtocolFile, when set, replaces the built-in registry and is reloaded
	// on change. ENV: JUGGLER_PROTOCOL_FILE
	ProtocolFile string `env:"JUGGLER_PROTOCOL_FILE"`

	// Debug enables the traffic log. ENV: JUGGLER_DEBUG
	Debug bool `env:"JUGGLER_DEBUG,default=false"`
	// DebugExclude is a comma separated list of events (Domain.name) and
	// domains left out of the traffic log. Empty keeps the defaults.
	// ENV: JUGGLER_DEBUG_EXCLUDE
	DebugExclude string `env:"JUGGLER_DEBUG_EXCLUDE"`
	// LogLevel is debug, info, warn or error. ENV: JUGGLER_LOG_LEVEL
	LogLevel string `env:"JUGGLER_LOG_LEVEL,default=info"`

	// MetricsAddr, when set, serves Prometheus metrics on /metrics.
	// ENV: JUGGLER_METRICS_ADDR
	MetricsAddr string `env:"JUGGLER_METRICS_ADDR"`

	// Tap selects where traffic is recorded. ENV: JUGGLER_TAP
	Tap string `env:"JUGGLER_TAP,default=none"`
	// TapCapacity bounds the memory tap. ENV: JUGGLER_TAP_CAPACITY
	TapCapacity int `env:"JUGGLER_TAP_CAPACITY,default=1024"`
	// Redis configures the redis tap.
	Redis redistap.Config
}

// Load decodes the environment into a Config and validates it.
func Load() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	switch c.Transport {
	case TransportPipe:
	case TransportWebSocket:
		if c.ListenAddr == "" {
			return errors.New("config: JUGGLER_LISTEN_ADDR is required for the websocket transport")
		}
		if !strings.HasPrefix(c.Path, "/") {
			return fmt.Errorf("config: JUGGLER_WS_PATH %q must start with /", c.Path)
		}
	default:
		return fmt.Errorf("config: unknown transport %q", c.Transport)
	}

	switch c.Tap {
	case TapNone, TapRedis:
	case TapMemory:
		if c.TapCapacity <= 0 {
			return fmt.Errorf("config: JUGGLER_TAP_CAPACITY must be positive, got %d", c.TapCapacity)
		}
	default:
		return fmt.Errorf("config: unknown tap %q", c.Tap)
	}

	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// Level parses LogLevel.
func (c Config) Level() (slog.Level, error) {
	var lvl slog.Level
	if c.LogLevel == "" {
		return slog.LevelInfo, nil
	}
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("config: JUGGLER_LOG_LEVEL: %w", err)
	}
	return lvl, nil
}

// DebugExclusions splits DebugExclude into event names and domain names. ok
// is false when nothing was configured.
func (c Config) DebugExclusions() (events, domains []string, ok bool) {
	if strings.TrimSpace(c.DebugExclude) == "" {
		return nil, nil, false
	}
	for _, item := range strings.Split(c.DebugExclude, ",") {
		item = strings.TrimSpace(item)
		switch {
		case item == "":
		case strings.Contains(item, "."):
			events = append(events, item)
		default:
			domains = append(domains, item)
		}
	}
	return events, domains, true
}
