// Package config manages station daemon configuration using koanf/v2.
//
// Supports YAML files and environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete station configuration.
type Config struct {
	Listen  ListenConfig  `koanf:"listen"`
	Admin   AdminConfig   `koanf:"admin"`
	Metrics MetricsConfig `koanf:"metrics"`
	Log     LogConfig     `koanf:"log"`
	Station StationConfig `koanf:"station"`
	State   StateConfig   `koanf:"state"`
	Limits  LimitsConfig  `koanf:"limits"`
}

// ListenConfig holds the client-facing TCP listener configuration.
type ListenConfig struct {
	// Addr is the client listen address (e.g., ":9394"). All three
	// transports share this port.
	Addr string `koanf:"addr"`
}

// AdminConfig holds the admin HTTP API configuration.
type AdminConfig struct {
	// Addr is the admin listen address (e.g., "127.0.0.1:9395").
	Addr string `koanf:"addr"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g., ":9100").
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// StationConfig holds the station's own identity and peers.
type StationConfig struct {
	// ID is the station's identifier (e.g., "gsp@<address>").
	ID string `koanf:"id"`

	// Neighbor is the optional neighbor station identifier. Envelopes
	// addressed to it go through the forwarding hook.
	Neighbor string `koanf:"neighbor"`

	// KeyFile holds the station's base64 ed25519 private key (or seed)
	// used to sign receipts and handshake replies.
	KeyFile string `koanf:"key_file"`

	// AddressBook is the YAML identity directory: public keys and
	// group member lists.
	AddressBook string `koanf:"address_book"`
}

// StateConfig holds on-disk state locations.
type StateConfig struct {
	// Root is the state directory; mailboxes live under <root>/mailbox
	// and per-user documents under <root>/users.
	Root string `koanf:"root"`
}

// LimitsConfig holds protocol limits and windows.
type LimitsConfig struct {
	// IdleTimeout closes a connection with no traffic for this long.
	IdleTimeout time.Duration `koanf:"idle_timeout"`

	// ReplayWindow is how far an envelope's timestamp may deviate from
	// the station clock before the envelope is dropped.
	ReplayWindow time.Duration `koanf:"replay_window"`

	// GuestQueue bounds the mailbox-drain login backlog.
	GuestQueue int `koanf:"guest_queue"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Listen: ListenConfig{
			Addr: ":9394",
		},
		Admin: AdminConfig{
			Addr: "127.0.0.1:9395",
		},
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		State: StateConfig{
			Root: "/var/lib/dims",
		},
		Limits: LimitsConfig{
			IdleTimeout:  10 * time.Minute,
			ReplayWindow: 600 * time.Second,
			GuestQueue:   256,
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for station configuration.
// Variables are named DIMS_<section>_<key>, e.g., DIMS_LISTEN_ADDR.
const envPrefix = "DIMS_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (DIMS_ prefix), and merges on top of DefaultConfig().
// Missing fields inherit defaults.
//
// Environment variable mapping:
//
//	DIMS_LISTEN_ADDR   -> listen.addr
//	DIMS_ADMIN_ADDR    -> admin.addr
//	DIMS_METRICS_ADDR  -> metrics.addr
//	DIMS_METRICS_PATH  -> metrics.path
//	DIMS_LOG_LEVEL     -> log.level
//	DIMS_LOG_FORMAT    -> log.format
//	DIMS_STATE_ROOT    -> state.root
//
// Uses koanf/v2 with file + env providers and YAML parser.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Load defaults first.
	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	// Load YAML file on top of defaults.
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}

	// Load environment variable overrides on top of YAML.
	// DIMS_LISTEN_ADDR -> listen.addr (strip prefix, lowercase, _ -> .).
	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms DIMS_LISTEN_ADDR -> listen.addr.
// Strips the DIMS_ prefix, lowercases, and replaces _ with .
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "_", ".")
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"listen.addr":          defaults.Listen.Addr,
		"admin.addr":           defaults.Admin.Addr,
		"metrics.addr":         defaults.Metrics.Addr,
		"metrics.path":         defaults.Metrics.Path,
		"log.level":            defaults.Log.Level,
		"log.format":           defaults.Log.Format,
		"state.root":           defaults.State.Root,
		"limits.idle_timeout":  defaults.Limits.IdleTimeout.String(),
		"limits.replay_window": defaults.Limits.ReplayWindow.String(),
		"limits.guest_queue":   defaults.Limits.GuestQueue,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrEmptyListenAddr indicates the client listen address is empty.
	ErrEmptyListenAddr = errors.New("listen.addr must not be empty")

	// ErrEmptyStationID indicates no station identity is configured.
	ErrEmptyStationID = errors.New("station.id must not be empty")

	// ErrEmptyStateRoot indicates no state directory is configured.
	ErrEmptyStateRoot = errors.New("state.root must not be empty")

	// ErrInvalidIdleTimeout indicates a non-positive idle timeout.
	ErrInvalidIdleTimeout = errors.New("limits.idle_timeout must be > 0")

	// ErrInvalidReplayWindow indicates a non-positive replay window.
	ErrInvalidReplayWindow = errors.New("limits.replay_window must be > 0")

	// ErrInvalidGuestQueue indicates a non-positive guest queue size.
	ErrInvalidGuestQueue = errors.New("limits.guest_queue must be >= 1")
)

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if cfg.Listen.Addr == "" {
		return ErrEmptyListenAddr
	}

	if cfg.Station.ID == "" {
		return ErrEmptyStationID
	}

	if cfg.State.Root == "" {
		return ErrEmptyStateRoot
	}

	if cfg.Limits.IdleTimeout <= 0 {
		return ErrInvalidIdleTimeout
	}

	if cfg.Limits.ReplayWindow <= 0 {
		return ErrInvalidReplayWindow
	}

	if cfg.Limits.GuestQueue < 1 {
		return ErrInvalidGuestQueue
	}

	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
//
// Recognized values: "debug", "info", "warn", "error" (case-insensitive).
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
