// Package config loads the negotiation client configuration.
//
// Values are resolved in three layers: built-in defaults, an optional YAML
// file, then NEGOTIATE_* environment variables. Out-of-range values are
// logged and replaced by their defaults rather than rejected, so a bad
// override never prevents the client from starting. Only a malformed server
// URL or an unreadable file is an error.
//
// # Environment Variables
//
//   - NEGOTIATE_SERVER_URL: ws:// or wss:// endpoint of the messaging server
//   - NEGOTIATE_ORIGIN: handshake origin, derived from the URL when empty
//   - NEGOTIATE_TOKEN: bearer token presented on authentication
//   - NEGOTIATE_SIMULATION: "true" to run against an in-memory channel
//   - NEGOTIATE_HISTORY_PAGE_SIZE: messages per history request
//   - NEGOTIATE_MAX_RETRIES: outbox retry ceiling
//   - NEGOTIATE_RETRY_BACKOFF: base wait between retries of one entry
//   - NEGOTIATE_TYPING_TIMEOUT: typing presence lifetime
//   - NEGOTIATE_RECONNECT_ATTEMPTS, NEGOTIATE_RECONNECT_DELAY
//   - NEGOTIATE_REQUEST_TIMEOUT, NEGOTIATE_FRAMES_PER_SECOND
//   - NEGOTIATE_OUTBOX_PATH: sqlite file, in-memory store when empty
//   - NEGOTIATE_OUTBOX_RETENTION_DAYS, NEGOTIATE_DRAIN_INTERVAL
//   - NEGOTIATE_LOG_LEVEL: logrus level name
//
// Durations use time.ParseDuration syntax in both the file and the
// environment.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/jenniferdsbaumgart/Texlink-sub001/channel"
	"github.com/jenniferdsbaumgart/Texlink-sub001/limits"
	"github.com/jenniferdsbaumgart/Texlink-sub001/outbox"
	"github.com/jenniferdsbaumgart/Texlink-sub001/session"
	"github.com/jenniferdsbaumgart/Texlink-sub001/typing"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "NEGOTIATE_"

// Validation bounds.
const (
	MinRetries           = 1
	MaxRetries           = 20
	MinTypingTimeout     = 500 * time.Millisecond
	MaxTypingTimeout     = time.Minute
	MaxReconnectAttempts = 100
	MinDuration          = 100 * time.Millisecond
	MaxDuration          = 10 * time.Minute
	MaxFramesPerSecond   = 1000
	MaxRetentionDays     = 365
)

// ErrInvalidServerURL indicates a server URL that is not a websocket URL.
var ErrInvalidServerURL = errors.New("invalid server url")

// Config is the client configuration.
type Config struct {
	ServerURL  string `yaml:"server_url" env:"SERVER_URL"`
	Origin     string `yaml:"origin" env:"ORIGIN"`
	Token      string `yaml:"-" env:"TOKEN"`
	Simulation bool   `yaml:"simulation" env:"SIMULATION"`

	HistoryPageSize int           `yaml:"history_page_size" env:"HISTORY_PAGE_SIZE"`
	MaxRetries      int           `yaml:"max_retries" env:"MAX_RETRIES"`
	RetryBackoff    time.Duration `yaml:"retry_backoff" env:"RETRY_BACKOFF"`
	TypingTimeout   time.Duration `yaml:"typing_timeout" env:"TYPING_TIMEOUT"`

	ReconnectAttempts int           `yaml:"reconnect_attempts" env:"RECONNECT_ATTEMPTS"`
	ReconnectDelay    time.Duration `yaml:"reconnect_delay" env:"RECONNECT_DELAY"`
	RequestTimeout    time.Duration `yaml:"request_timeout" env:"REQUEST_TIMEOUT"`
	FramesPerSecond   float64       `yaml:"frames_per_second" env:"FRAMES_PER_SECOND"`

	// OutboxPath is the sqlite database holding undelivered messages. Empty
	// keeps the outbox in memory only.
	OutboxPath          string        `yaml:"outbox_path" env:"OUTBOX_PATH"`
	OutboxRetentionDays int           `yaml:"outbox_retention_days" env:"OUTBOX_RETENTION_DAYS"`
	DrainInterval       time.Duration `yaml:"drain_interval" env:"DRAIN_INTERVAL"`

	LogLevel string `yaml:"log_level" env:"LOG_LEVEL"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		HistoryPageSize:     limits.DefaultPageSize,
		MaxRetries:          outbox.DefaultMaxRetries,
		RetryBackoff:        outbox.DefaultRetryBackoff,
		TypingTimeout:       typing.DefaultTimeout,
		ReconnectAttempts:   channel.DefaultReconnectAttempts,
		ReconnectDelay:      channel.DefaultReconnectDelay,
		RequestTimeout:      channel.DefaultRequestTimeout,
		FramesPerSecond:     channel.DefaultFramesPerSecond,
		OutboxRetentionDays: outbox.DefaultRetentionDays,
		DrainInterval:       5 * time.Second,
		LogLevel:            "info",
	}
}

// Load resolves the configuration from path, which may be empty, and the
// environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logConfigurationInfo(cfg, path)
	return cfg, nil
}

// LoadFile overlays the YAML file at path. Keys absent from the file keep
// their current values.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overlays the NEGOTIATE_* environment variables that are set.
func (c *Config) ApplyEnv() error {
	if err := env.ParseWithOptions(c, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Validate resets out-of-range values to their defaults, logging each one,
// and checks the server URL.
func (c *Config) Validate() error {
	def := Default()

	c.HistoryPageSize = clampInt("history_page_size", c.HistoryPageSize, 1, limits.MaxPageSize, def.HistoryPageSize)
	c.MaxRetries = clampInt("max_retries", c.MaxRetries, MinRetries, MaxRetries, def.MaxRetries)
	c.ReconnectAttempts = clampInt("reconnect_attempts", c.ReconnectAttempts, 1, MaxReconnectAttempts, def.ReconnectAttempts)
	c.OutboxRetentionDays = clampInt("outbox_retention_days", c.OutboxRetentionDays, 1, MaxRetentionDays, def.OutboxRetentionDays)

	c.RetryBackoff = clampDuration("retry_backoff", c.RetryBackoff, 0, outbox.MaxRetryBackoff, def.RetryBackoff)
	c.TypingTimeout = clampDuration("typing_timeout", c.TypingTimeout, MinTypingTimeout, MaxTypingTimeout, def.TypingTimeout)
	c.ReconnectDelay = clampDuration("reconnect_delay", c.ReconnectDelay, MinDuration, MaxDuration, def.ReconnectDelay)
	c.RequestTimeout = clampDuration("request_timeout", c.RequestTimeout, MinDuration, MaxDuration, def.RequestTimeout)
	c.DrainInterval = clampDuration("drain_interval", c.DrainInterval, MinDuration, MaxDuration, def.DrainInterval)

	if c.FramesPerSecond <= 0 || c.FramesPerSecond > MaxFramesPerSecond {
		warnOutOfBounds("frames_per_second", c.FramesPerSecond, 0, MaxFramesPerSecond, def.FramesPerSecond)
		c.FramesPerSecond = def.FramesPerSecond
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		warnOutOfBounds("log_level", c.LogLevel, "panic", "trace", def.LogLevel)
		c.LogLevel = def.LogLevel
	}

	if c.Simulation {
		return nil
	}
	u, err := url.Parse(c.ServerURL)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidServerURL, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("%w: %q must use ws or wss", ErrInvalidServerURL, c.ServerURL)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: %q has no host", ErrInvalidServerURL, c.ServerURL)
	}
	return nil
}

// ApplyLogLevel sets the global logrus level.
func (c *Config) ApplyLogLevel() {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return
	}
	logrus.SetLevel(level)
}

// SessionOptions returns the session tuning described by c.
func (c *Config) SessionOptions() *session.Options {
	opts := session.NewOptions()
	opts.HistoryPageSize = c.HistoryPageSize
	opts.MaxRetries = c.MaxRetries
	opts.RetryBackoff = c.RetryBackoff
	opts.RetentionDays = c.OutboxRetentionDays
	opts.TypingTimeout = c.TypingTimeout
	opts.DrainInterval = c.DrainInterval
	return opts
}

// WebSocketConfig returns the channel settings described by c.
func (c *Config) WebSocketConfig() channel.WebSocketConfig {
	return channel.WebSocketConfig{
		URL:               c.ServerURL,
		Origin:            c.Origin,
		RequestTimeout:    c.RequestTimeout,
		ReconnectAttempts: c.ReconnectAttempts,
		ReconnectDelay:    c.ReconnectDelay,
		FramesPerSecond:   c.FramesPerSecond,
	}
}

func clampInt(name string, value, min, max, fallback int) int {
	if value < min || value > max {
		warnOutOfBounds(name, value, min, max, fallback)
		return fallback
	}
	return value
}

func clampDuration(name string, value, min, max, fallback time.Duration) time.Duration {
	if value < min || value > max {
		warnOutOfBounds(name, value, min, max, fallback)
		return fallback
	}
	return value
}

func warnOutOfBounds(name string, value, min, max, fallback any) {
	logrus.WithFields(logrus.Fields{
		"function":    "Validate",
		"setting":     name,
		"value":       value,
		"min":         min,
		"max":         max,
		"using_value": fallback,
	}).Warn("Configuration value out of bounds, using default")
}

func logConfigurationInfo(c *Config, path string) {
	logrus.WithFields(logrus.Fields{
		"function":           "Load",
		"config_file":        path,
		"server_url":         c.ServerURL,
		"simulation":         c.Simulation,
		"history_page_size":  c.HistoryPageSize,
		"max_retries":        c.MaxRetries,
		"typing_timeout":     c.TypingTimeout,
		"reconnect_attempts": c.ReconnectAttempts,
		"outbox_path":        c.OutboxPath,
	}).Info("Loaded client configuration")
}
