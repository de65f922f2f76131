// ABOUTME: Configuration loading and parsing for coven-messenger
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config represents the complete coven-messenger configuration
type Config struct {
	Server   ServerConfig   `yaml:"server" toml:"server"`
	Database DatabaseConfig `yaml:"database" toml:"database"`
	Auth     AuthConfig     `yaml:"auth" toml:"auth"`
	Realtime RealtimeConfig `yaml:"realtime" toml:"realtime"`
	Messages MessagesConfig `yaml:"messages" toml:"messages"`
	Logging  LoggingConfig  `yaml:"logging" toml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// RealtimeConfig holds the timing and flow-control knobs of live connections
type RealtimeConfig struct {
	IdleTimeout       time.Duration `yaml:"-" toml:"-"`
	KeepaliveInterval time.Duration `yaml:"-" toml:"-"`
	WriteTimeout      time.Duration `yaml:"-" toml:"-"`
	HandlerTimeout    time.Duration `yaml:"-" toml:"-"`
	DedupeTTL         time.Duration `yaml:"-" toml:"-"`

	MaxMissedProbes  int     `yaml:"max_missed_probes" toml:"max_missed_probes"`
	SendBuffer       int     `yaml:"send_buffer" toml:"send_buffer"`
	MaxFrameBytes    int64   `yaml:"max_frame_bytes" toml:"max_frame_bytes"`
	FrameRate        float64 `yaml:"frame_rate" toml:"frame_rate"`
	FrameBurst       int     `yaml:"frame_burst" toml:"frame_burst"`
	DedupeMaxEntries int     `yaml:"dedupe_max_entries" toml:"dedupe_max_entries"`

	// Raw string values for unmarshaling
	IdleTimeoutRaw       string `yaml:"idle_timeout" toml:"idle_timeout"`
	KeepaliveIntervalRaw string `yaml:"keepalive_interval" toml:"keepalive_interval"`
	WriteTimeoutRaw      string `yaml:"write_timeout" toml:"write_timeout"`
	HandlerTimeoutRaw    string `yaml:"handler_timeout" toml:"handler_timeout"`
	DedupeTTLRaw         string `yaml:"dedupe_ttl" toml:"dedupe_ttl"`
}

// MessagesConfig bounds message content and listing pages
type MessagesConfig struct {
	MaxContentLength int `yaml:"max_content_length" toml:"max_content_length"`
	DefaultPageSize  int `yaml:"default_page_size" toml:"default_page_size"`
	MaxPageSize      int `yaml:"max_page_size" toml:"max_page_size"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Defaults used when a field is left empty.
const (
	DefaultHTTPAddr          = "localhost:8080"
	DefaultIdleTimeout       = 60 * time.Second
	DefaultKeepaliveInterval = 25 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultHandlerTimeout    = 5 * time.Second
	DefaultDedupeTTL         = 5 * time.Minute
	DefaultMaxMissedProbes   = 3
	DefaultSendBuffer        = 64
	DefaultMaxFrameBytes     = 64 * 1024
	DefaultFrameRate         = 20
	DefaultFrameBurst        = 40
	DefaultDedupeMaxEntries  = 100000
	DefaultMaxContentLength  = 4000
	DefaultPageSize          = 50
	DefaultMaxPageSize       = 200
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded before decoding.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if p := os.Getenv("COVEN_MESSENGER_DB_PATH"); p != "" {
		cfg.Database.Path = p
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// ApplyDefaults fills every zero-valued tunable with its default.
func (c *Config) ApplyDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = DefaultHTTPAddr
	}

	rt := &c.Realtime
	if rt.IdleTimeout == 0 {
		rt.IdleTimeout = DefaultIdleTimeout
	}
	if rt.KeepaliveInterval == 0 {
		rt.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if rt.WriteTimeout == 0 {
		rt.WriteTimeout = DefaultWriteTimeout
	}
	if rt.HandlerTimeout == 0 {
		rt.HandlerTimeout = DefaultHandlerTimeout
	}
	if rt.DedupeTTL == 0 {
		rt.DedupeTTL = DefaultDedupeTTL
	}
	if rt.MaxMissedProbes == 0 {
		rt.MaxMissedProbes = DefaultMaxMissedProbes
	}
	if rt.SendBuffer == 0 {
		rt.SendBuffer = DefaultSendBuffer
	}
	if rt.MaxFrameBytes == 0 {
		rt.MaxFrameBytes = DefaultMaxFrameBytes
	}
	if rt.FrameRate == 0 {
		rt.FrameRate = DefaultFrameRate
	}
	if rt.FrameBurst == 0 {
		rt.FrameBurst = DefaultFrameBurst
	}
	if rt.DedupeMaxEntries == 0 {
		rt.DedupeMaxEntries = DefaultDedupeMaxEntries
	}

	if c.Messages.MaxContentLength == 0 {
		c.Messages.MaxContentLength = DefaultMaxContentLength
	}
	if c.Messages.DefaultPageSize == 0 {
		c.Messages.DefaultPageSize = DefaultPageSize
	}
	if c.Messages.MaxPageSize == 0 {
		c.Messages.MaxPageSize = DefaultMaxPageSize
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return errors.New("server.http_addr is required")
	}
	if c.Database.Path == "" {
		return errors.New("database.path is required")
	}
	if c.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is required")
	}
	if len(c.Auth.JWTSecret) < 32 {
		return errors.New("auth.jwt_secret must be at least 32 bytes")
	}

	rt := c.Realtime
	if rt.KeepaliveInterval >= rt.IdleTimeout {
		return fmt.Errorf("realtime.keepalive_interval (%s) must be shorter than realtime.idle_timeout (%s)",
			rt.KeepaliveInterval, rt.IdleTimeout)
	}
	if rt.MaxMissedProbes < 2 {
		return errors.New("realtime.max_missed_probes must be at least 2")
	}
	if rt.SendBuffer < 1 {
		return errors.New("realtime.send_buffer must be positive")
	}
	if rt.FrameRate < 0 || rt.FrameBurst < 1 {
		return errors.New("realtime.frame_rate must be non-negative and realtime.frame_burst positive")
	}

	m := c.Messages
	if m.MaxContentLength < 1 {
		return errors.New("messages.max_content_length must be positive")
	}
	if m.DefaultPageSize > m.MaxPageSize {
		return fmt.Errorf("messages.default_page_size (%d) exceeds messages.max_page_size (%d)",
			m.DefaultPageSize, m.MaxPageSize)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not one of text, json", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"idle_timeout", cfg.Realtime.IdleTimeoutRaw, &cfg.Realtime.IdleTimeout},
		{"keepalive_interval", cfg.Realtime.KeepaliveIntervalRaw, &cfg.Realtime.KeepaliveInterval},
		{"write_timeout", cfg.Realtime.WriteTimeoutRaw, &cfg.Realtime.WriteTimeout},
		{"handler_timeout", cfg.Realtime.HandlerTimeoutRaw, &cfg.Realtime.HandlerTimeout},
		{"dedupe_ttl", cfg.Realtime.DedupeTTLRaw, &cfg.Realtime.DedupeTTL},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d <= 0 {
			return fmt.Errorf("parsing %s %q: must be positive", f.name, f.raw)
		}
		*f.dst = d
	}

	return nil
}
