// ABOUTME: Configuration loading and parsing for the messaging client.
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing.

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete client configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Realtime RealtimeConfig `yaml:"realtime"`
	Typing   TypingConfig   `yaml:"typing"`
	Unread   UnreadConfig   `yaml:"unread"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig locates the REST backend.
type ServerConfig struct {
	BaseURL string `yaml:"base_url"`
}

// RealtimeConfig holds the realtime channel settings.
type RealtimeConfig struct {
	URL               string `yaml:"url"`
	ReconnectAttempts int    `yaml:"reconnect_attempts"`

	ReconnectDelay time.Duration `yaml:"-"`
	SendAckTimeout time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	ReconnectDelayRaw string `yaml:"reconnect_delay"`
	SendAckTimeoutRaw string `yaml:"send_ack_timeout"`
}

// TypingConfig holds the typing indicator windows.
type TypingConfig struct {
	Idle   time.Duration `yaml:"-"`
	Expiry time.Duration `yaml:"-"`

	IdleRaw   string `yaml:"idle"`
	ExpiryRaw string `yaml:"expiry"`
}

// UnreadConfig holds the unread badge polling settings.
type UnreadConfig struct {
	PollInterval     time.Duration `yaml:"-"`
	ReadReceiptDelay time.Duration `yaml:"-"`

	PollIntervalRaw     string `yaml:"poll_interval"`
	ReadReceiptDelayRaw string `yaml:"read_receipt_delay"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed
// Config. Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable values. An unset variable expands to the empty
// string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and
// valid. Returns an error describing the first validation failure
// encountered.
func (c *Config) Validate() error {
	if c.Server.BaseURL == "" {
		return fmt.Errorf("server.base_url is required")
	}
	if c.Realtime.URL == "" {
		return fmt.Errorf("realtime.url is required")
	}
	if c.Realtime.ReconnectAttempts < 0 {
		return fmt.Errorf("realtime.reconnect_attempts must not be negative")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration
// values.
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"realtime.reconnect_delay", cfg.Realtime.ReconnectDelayRaw, &cfg.Realtime.ReconnectDelay},
		{"realtime.send_ack_timeout", cfg.Realtime.SendAckTimeoutRaw, &cfg.Realtime.SendAckTimeout},
		{"typing.idle", cfg.Typing.IdleRaw, &cfg.Typing.Idle},
		{"typing.expiry", cfg.Typing.ExpiryRaw, &cfg.Typing.Expiry},
		{"unread.poll_interval", cfg.Unread.PollIntervalRaw, &cfg.Unread.PollInterval},
		{"unread.read_receipt_delay", cfg.Unread.ReadReceiptDelayRaw, &cfg.Unread.ReadReceiptDelay},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
