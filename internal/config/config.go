// ABOUTME: Configuration loading and parsing for coven-relay
// ABOUTME: Supports YAML files with environment variable expansion, duration parsing and defaults

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete coven-relay configuration
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Tailscale   TailscaleConfig   `yaml:"tailscale"`
	Database    DatabaseConfig    `yaml:"database"`
	Auth        AuthConfig        `yaml:"auth"`
	Sessions    SessionsConfig    `yaml:"sessions"`
	Connections ConnectionsConfig `yaml:"connections"`
	Logging     LoggingConfig     `yaml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Tracing     TracingConfig     `yaml:"tracing"`
}

// ServerConfig holds the HTTP/websocket listener settings
type ServerConfig struct {
	HTTPAddr        string          `yaml:"http_addr"`
	AllowedOrigins  []string        `yaml:"allowed_origins"`
	MaxMessageBytes int64           `yaml:"max_message_bytes"`
	RateLimit       RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig bounds inbound messages per connection
type RateLimitConfig struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
	HTTPS     bool   `yaml:"https"`
	Funnel    bool   `yaml:"funnel"` // public Funnel, implies HTTPS
}

// DatabaseConfig holds the session archive location. Empty disables the archive.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// SessionsConfig controls session retention and command timeouts
type SessionsConfig struct {
	MaxAge          time.Duration `yaml:"-"`
	CleanupInterval time.Duration `yaml:"-"`
	CommandTimeout  time.Duration `yaml:"-"`
	BackstopGrace   time.Duration `yaml:"-"`
	MaxSessions     int           `yaml:"max_sessions"`
	KeepCompleted   int           `yaml:"keep_completed"`
	KeepError       int           `yaml:"keep_error"`

	// Raw string values for YAML unmarshaling
	MaxAgeRaw          string `yaml:"max_age"`
	CleanupIntervalRaw string `yaml:"cleanup_interval"`
	CommandTimeoutRaw  string `yaml:"command_timeout"`
	BackstopGraceRaw   string `yaml:"backstop_grace"`
}

// ConnectionsConfig holds connection lifecycle timing
type ConnectionsConfig struct {
	AuthTimeout       time.Duration `yaml:"-"`
	HeartbeatInterval time.Duration `yaml:"-"`
	StaleThreshold    time.Duration `yaml:"-"`

	AuthTimeoutRaw       string `yaml:"auth_timeout"`
	HeartbeatIntervalRaw string `yaml:"heartbeat_interval"`
	StaleThresholdRaw    string `yaml:"stale_threshold"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// TracingConfig toggles the stdout span exporter
type TracingConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Defaults
const (
	DefaultHTTPAddr          = "0.0.0.0:3001"
	DefaultMaxMessageBytes   = 1 << 20
	DefaultRatePerSecond     = 50
	DefaultRateBurst         = 100
	DefaultAuthTimeout       = 10 * time.Second
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultStaleThreshold    = 60 * time.Second
	DefaultMaxAge            = time.Hour
	DefaultMaxSessions       = 1000
	DefaultCleanupInterval   = 5 * time.Minute
	DefaultKeepCompleted     = 100
	DefaultKeepError         = 50
	DefaultCommandTimeout    = 5 * time.Minute
	DefaultBackstopGrace     = 30 * time.Second
	DefaultMetricsPath       = "/metrics"

	minSecretLength = 32
)

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML config bytes, applies defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Path returns the config file location.
// Priority: COVEN_RELAY_CONFIG env var > XDG_CONFIG_HOME/coven/relay.yaml > ~/.config/coven/relay.yaml
func Path() string {
	if envPath := os.Getenv("COVEN_RELAY_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(".config", "coven", "relay.yaml")
		}
		configDir = filepath.Join(home, ".config")
	}
	return filepath.Join(configDir, "coven", "relay.yaml")
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// ExpandEnv exposes the ${VAR} expansion for other config formats.
func ExpandEnv(s string) string {
	return expandEnvVars(s)
}

func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" && !c.Tailscale.Enabled {
		c.Server.HTTPAddr = DefaultHTTPAddr
	}
	if c.Server.MaxMessageBytes == 0 {
		c.Server.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if c.Server.RateLimit.PerSecond == 0 {
		c.Server.RateLimit.PerSecond = DefaultRatePerSecond
	}
	if c.Server.RateLimit.Burst == 0 {
		c.Server.RateLimit.Burst = DefaultRateBurst
	}

	setDuration(&c.Connections.AuthTimeout, DefaultAuthTimeout)
	setDuration(&c.Connections.HeartbeatInterval, DefaultHeartbeatInterval)
	setDuration(&c.Connections.StaleThreshold, DefaultStaleThreshold)

	setDuration(&c.Sessions.MaxAge, DefaultMaxAge)
	setDuration(&c.Sessions.CleanupInterval, DefaultCleanupInterval)
	setDuration(&c.Sessions.CommandTimeout, DefaultCommandTimeout)
	setDuration(&c.Sessions.BackstopGrace, DefaultBackstopGrace)
	if c.Sessions.MaxSessions == 0 {
		c.Sessions.MaxSessions = DefaultMaxSessions
	}
	if c.Sessions.KeepCompleted == 0 {
		c.Sessions.KeepCompleted = DefaultKeepCompleted
	}
	if c.Sessions.KeepError == 0 {
		c.Sessions.KeepError = DefaultKeepError
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
}

func setDuration(d *time.Duration, def time.Duration) {
	if *d == 0 {
		*d = def
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < minSecretLength {
		return fmt.Errorf("auth.jwt_secret must be at least %d bytes", minSecretLength)
	}

	if c.Server.MaxMessageBytes < 0 {
		return fmt.Errorf("server.max_message_bytes must not be negative")
	}
	if c.Server.RateLimit.PerSecond < 0 || c.Server.RateLimit.Burst < 0 {
		return fmt.Errorf("server.rate_limit values must not be negative")
	}
	if c.Sessions.MaxSessions < 0 || c.Sessions.KeepCompleted < 0 || c.Sessions.KeepError < 0 {
		return fmt.Errorf("sessions limits must not be negative")
	}
	if c.Connections.StaleThreshold <= c.Connections.HeartbeatInterval {
		return fmt.Errorf("connections.stale_threshold (%s) must exceed heartbeat_interval (%s)",
			c.Connections.StaleThreshold, c.Connections.HeartbeatInterval)
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
		{"sessions.max_age", cfg.Sessions.MaxAgeRaw, &cfg.Sessions.MaxAge},
		{"sessions.cleanup_interval", cfg.Sessions.CleanupIntervalRaw, &cfg.Sessions.CleanupInterval},
		{"sessions.command_timeout", cfg.Sessions.CommandTimeoutRaw, &cfg.Sessions.CommandTimeout},
		{"sessions.backstop_grace", cfg.Sessions.BackstopGraceRaw, &cfg.Sessions.BackstopGrace},
		{"connections.auth_timeout", cfg.Connections.AuthTimeoutRaw, &cfg.Connections.AuthTimeout},
		{"connections.heartbeat_interval", cfg.Connections.HeartbeatIntervalRaw, &cfg.Connections.HeartbeatInterval},
		{"connections.stale_threshold", cfg.Connections.StaleThresholdRaw, &cfg.Connections.StaleThreshold},
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
			return fmt.Errorf("%s must be positive, got %q", f.name, f.raw)
		}
		*f.dst = d
	}

	return nil
}
