// ABOUTME: Configuration loading for coven-relay-agent
// ABOUTME: Loads TOML config with ${VAR} expansion, applies defaults and validates

package main

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/2389/coven-relay/internal/agent"
	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/permission"
)

type Config struct {
	Server      ServerConfig      `toml:"server"`
	Agent       AgentConfig       `toml:"agent"`
	Executor    ExecutorConfig    `toml:"executor"`
	Permissions PermissionsConfig `toml:"permissions"`
	Reconnect   ReconnectConfig   `toml:"reconnect"`
	Logging     LoggingConfig     `toml:"logging"`
}

type ServerConfig struct {
	URL   string `toml:"url"`
	Token string `toml:"token"`
}

type AgentConfig struct {
	Name           string   `toml:"name"`
	MaxConcurrent  int      `toml:"max_concurrent"`
	CommandTimeout duration `toml:"command_timeout"`
}

type ExecutorConfig struct {
	Kind      string            `toml:"kind"`
	Command   string            `toml:"command"`
	Args      []string          `toml:"args"`
	PTY       bool              `toml:"pty"`
	Env       map[string]string `toml:"env"`
	Tool      string            `toml:"tool"`
	ChunkSize int               `toml:"chunk_size"`
}

type PermissionsConfig struct {
	Timeout    duration `toml:"timeout"`
	GatedTools []string `toml:"gated_tools"`
}

type ReconnectConfig struct {
	InitialDelay duration `toml:"initial_delay"`
	MaxDelay     duration `toml:"max_delay"`
	MaxAttempts  int      `toml:"max_attempts"`
}

type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

const (
	executorEcho    = "echo"
	executorProcess = "process"
)

// duration decodes TOML strings such as "30s" or "5m".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// defaultConfigPath is $XDG_CONFIG_HOME/coven/agent.toml or ~/.config/coven/agent.toml.
func defaultConfigPath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "agent.toml"
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "coven", "agent.toml")
}

// Load reads config from path. A missing file is an error only when required;
// otherwise the defaults are returned for flags to fill in.
func Load(path string, required bool) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if _, err := toml.Decode(config.ExpandEnv(string(data)), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	case errors.Is(err, fs.ErrNotExist) && !required:
	default:
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Agent.Name == "" {
		if host, err := os.Hostname(); err == nil {
			c.Agent.Name = host
		}
	}
	if c.Agent.CommandTimeout.Duration == 0 {
		c.Agent.CommandTimeout.Duration = agent.DefaultCommandTimeout
	}
	if c.Executor.Kind == "" {
		c.Executor.Kind = executorEcho
	}
	if c.Permissions.Timeout.Duration == 0 {
		c.Permissions.Timeout.Duration = permission.DefaultTimeout
	}
	if c.Reconnect.InitialDelay.Duration == 0 {
		c.Reconnect.InitialDelay.Duration = agent.DefaultInitialDelay
	}
	if c.Reconnect.MaxDelay.Duration == 0 {
		c.Reconnect.MaxDelay.Duration = agent.DefaultMaxDelay
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that required config fields are present and valid.
func (c *Config) Validate() error {
	if c.Server.URL == "" {
		return fmt.Errorf("server.url is required")
	}
	u, err := url.Parse(c.Server.URL)
	if err != nil {
		return fmt.Errorf("server.url is not a valid URL: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("server.url must use ws or wss scheme")
	}
	if c.Agent.MaxConcurrent < 0 {
		return fmt.Errorf("agent.max_concurrent must not be negative")
	}
	switch c.Executor.Kind {
	case executorEcho:
	case executorProcess:
		if c.Executor.Command == "" {
			return fmt.Errorf("executor.command is required for the process executor")
		}
	default:
		return fmt.Errorf("executor.kind must be %q or %q, got %q", executorEcho, executorProcess, c.Executor.Kind)
	}
	if c.Reconnect.MaxAttempts < 0 {
		return fmt.Errorf("reconnect.max_attempts must not be negative")
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("logging.format must be text or json")
	}
	return nil
}

// NewExecutor builds the configured executor.
func (c *Config) NewExecutor() agent.Executor {
	if c.Executor.Kind == executorProcess {
		env := make([]string, 0, len(c.Executor.Env))
		for k, v := range c.Executor.Env {
			env = append(env, k+"="+v)
		}
		slices.Sort(env)
		return &agent.ProcessExecutor{
			Command: c.Executor.Command,
			Args:    c.Executor.Args,
			Env:     env,
			PTY:     c.Executor.PTY,
			Tool:    c.Executor.Tool,
		}
	}
	return &agent.EchoExecutor{ChunkSize: c.Executor.ChunkSize, Tool: c.Executor.Tool}
}
