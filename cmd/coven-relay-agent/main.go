// ABOUTME: Entry point for coven-relay-agent, the executor side of the relay
// ABOUTME: Connects to a relay, runs commands through the configured executor and streams results back

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/pflag"

	"github.com/2389/coven-relay/internal/agent"
	"github.com/2389/coven-relay/internal/logging"
)

var version = "dev"

type flags struct {
	configPath string
	server     string
	name       string
	logLevel   string
}

func parseFlags(args []string) (*flags, *pflag.FlagSet, error) {
	f := &flags{}
	fs := pflag.NewFlagSet("coven-relay-agent", pflag.ContinueOnError)
	fs.StringVarP(&f.configPath, "config", "c", "", "path to agent.toml (default $XDG_CONFIG_HOME/coven/agent.toml)")
	fs.StringVarP(&f.server, "server", "s", "", "relay websocket URL, e.g. ws://localhost:3001/ws")
	fs.StringVarP(&f.name, "name", "n", "", "client id reported to the relay")
	fs.StringVar(&f.logLevel, "log-level", "", "debug, info, warn or error")
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	return f, fs, nil
}

// loadConfig reads the file and lets explicitly set flags override it.
func loadConfig(f *flags, fs *pflag.FlagSet) (*Config, error) {
	path, required := f.configPath, true
	if path == "" {
		path, required = defaultConfigPath(), false
	}
	cfg, err := Load(path, required)
	if err != nil {
		return nil, err
	}

	if fs.Changed("server") {
		cfg.Server.URL = f.server
	}
	if fs.Changed("name") {
		cfg.Agent.Name = f.name
	}
	if fs.Changed("log-level") {
		cfg.Logging.Level = f.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func main() {
	f, fs, err := parseFlags(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	if err := run(f, fs); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(f *flags, fs *pflag.FlagSet) error {
	cfg, err := loadConfig(f, fs)
	if err != nil {
		return err
	}
	logger := logging.New(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cyan := color.New(color.FgCyan)
	cyan.Fprintf(os.Stderr, "coven-relay-agent %s\n", version)
	fmt.Fprintf(os.Stderr, "  relay:    %s\n", cfg.Server.URL)
	fmt.Fprintf(os.Stderr, "  name:     %s\n", cfg.Agent.Name)
	fmt.Fprintf(os.Stderr, "  executor: %s\n\n", cfg.Executor.Kind)

	client := agent.NewClient(agent.ClientConfig{
		URL:          cfg.Server.URL,
		Token:        cfg.Server.Token,
		ClientID:     cfg.Agent.Name,
		Version:      version,
		InitialDelay: cfg.Reconnect.InitialDelay.Duration,
		MaxDelay:     cfg.Reconnect.MaxDelay.Duration,
		MaxAttempts:  cfg.Reconnect.MaxAttempts,
	}, logger)

	runner := agent.NewRunner(agent.RunnerConfig{
		MaxConcurrent:     cfg.Agent.MaxConcurrent,
		CommandTimeout:    cfg.Agent.CommandTimeout.Duration,
		PermissionTimeout: cfg.Permissions.Timeout.Duration,
		GatedTools:        cfg.Permissions.GatedTools,
	}, cfg.NewExecutor(), client, logger)
	defer runner.Close()

	logger.Info("starting agent",
		"relay", cfg.Server.URL,
		"name", cfg.Agent.Name,
		"executor", cfg.Executor.Kind,
		"max_concurrent", cfg.Agent.MaxConcurrent,
	)
	if err := client.Run(ctx, runner); err != nil {
		return err
	}
	logger.Info("agent stopped")
	return nil
}
