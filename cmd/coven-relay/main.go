// ABOUTME: Entry point for the coven-relay server
// ABOUTME: Serves the websocket relay and HTTP API, plus local helper commands

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"github.com/2389/coven-relay/internal/auth"
	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/gateway"
	"github.com/2389/coven-relay/internal/logging"
	"github.com/2389/coven-relay/internal/protocol"
)

// version is set by goreleaser at build time.
var version = "dev"

const banner = `
                                                   _
  ___ _____   _____ _ __        _ __ ___| | __ _ _   _
 / __/ _ \ \ / / _ \ '_ \ _____| '__/ _ \ |/ _' | | | |
| (_| (_) \ V /  __/ | | |_____| | |  __/ | (_| | |_| |
 \___\___/ \_/ \___|_| |_|     |_|  \___|_|\__,_|\__, |
                                                 |___/
`

// getDataPath returns the coven data directory.
// Priority: XDG_DATA_HOME/coven > ~/.local/share/coven
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}
	return filepath.Join(dataDir, "coven")
}

func usage() {
	fmt.Println("Usage: coven-relay <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                  Start the relay server")
	fmt.Println("  init                   Create a new config file interactively")
	fmt.Println("  token --subject NAME   Mint a signed client token")
	fmt.Println("  health                 Check relay health")
	fmt.Println("  agents                 List connected agents")
	fmt.Println("  stats                  Show session statistics")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "token":
		err = runToken(os.Args[2:])
	case "health":
		err = runHealth(ctx)
	case "agents":
		err = runAgents(ctx)
	case "stats":
		err = runStats(ctx)
	case "-h", "--help", "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := config.Path()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := logging.New(cfg.Logging.Level, cfg.Logging.Format, os.Stdout)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	if cfg.Database.Path != "" {
		fmt.Printf("Archive:   %s\n", cfg.Database.Path)
	} else {
		fmt.Printf("Archive:   ")
		gray.Println("disabled")
	}
	green.Print("    ▶ ")
	fmt.Printf("Auth:      ")
	if cfg.Auth.JWTSecret != "" {
		fmt.Println("jwt")
	} else {
		yellow.Println("open")
	}
	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Print(" [funnel]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}
	fmt.Println()

	logger.Info("starting coven-relay",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"version", version,
	)

	gateway.Version = version
	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}
	return gw.Run(ctx)
}

// runToken mints an HS256 token signed with the configured jwt_secret.
func runToken(args []string) error {
	fs := pflag.NewFlagSet("token", pflag.ContinueOnError)
	subject := fs.StringP("subject", "s", "", "token subject (client name)")
	role := fs.StringP("role", "r", "", "restrict the token to web, agent or admin")
	ttl := fs.Duration("ttl", 30*24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}

	*subject = strings.TrimSpace(*subject)
	if *subject == "" {
		*subject = uuid.NewString()
	}
	switch *role {
	case "", auth.RoleWeb, auth.RoleAgent, auth.RoleAdmin:
	default:
		return fmt.Errorf("unknown role %q (want web, agent or admin)", *role)
	}

	cfg, err := config.Load(config.Path())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is not configured in %s", config.Path())
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return fmt.Errorf("creating JWT verifier: %w", err)
	}
	token, err := verifier.Generate(*subject, *role, *ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	fmt.Println(token)
	gray := color.New(color.FgHiBlack)
	gray.Fprintf(os.Stderr, "subject %s, expires %s\n", *subject, time.Now().Add(*ttl).UTC().Format("Jan 02, 2006"))
	return nil
}

// localClient builds requests against the configured listener, authenticating
// with a short-lived admin token when a jwt_secret is set.
type localClient struct {
	base  string
	token string
}

func newLocalClient() (*localClient, error) {
	cfg, err := config.Load(config.Path())
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if cfg.Server.HTTPAddr == "" {
		return nil, fmt.Errorf("server.http_addr is not set; the relay is only reachable over tailscale")
	}

	host, port, err := net.SplitHostPort(cfg.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("parsing http_addr: %w", err)
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	c := &localClient{base: "http://" + net.JoinHostPort(host, port)}

	if cfg.Auth.JWTSecret != "" {
		verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			return nil, fmt.Errorf("creating JWT verifier: %w", err)
		}
		if c.token, err = verifier.Generate("coven-relay-cli", auth.RoleAdmin, time.Minute); err != nil {
			return nil, fmt.Errorf("generating token: %w", err)
		}
	}
	return c, nil
}

func (c *localClient) get(ctx context.Context, path string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("creating request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("reading response: %w", err)
	}
	return resp.StatusCode, body, nil
}

func runHealth(ctx context.Context) error {
	c, err := newLocalClient()
	if err != nil {
		return err
	}
	status, _, err := c.get(ctx, "/health")
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", status)
	}
	fmt.Println("healthy")
	return nil
}

func runAgents(ctx context.Context) error {
	c, err := newLocalClient()
	if err != nil {
		return err
	}
	status, body, err := c.get(ctx, "/api/connections")
	if err != nil {
		return fmt.Errorf("listing connections: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("listing connections: status %d: %s", status, strings.TrimSpace(string(body)))
	}

	var conns []gateway.ConnectionInfo
	if err := json.Unmarshal(body, &conns); err != nil {
		return fmt.Errorf("decoding connections: %w", err)
	}

	green := color.New(color.FgGreen)
	gray := color.New(color.FgHiBlack)
	found := 0
	for _, conn := range conns {
		if conn.Type != protocol.ClientAgent {
			continue
		}
		found++
		state := "unknown"
		var sessions []string
		if conn.Agent != nil {
			state = conn.Agent.Status
			sessions = conn.Agent.CurrentSessions
		}
		green.Printf("  ● %s", conn.ClientID)
		gray.Printf(" (%s)", conn.ID)
		fmt.Printf("  %s", state)
		if len(sessions) > 0 {
			fmt.Printf("  sessions: %s", strings.Join(sessions, ", "))
		}
		fmt.Println()
	}
	if found == 0 {
		fmt.Println("no agents connected")
	}
	return nil
}

func runStats(ctx context.Context) error {
	c, err := newLocalClient()
	if err != nil {
		return err
	}
	status, body, err := c.get(ctx, "/api/stats")
	if err != nil {
		return fmt.Errorf("fetching stats: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("fetching stats: status %d: %s", status, strings.TrimSpace(string(body)))
	}

	var st gateway.StatsResponse
	if err := json.Unmarshal(body, &st); err != nil {
		return fmt.Errorf("decoding stats: %w", err)
	}
	fmt.Printf("Connections:  %d (%d web, %d agents)\n", st.Connections.Total, st.Connections.Web, st.Connections.Agents)
	fmt.Printf("Sessions:     %d live, %d in history\n", st.LiveSessions, st.HistoryLength)
	fmt.Printf("Active:       %d\n", st.ActiveSessions)
	fmt.Printf("Completed:    %d\n", st.CompletedSessions)
	fmt.Printf("Errors:       %d\n", st.ErrorSessions)
	fmt.Printf("Commands:     %d\n", st.TotalCommands)
	fmt.Printf("Success rate: %.1f%%\n", st.SuccessRate*100)
	fmt.Printf("Avg duration: %s\n", time.Duration(st.AverageDuration*float64(time.Millisecond)).Round(time.Millisecond))
	return nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("coven-relay configuration setup")
	fmt.Println("===============================")
	fmt.Println()

	defaultDbPath := filepath.Join(getDataPath(), "relay.db")
	outputFile := prompt(reader, "Config file path", config.Path())

	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if !yes(overwrite) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Server Configuration ---")
	httpAddr := prompt(reader, "HTTP address", config.DefaultHTTPAddr)
	origins := prompt(reader, "Allowed browser origins (comma separated, empty for any)", "")

	fmt.Println("\n--- Session Archive ---")
	dbPath := prompt(reader, "SQLite archive path (\"none\" to disable)", defaultDbPath)
	if dbPath == "none" {
		dbPath = ""
	}

	fmt.Println("\n--- Authentication ---")
	var jwtSecret string
	if yes(prompt(reader, "Require signed tokens?", "yes")) {
		secret := make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return fmt.Errorf("generating JWT secret: %w", err)
		}
		jwtSecret = base64.StdEncoding.EncodeToString(secret)
	}

	fmt.Println("\n--- Tailscale Configuration ---")
	tailscaleEnabled := yes(prompt(reader, "Enable Tailscale?", "no"))
	var tsHostname, tsAuthKey string
	var tsEphemeral, tsFunnel bool
	if tailscaleEnabled {
		tsHostname = prompt(reader, "Tailscale hostname", "coven-relay")
		tsAuthKey = prompt(reader, "Tailscale auth key (leave empty for interactive)", "")
		tsEphemeral = yes(prompt(reader, "Ephemeral node?", "no"))
		tsFunnel = yes(prompt(reader, "Enable Funnel (public HTTPS)?", "no"))
	}

	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	var cfg strings.Builder
	cfg.WriteString("# coven-relay configuration\n")
	cfg.WriteString("# Generated by coven-relay init\n\n")

	cfg.WriteString("server:\n")
	fmt.Fprintf(&cfg, "  http_addr: %q\n", httpAddr)
	if origins != "" {
		cfg.WriteString("  allowed_origins:\n")
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				fmt.Fprintf(&cfg, "    - %q\n", o)
			}
		}
	}
	cfg.WriteString("\n")

	cfg.WriteString("database:\n")
	fmt.Fprintf(&cfg, "  path: %q\n\n", dbPath)

	if jwtSecret != "" {
		cfg.WriteString("auth:\n")
		fmt.Fprintf(&cfg, "  jwt_secret: %q\n\n", jwtSecret)
	}

	cfg.WriteString("tailscale:\n")
	fmt.Fprintf(&cfg, "  enabled: %t\n", tailscaleEnabled)
	if tailscaleEnabled {
		fmt.Fprintf(&cfg, "  hostname: %q\n", tsHostname)
		if tsAuthKey != "" {
			fmt.Fprintf(&cfg, "  auth_key: %q\n", tsAuthKey)
		}
		fmt.Fprintf(&cfg, "  ephemeral: %t\n", tsEphemeral)
		fmt.Fprintf(&cfg, "  funnel: %t\n", tsFunnel)
	}
	cfg.WriteString("\n")

	cfg.WriteString("sessions:\n")
	cfg.WriteString("  max_age: \"1h\"\n")
	cfg.WriteString("  cleanup_interval: \"5m\"\n")
	cfg.WriteString("  command_timeout: \"5m\"\n\n")

	cfg.WriteString("connections:\n")
	cfg.WriteString("  heartbeat_interval: \"30s\"\n")
	cfg.WriteString("  stale_threshold: \"60s\"\n\n")

	cfg.WriteString("logging:\n")
	fmt.Fprintf(&cfg, "  level: %q\n", logLevel)
	fmt.Fprintf(&cfg, "  format: %q\n\n", logFormat)

	cfg.WriteString("metrics:\n")
	cfg.WriteString("  enabled: false\n")
	cfg.WriteString("  path: \"/metrics\"\n")

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	if dbPath != "" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Println("\nTo start the server:")
	fmt.Println("  coven-relay serve")
	if jwtSecret != "" {
		fmt.Println("\nTo mint a token for an agent:")
		fmt.Println("  coven-relay token --subject my-laptop --role agent")
	}
	return nil
}

func yes(s string) bool {
	s = strings.ToLower(s)
	return s == "yes" || s == "y"
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// EOF keeps the default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)
	if input == "" {
		return defaultVal
	}
	return input
}
