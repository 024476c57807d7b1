// ABOUTME: Operator CLI for a running coven-relay, built on its HTTP API
// ABOUTME: Inspects connections and sessions, stops sessions, reads history and tails lifecycle events

package main

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var version = "dev"

const defaultRelayURL = "http://localhost:3001"

// globals are the persistent flags shared by every command.
type globals struct {
	url     string
	token   string
	jsonOut bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globals{}

	root := &cobra.Command{
		Use:   "coven-relay-admin",
		Short: "Inspect and manage a running coven-relay",
		Long: `coven-relay-admin talks to the relay's HTTP API.

Environment:
  COVEN_RELAY_URL   relay base URL (default ` + defaultRelayURL + `)
  COVEN_TOKEN       bearer token; falls back to ~/.config/coven/token`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&g.url, "url", envOr("COVEN_RELAY_URL", defaultRelayURL), "relay base URL")
	root.PersistentFlags().StringVar(&g.token, "token", "", "bearer token (default $COVEN_TOKEN or the token file)")
	root.PersistentFlags().BoolVar(&g.jsonOut, "json", false, "print raw JSON")

	root.AddCommand(
		statusCmd(g),
		connectionsCmd(g),
		sessionsCmd(g),
		historyCmd(g),
		archiveCmd(g),
		eventsCmd(g),
	)
	return root
}

func (g *globals) client() *apiClient {
	token := g.token
	if token == "" {
		token = readToken()
	}
	return newAPIClient(g.url, token)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// readToken returns $COVEN_TOKEN or the contents of $XDG_CONFIG_HOME/coven/token.
func readToken() string {
	if token := os.Getenv("COVEN_TOKEN"); token != "" {
		return token
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configDir = filepath.Join(home, ".config")
	}
	data, err := os.ReadFile(filepath.Join(configDir, "coven", "token"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
