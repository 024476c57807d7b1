// ABOUTME: Gateway orchestrator that wires the relay core to websocket and HTTP servers
// ABOUTME: Owns startup, optional tailnet listeners and ordered shutdown of every component

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/coven-relay/internal/auth"
	"github.com/2389/coven-relay/internal/broadcast"
	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/dedupe"
	"github.com/2389/coven-relay/internal/metrics"
	"github.com/2389/coven-relay/internal/registry"
	"github.com/2389/coven-relay/internal/relay"
	"github.com/2389/coven-relay/internal/session"
	"github.com/2389/coven-relay/internal/store"
	"github.com/2389/coven-relay/internal/tracing"
)

// Version is reported in traces. The binary overrides it at startup.
var Version = "dev"

const serviceName = "coven-relay"

// Dedupe window for agent frame ids.
const (
	dedupeTTL   = 5 * time.Minute
	dedupeMax   = 100_000
	dedupeSweep = time.Minute
)

// Gateway owns every long-lived component of a relay server.
type Gateway struct {
	config  *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	registry *registry.Registry
	sessions *session.Store
	relay    *relay.Relay
	hub      *Hub
	seen     *dedupe.Window
	events   *broadcast.Broadcaster[session.Event]
	archive  store.Archive
	archiver *archiver
	verifier auth.TokenVerifier
	tracer   *tracing.Provider

	upgrader    websocket.Upgrader
	routes      map[string]route
	httpServer  *http.Server
	tsnetServer *tsnet.Server

	stopListener func()
	sweepDone    chan struct{}
	sweepStopped chan struct{}
	shutdownOnce sync.Once
}

// New creates a Gateway from cfg. Background loops start immediately; Shutdown stops them.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	gw := &Gateway{
		config:       cfg,
		logger:       logger.With("component", "gateway"),
		metrics:      metrics.New(),
		registry:     registry.New(logger),
		sweepDone:    make(chan struct{}),
		sweepStopped: make(chan struct{}),
	}

	if cfg.Tracing.Enabled {
		tp, err := tracing.Setup(serviceName, Version, nil)
		if err != nil {
			return nil, fmt.Errorf("setting up tracing: %w", err)
		}
		gw.tracer = tp
	}

	if cfg.Auth.JWTSecret != "" {
		verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			return nil, fmt.Errorf("creating JWT verifier: %w", err)
		}
		gw.verifier = verifier
		gw.logger.Info("token authentication enabled")
	} else {
		gw.logger.Warn("auth disabled - no jwt_secret configured")
	}

	if cfg.Database.Path != "" {
		archive, err := store.NewSQLiteStore(cfg.Database.Path, logger)
		if err != nil {
			return nil, fmt.Errorf("initializing archive: %w", err)
		}
		gw.archive = archive
		gw.archiver = newArchiver(archive, gw.metrics, logger)
	} else {
		gw.logger.Info("session archive disabled - no database.path configured")
	}

	gw.sessions = session.NewStore(session.Config{
		MaxAge:          cfg.Sessions.MaxAge,
		MaxSessions:     cfg.Sessions.MaxSessions,
		CleanupInterval: cfg.Sessions.CleanupInterval,
		KeepCompleted:   cfg.Sessions.KeepCompleted,
		KeepError:       cfg.Sessions.KeepError,
	}, logger)
	gw.seen = dedupe.NewWindow(dedupeTTL, dedupeMax, dedupeSweep)
	gw.events = broadcast.New[session.Event](logger, func(topic string) {
		gw.logger.Debug("event subscriber too slow, dropped event", "topic", topic)
	})
	gw.hub = NewHub(gw.metrics, logger)
	gw.relay = relay.New(relay.Config{
		DefaultTimeout: cfg.Sessions.CommandTimeout,
		BackstopGrace:  cfg.Sessions.BackstopGrace,
	}, relay.Deps{
		Store:   gw.sessions,
		Sender:  gw.hub,
		Seen:    gw.seen,
		Metrics: gw.metrics,
		Logger:  logger,
	})

	gw.upgrader = makeUpgrader(cfg.Server.AllowedOrigins, gw.logger)
	gw.routes = gw.buildRoutes()
	gw.stopListener = gw.sessions.AddListener(gw.onSessionEvent)
	gw.sessions.Start()
	go gw.sweepLoop()

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// setupTCPListener creates the plain TCP listener for HTTP and websocket traffic.
func (g *Gateway) setupTCPListener() (net.Listener, error) {
	g.logger.Info("starting gateway", "http_addr", g.config.Server.HTTPAddr)

	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// warnIgnoredAddresses logs a warning if a server address is configured but Tailscale is enabled.
func (g *Gateway) warnIgnoredAddresses() {
	if g.config.Server.HTTPAddr != "" {
		g.logger.Warn("server.http_addr is ignored when tailscale is enabled",
			"http_addr", g.config.Server.HTTPAddr,
		)
	}
}

// setupListener creates the listener based on configuration (Tailscale or TCP).
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		g.warnIgnoredAddresses()
		return g.setupTailscaleListener(ctx)
	}
	return g.setupTCPListener()
}

// startServer serves HTTP in a goroutine, returning its error channel.
func (g *Gateway) startServer(ln net.Listener) chan error {
	errCh := make(chan error, 1)

	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// waitForShutdownSignal waits for context cancellation or a server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		return err
	}
}

// Run serves until ctx is canceled, then shuts down.
// Returns nil on graceful shutdown, or the error that stopped the server.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.setupListener(ctx)
	if err != nil {
		_ = g.gracefulShutdown()
		return err
	}

	errCh := g.startServer(ln)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown uses a fresh context since the run context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using the default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "coven-relay", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListener brings up a tsnet node and listens on it.
func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		g.tsnetServer = nil
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}

	g.logTailscaleStatus(tsCfg.Hostname, status)
	return g.createTailscaleListener(tsCfg)
}

// logTailscaleStatus logs the node's address and DNS name.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// createTailscaleListener picks funnel, tailnet HTTPS or plain tailnet HTTP.
func (g *Gateway) createTailscaleListener(tsCfg config.TailscaleConfig) (net.Listener, error) {
	switch {
	case tsCfg.Funnel:
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := g.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			return nil, fmt.Errorf("listening on tailscale funnel: %w", err)
		}
		return ln, nil
	case tsCfg.HTTPS:
		return g.createTailscaleTLSListener()
	default:
		ln, err := g.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}
}

// createTailscaleTLSListener serves TLS with Tailscale's auto-provisioned certs.
func (g *Gateway) createTailscaleTLSListener() (net.Listener, error) {
	g.logger.Info("enabling HTTPS with Tailscale certs on :443")
	ln, err := g.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	lc, err := g.tsnetServer.LocalClient()
	if err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops accepting traffic, closes every connection and stops background work.
// It is safe to call more than once.
func (g *Gateway) Shutdown(ctx context.Context) error {
	var errs []error
	g.shutdownOnce.Do(func() {
		g.logger.Info("shutting down gateway")

		// hijacked websocket connections are not tracked by http.Server
		g.hub.CloseAll("server shutting down")
		errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

		close(g.sweepDone)
		<-g.sweepStopped

		g.relay.Close()
		g.stopListener()
		g.sessions.Stop()
		g.seen.Close()
		g.events.Close()

		if g.archiver != nil {
			g.archiver.close(ctx)
		}
		if g.archive != nil {
			errs = appendCloseError(errs, "archive close", g.archive.Close())
		}
		if g.tsnetServer != nil {
			errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
		}
		if g.tracer != nil {
			errs = appendCloseError(errs, "tracing shutdown", g.tracer.Shutdown(ctx))
		}
	})

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if at least one agent is authenticated.
func (g *Gateway) handleReady(w http.ResponseWriter, _ *http.Request) {
	agents := g.registry.Counts().Agents
	if agents == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no agents connected"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d agents)", agents)
}
