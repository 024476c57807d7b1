// ABOUTME: Websocket connection lifecycle: upgrade, authentication, heartbeat and disconnect cleanup
// ABOUTME: Also sweeps connections that stopped sending frames or pongs

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/2389/coven-relay/internal/metrics"
	"github.com/2389/coven-relay/internal/protocol"
)

// makeUpgrader allows every origin when the list is empty or contains "*".
// Requests without an Origin header (non-browser clients such as agents) are always allowed.
func makeUpgrader(allowedOrigins []string, logger *slog.Logger) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || slices.Contains(allowedOrigins, "*")

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(origin, allowed) {
					return true
				}
			}
			if u, err := url.Parse(origin); err == nil {
				for _, allowed := range allowedOrigins {
					if strings.EqualFold(u.Host, allowed) {
						return true
					}
				}
			}
			logger.Warn("rejected websocket origin", "origin", origin)
			return false
		},
	}
}

// handleWS upgrades the request and serves the connection until it ends.
func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already written an HTTP error
		g.logger.Debug("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	rl := g.config.Server.RateLimit
	c := newConn(uuid.New().String(), ws, rate.NewLimiter(rate.Limit(rl.PerSecond), rl.Burst))
	g.hub.add(c)
	go c.writePump()

	g.logger.Debug("connection opened", "conn_id", c.id, "remote_addr", c.remoteAddr)

	authTimer := time.AfterFunc(g.config.Connections.AuthTimeout, func() {
		g.authTimeout(c)
	})

	ctx := context.WithoutCancel(r.Context())
	err = c.readPump(g.config.Server.MaxMessageBytes,
		func() { g.touch(c) },
		func(data []byte) { g.handleFrame(ctx, c, data) },
	)
	authTimer.Stop()
	g.disconnect(c, err)
}

// authTimeout closes connections that never authenticated.
func (g *Gateway) authTimeout(c *Conn) {
	if _, authed := c.identity(); authed {
		return
	}
	g.metrics.AuthFailures.WithLabelValues("timeout").Inc()
	g.logger.Info("authentication timeout", "conn_id", c.id, "remote_addr", c.remoteAddr)
	g.sendError(c.id, protocol.CodeAuth, "authentication timeout", "")
	c.Close(closeAuthTimeout, "authentication timeout")
}

// touch refreshes lastSeen for authenticated connections.
func (g *Gateway) touch(c *Conn) {
	if _, authed := c.identity(); authed {
		g.registry.Touch(c.id)
	}
}

// handleFrame decodes one inbound frame and dispatches it.
func (g *Gateway) handleFrame(ctx context.Context, c *Conn, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("panic handling frame", "conn_id", c.id, "panic", r)
		}
	}()

	env, err := protocol.Decode(data)
	if err != nil {
		g.metrics.MessagesReceived.WithLabelValues("invalid").Inc()
		g.metrics.Dropped(metrics.DropInvalid)
		g.sendError(c.id, protocol.CodeInvalidMessage, "frame must be a JSON object with string id, timestamp and type", "")
		return
	}
	g.metrics.MessagesReceived.WithLabelValues(metricType(env.Type)).Inc()

	if !c.limiter.Allow() {
		g.metrics.Dropped(metrics.DropRateLimited)
		g.logger.Debug("rate limited", "conn_id", c.id, "type", env.Type)
		g.sendError(c.id, protocol.CodeRateLimited, "too many messages, slow down", "")
		return
	}

	if env.Type == protocol.TypeAuth {
		g.handleAuth(c, env)
		return
	}

	clientType, authed := c.identity()
	if !authed {
		g.sendError(c.id, protocol.CodeAuth, "authentication required", "")
		return
	}
	g.registry.Touch(c.id)

	rt, ok := g.routes[env.Type]
	if !ok || !rt.accepts(clientType) {
		g.metrics.Dropped(metrics.DropInvalid)
		g.logger.Debug("unexpected message type", "conn_id", c.id, "client_type", clientType, "type", env.Type)
		g.sendError(c.id, protocol.CodeInvalidMessage,
			fmt.Sprintf("message type %q is not accepted from %s clients", env.Type, clientType), "")
		return
	}
	rt.handle(ctx, c, clientType, env)
}

// handleAuth runs the authentication handshake.
func (g *Gateway) handleAuth(c *Conn, env *protocol.Envelope) {
	var msg protocol.Auth
	if err := env.Into(&msg); err != nil {
		g.sendError(c.id, protocol.CodeInvalidMessage, err.Error(), "")
		return
	}

	if !msg.ClientType.Valid() {
		g.metrics.AuthFailures.WithLabelValues(protocol.CodeInvalidClientType).Inc()
		g.logger.Info("rejected invalid client type", "conn_id", c.id, "client_type", msg.ClientType)
		g.sendError(c.id, protocol.CodeInvalidClientType,
			fmt.Sprintf("invalid client type %q: must be web or agent", msg.ClientType), "")
		c.Close(closeAuthFailed, "invalid client type")
		return
	}

	if current, authed := c.identity(); authed {
		if current == msg.ClientType {
			g.sendAuthResult(c)
			return
		}
		g.sendError(c.id, protocol.CodeAuth,
			fmt.Sprintf("connection is already authenticated as %s", current), "")
		return
	}

	if g.verifier != nil {
		identity, err := g.verifier.Verify(msg.Token)
		if err == nil && !identity.Permits(string(msg.ClientType)) {
			err = fmt.Errorf("role %q cannot connect as %s", identity.Role, msg.ClientType)
		}
		if err != nil {
			g.metrics.AuthFailures.WithLabelValues(protocol.CodeAuth).Inc()
			g.logger.Info("authentication failed", "conn_id", c.id, "client_type", msg.ClientType, "error", err)
			g.sendError(c.id, protocol.CodeAuth, "authentication failed: "+err.Error(), "")
			c.Close(closeAuthFailed, "authentication failed")
			return
		}
	}

	if err := g.registry.Register(c.id, msg.ClientType); err != nil {
		g.sendError(c.id, protocol.CodeAuth, err.Error(), "")
		return
	}
	g.registry.Describe(c.id, msg.ClientID, msg.Version)
	c.authenticate(msg.ClientType)
	g.hub.Join(c.id, protocol.RoleRoom(msg.ClientType))
	g.metrics.ConnectionsActive.WithLabelValues(string(msg.ClientType)).Inc()

	g.logger.Info("client authenticated",
		"conn_id", c.id,
		"client_type", msg.ClientType,
		"client_id", msg.ClientID,
		"version", msg.Version,
	)

	g.sendAuthResult(c)

	counts := g.registry.Counts()
	if msg.ClientType == protocol.ClientAgent && counts.Agents > 1 {
		g.logger.Warn("multiple agents connected; commands fan out to all of them and the first responder claims each session",
			"agents", counts.Agents)
	}
	g.broadcastStatus(c.id)
}

func (g *Gateway) sendAuthResult(c *Conn) {
	g.hub.SendTo(c.id, protocol.TypeAuthResult, &protocol.AuthResult{
		Success:  true,
		ClientID: c.id,
		Message:  "authenticated",
	})
}

// connectionStatus is the snapshot pushed on every authentication and disconnect.
func (g *Gateway) connectionStatus() *protocol.ConnectionStatus {
	agents := g.registry.Counts().Agents
	return &protocol.ConnectionStatus{
		AgentConnected: agents > 0,
		ActiveAgents:   agents,
		ServerStatus:   protocol.ServerHealthy,
	}
}

// broadcastStatus sends the snapshot to self (if set) and to every other web connection.
func (g *Gateway) broadcastStatus(self string) {
	status := g.connectionStatus()
	if self != "" {
		g.hub.SendTo(self, protocol.TypeConnectionStatus, status)
	}
	g.hub.Broadcast(protocol.WebRoom, protocol.TypeConnectionStatus, status, self)
}

func (g *Gateway) sendError(connID, code, message, sessionID string) {
	g.hub.SendTo(connID, protocol.TypeError, protocol.NewError(code, message, sessionID))
}

// disconnect releases everything a connection held.
func (g *Gateway) disconnect(c *Conn, readErr error) {
	c.Close(closeNormal, "")
	g.hub.remove(c.id)

	clientType, authed := c.identity()
	if authed {
		switch clientType {
		case protocol.ClientWeb:
			g.relay.CancelClient(c.id, "client disconnected")
		case protocol.ClientAgent:
			g.relay.ReleaseAgent(c.id)
		}
		g.registry.Unregister(c.id)
		g.metrics.ConnectionsActive.WithLabelValues(string(clientType)).Dec()
		g.broadcastStatus("")
	}

	level := slog.LevelInfo
	if readErr == nil || websocket.IsCloseError(readErr, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
		errors.Is(readErr, websocket.ErrCloseSent) {
		level = slog.LevelDebug
	}
	g.logger.Log(context.Background(), level, "connection closed",
		"conn_id", c.id,
		"client_type", clientType,
		"authenticated", authed,
		"reason", readErr,
	)
}

// sweepLoop closes connections whose last frame or pong is older than the stale threshold.
func (g *Gateway) sweepLoop() {
	defer close(g.sweepStopped)

	ticker := time.NewTicker(g.config.Connections.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-g.sweepDone:
			return
		case <-ticker.C:
			g.sweepStale()
		}
	}
}

// sweepStale returns how many connections it closed.
func (g *Gateway) sweepStale() int {
	stale := g.registry.Stale(g.config.Connections.StaleThreshold)
	for _, id := range stale {
		c, ok := g.hub.get(id)
		if !ok {
			continue
		}
		g.logger.Info("closing stale connection", "conn_id", id)
		c.Close(closeStale, "connection stale")
	}
	return len(stale)
}
