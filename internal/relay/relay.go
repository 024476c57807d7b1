// ABOUTME: Turns execute requests into agent commands and agent output into results for the owning client
// ABOUTME: Also owns stop, multi-agent claims, file-change fan-out and the backstop timeout

package relay

import (
	"log/slog"
	"sync"
	"time"

	"github.com/2389/coven-relay/internal/dedupe"
	"github.com/2389/coven-relay/internal/metrics"
	"github.com/2389/coven-relay/internal/protocol"
	"github.com/2389/coven-relay/internal/session"
)

// Sender queues messages onto connections. Both methods must not block.
type Sender interface {
	// SendTo queues a message for one connection and reports whether it was queued.
	SendTo(connID, msgType string, payload any) bool
	// Broadcast queues a message for every member of room except one connection
	// and returns how many connections it was queued for.
	Broadcast(room, msgType string, payload any, except string) int
}

// Config holds relay timing.
type Config struct {
	// DefaultTimeout is applied to commands that carry no timeout of their own.
	DefaultTimeout time.Duration
	// BackstopGrace is added to a command's timeout before the relay gives up on the agent.
	BackstopGrace time.Duration
}

// DefaultConfig returns the stock relay timing.
func DefaultConfig() Config {
	return Config{
		DefaultTimeout: 5 * time.Minute,
		BackstopGrace:  30 * time.Second,
	}
}

// Deps are the collaborators a Relay needs. Seen may be nil to disable dedupe.
type Deps struct {
	Store   *session.Store
	Sender  Sender
	Seen    *dedupe.Window
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// ClaimedReason is sent in agent_stop to agents that lose a session claim.
const ClaimedReason = "session claimed by another agent"

// Relay is safe for concurrent use. Its mutex serializes the check-then-act
// sequences that decide whether a session may still produce results.
type Relay struct {
	cfg     Config
	store   *session.Store
	sender  Sender
	seen    *dedupe.Window
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu        sync.Mutex
	claims    map[string]string // session id -> agent conn id
	backstops map[string]*time.Timer
	closed    bool
}

// New creates a Relay.
func New(cfg Config, deps Deps) *Relay {
	def := DefaultConfig()
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = def.DefaultTimeout
	}
	if cfg.BackstopGrace <= 0 {
		cfg.BackstopGrace = def.BackstopGrace
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := deps.Metrics
	if m == nil {
		m = metrics.New()
	}
	return &Relay{
		cfg:       cfg,
		store:     deps.Store,
		sender:    deps.Sender,
		seen:      deps.Seen,
		metrics:   m,
		logger:    logger.With("component", "relay"),
		claims:    make(map[string]string),
		backstops: make(map[string]*time.Timer),
	}
}

// Close stops every backstop timer.
func (r *Relay) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	for id, t := range r.backstops {
		t.Stop()
		delete(r.backstops, id)
	}
}

// sendError reports a request failure to one connection only.
func (r *Relay) sendError(connID, code, message, sessionID string) {
	if connID == "" {
		return
	}
	r.sender.SendTo(connID, protocol.TypeError, protocol.NewError(code, message, sessionID))
}

// duplicate reports whether an agent frame id was already handled.
func (r *Relay) duplicate(frameID string) bool {
	if r.seen == nil || !r.seen.Seen(frameID) {
		return false
	}
	r.metrics.Dropped(metrics.DropDuplicate)
	return true
}

// claimLocked records agentConn as the owner of sessionID if nobody owns it yet,
// and reports whether agentConn is the owner.
func (r *Relay) claimLocked(sessionID, agentConn string) bool {
	owner, ok := r.claims[sessionID]
	if !ok {
		r.claims[sessionID] = agentConn
		return true
	}
	return owner == agentConn
}

// finishLocked forgets per-session relay state once a session is terminal.
func (r *Relay) finishLocked(sessionID string) {
	delete(r.claims, sessionID)
	if t, ok := r.backstops[sessionID]; ok {
		t.Stop()
		delete(r.backstops, sessionID)
	}
}

// ReleaseAgent drops every claim held by an agent connection, so a reconnected
// agent (with a new connection id) can continue its sessions.
func (r *Relay) ReleaseAgent(agentConn string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	released := 0
	for id, owner := range r.claims {
		if owner == agentConn {
			delete(r.claims, id)
			released++
		}
	}
	if released > 0 {
		r.logger.Info("released agent claims", "conn_id", agentConn, "sessions", released)
	}
	return released
}

func (r *Relay) rejectClaim(agentConn, sessionID string) {
	r.logger.Warn("dropping frame from agent that does not own the session",
		"conn_id", agentConn,
		"session_id", sessionID,
	)
	r.metrics.Dropped(metrics.DropClaimed)
	r.sender.SendTo(agentConn, protocol.TypeAgentStop, &protocol.AgentStop{
		SessionID: sessionID,
		Reason:    ClaimedReason,
	})
}
