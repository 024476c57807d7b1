// ABOUTME: Explicit stop and disconnect-driven cancellation of running sessions
// ABOUTME: Cancellation is advisory to agents: they receive agent_stop and may finish late

package relay

import (
	"context"
	"errors"
	"fmt"

	"github.com/2389/coven-relay/internal/protocol"
	"github.com/2389/coven-relay/internal/session"
)

var (
	// ErrNotRunning indicates a stop for a session that is unknown or already finished.
	ErrNotRunning = errors.New("session is not running")
	// ErrNotOwner indicates a stop from a connection that does not own the session.
	ErrNotOwner = errors.New("session belongs to another client")
)

// DefaultStopReason is used when a stop request gives none.
const DefaultStopReason = "Command cancelled"

// HandleStop processes a stop_command from a web connection. Only the owner may stop
// its session; failures are reported to connID alone.
func (r *Relay) HandleStop(_ context.Context, connID string, stop *protocol.StopCommand) error {
	err := r.stop(stop.SessionID, connID, stop.Reason)
	if err != nil {
		code := protocol.CodeNotFound
		if errors.Is(err, ErrNotOwner) {
			code = protocol.CodePermission
		}
		r.sendError(connID, code, err.Error(), stop.SessionID)
	}
	return err
}

// Stop cancels a running session on behalf of an operator.
func (r *Relay) Stop(sessionID, reason string) error {
	return r.stop(sessionID, "", reason)
}

// stop cancels sessionID. An empty requester skips the ownership check.
func (r *Relay) stop(sessionID, requester, reason string) error {
	if reason == "" {
		reason = DefaultStopReason
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.store.Get(sessionID)
	if !ok || sess.Status != session.StatusRunning {
		return fmt.Errorf("stop %s: %w", sessionID, ErrNotRunning)
	}
	if requester != "" && sess.ClientID != requester {
		return fmt.Errorf("stop %s: %w", sessionID, ErrNotOwner)
	}
	if !r.store.Cancel(sessionID, reason) {
		return fmt.Errorf("stop %s: %w", sessionID, ErrNotRunning)
	}
	r.finishLocked(sessionID)

	r.logger.Info("session stopped", "session_id", sessionID, "reason", reason)
	r.sender.SendTo(sess.ClientID, protocol.TypeCommandResult, &protocol.CommandResult{
		SessionID: sessionID,
		Response:  reason,
		Status:    protocol.ResultCancelled,
	})
	r.sender.Broadcast(protocol.AgentRoom, protocol.TypeAgentStop, &protocol.AgentStop{
		SessionID: sessionID,
		Reason:    reason,
	}, "")
	r.metrics.ResultsTotal.WithLabelValues(string(protocol.ResultCancelled)).Inc()
	return nil
}

// CancelClient cancels every running session owned by a departed connection and tells
// agents to stop them. No result is sent: the owner is gone.
func (r *Relay) CancelClient(connID, reason string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cancelled := 0
	for _, sess := range r.store.ListByClient(connID) {
		if sess.Status != session.StatusRunning {
			continue
		}
		if !r.store.Cancel(sess.ID, reason) {
			continue
		}
		r.finishLocked(sess.ID)
		r.sender.Broadcast(protocol.AgentRoom, protocol.TypeAgentStop, &protocol.AgentStop{
			SessionID: sess.ID,
			Reason:    reason,
		}, "")
		cancelled++
	}
	if cancelled > 0 {
		r.logger.Info("cancelled sessions of departed client", "conn_id", connID, "sessions", cancelled, "reason", reason)
	}
	return cancelled
}
