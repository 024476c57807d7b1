// ABOUTME: execute_command handling: validate, create the session, fan out to agents
// ABOUTME: Arms a backstop so the owner always receives a terminal result

package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/2389/coven-relay/internal/protocol"
	"github.com/2389/coven-relay/internal/session"
	"github.com/2389/coven-relay/internal/tracing"
)

// ErrValidation wraps execute_command validation failures.
var ErrValidation = errors.New("invalid execute_command")

func validateExecute(cmd *protocol.ExecuteCommand) error {
	switch {
	case strings.TrimSpace(cmd.Command) == "":
		return fmt.Errorf("%w: command text is required", ErrValidation)
	case cmd.ProjectID == "":
		return fmt.Errorf("%w: project id is required", ErrValidation)
	case cmd.SessionID == "":
		return fmt.Errorf("%w: session id is required from client", ErrValidation)
	case cmd.MergedOptions().TimeoutTooLarge():
		return fmt.Errorf("%w: timeout exceeds %s", ErrValidation, protocol.MaxTimeout)
	}
	return nil
}

// HandleExecute processes an execute_command from a web connection. Any failure is
// reported to connID alone as an EXECUTE_ERROR and returned.
func (r *Relay) HandleExecute(ctx context.Context, connID string, cmd *protocol.ExecuteCommand) error {
	ctx, span := tracing.Start(ctx, "relay.execute",
		tracing.AttrConnID.String(connID),
		tracing.AttrSessionID.String(cmd.SessionID),
		tracing.AttrProjectID.String(cmd.ProjectID),
	)
	defer span.End()

	if err := r.execute(ctx, connID, cmd); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.metrics.CommandErrors.WithLabelValues(protocol.CodeExecute).Inc()
		r.logger.Warn("execute_command rejected",
			"conn_id", connID,
			"session_id", cmd.SessionID,
			"error", err,
		)
		r.sendError(connID, protocol.CodeExecute, err.Error(), cmd.SessionID)
		return err
	}
	return nil
}

func (r *Relay) execute(_ context.Context, connID string, cmd *protocol.ExecuteCommand) error {
	if err := validateExecute(cmd); err != nil {
		return err
	}

	opts := cmd.MergedOptions().WithDefaultTimeout(r.cfg.DefaultTimeout)

	if _, err := r.store.Create(session.CreateParams{
		SessionID:        cmd.SessionID,
		ProjectID:        cmd.ProjectID,
		ClientID:         connID,
		InitialCommand:   cmd.Command,
		WorkingDirectory: opts.Dir(),
	}); err != nil {
		return fmt.Errorf("creating session: %w", err)
	}
	r.store.AddCommand(cmd.SessionID, session.Command{
		Command:          cmd.Command,
		Status:           session.CommandRunning,
		WorkingDirectory: opts.Dir(),
	})

	agentCmd := &protocol.AgentCommand{
		SessionID:        cmd.SessionID,
		Command:          cmd.Command,
		ProjectID:        cmd.ProjectID,
		WorkingDirectory: opts.Dir(),
		Options:          opts,
	}

	r.armBackstop(cmd.SessionID, opts.EffectiveTimeout(r.cfg.DefaultTimeout)+r.cfg.BackstopGrace)

	agents := r.sender.Broadcast(protocol.AgentRoom, protocol.TypeAgentCommand, agentCmd, "")
	r.metrics.CommandsTotal.Inc()
	if agents == 0 {
		r.logger.Warn("no agents connected; command will time out unless one connects",
			"session_id", cmd.SessionID,
		)
	}
	r.logger.Info("forwarded command to agents",
		"conn_id", connID,
		"session_id", cmd.SessionID,
		"project_id", cmd.ProjectID,
		"agents", agents,
	)
	return nil
}

func (r *Relay) armBackstop(sessionID string, after time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	if t, ok := r.backstops[sessionID]; ok {
		t.Stop()
	}
	r.backstops[sessionID] = time.AfterFunc(after, func() { r.expire(sessionID, after) })
}

// expire ends a session the agent never finished.
func (r *Relay) expire(sessionID string, after time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.backstops, sessionID)
	sess, ok := r.store.Get(sessionID)
	if !ok || sess.Status != session.StatusRunning {
		return
	}

	msg := fmt.Sprintf("Command timed out after %s without a final response from an agent", after.Round(time.Second))
	r.store.AddResponse(sessionID, session.Response{Type: session.ResponseError, Content: msg})
	if !r.store.Complete(sessionID, false) {
		return
	}
	r.finishLocked(sessionID)

	r.logger.Warn("session hit backstop timeout", "session_id", sessionID, "after", after)
	r.sender.SendTo(sess.ClientID, protocol.TypeCommandResult, &protocol.CommandResult{
		SessionID: sessionID,
		Response:  msg,
		Status:    protocol.ResultError,
	})
	r.sendError(sess.ClientID, protocol.CodeTimeout, msg, sessionID)
	r.sender.Broadcast(protocol.AgentRoom, protocol.TypeAgentStop, &protocol.AgentStop{
		SessionID: sessionID,
		Reason:    "timed out",
	}, "")
	r.metrics.ResultsTotal.WithLabelValues(string(protocol.ResultError)).Inc()
}
