// ABOUTME: Agent output handling: command_response chunks and file_change notices
// ABOUTME: Results go only to the session owner; file changes go to the project room

package relay

import (
	"context"

	"github.com/2389/coven-relay/internal/metrics"
	"github.com/2389/coven-relay/internal/protocol"
	"github.com/2389/coven-relay/internal/session"
	"github.com/2389/coven-relay/internal/tracing"
)

// HandleCommandResponse appends an agent chunk to its session and forwards it to the
// owning web connection. A chunk that is complete or carries an error ends the session.
// Chunks for unknown or finished sessions, duplicates and chunks from an agent that
// does not own the session are dropped.
func (r *Relay) HandleCommandResponse(ctx context.Context, agentConn string, resp *protocol.CommandResponse) {
	_, span := tracing.Start(ctx, "relay.command_response",
		tracing.AttrConnID.String(agentConn),
		tracing.AttrSessionID.String(resp.SessionID),
	)
	defer span.End()

	if resp.SessionID == "" {
		r.logger.Warn("command_response without session id", "conn_id", agentConn)
		r.metrics.Dropped(metrics.DropInvalid)
		return
	}
	if r.duplicate(resp.ID) {
		r.logger.Debug("dropping duplicate command_response", "session_id", resp.SessionID, "frame_id", resp.ID)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.store.Get(resp.SessionID)
	if !ok {
		r.logger.Warn("command_response for unknown session", "session_id", resp.SessionID)
		r.metrics.Dropped(metrics.DropUnknownSession)
		return
	}
	if sess.Status != session.StatusRunning {
		r.logger.Debug("command_response for finished session",
			"session_id", resp.SessionID,
			"status", sess.Status,
		)
		r.metrics.Dropped(metrics.DropNotRunning)
		return
	}
	if !r.claimLocked(resp.SessionID, agentConn) {
		r.rejectClaim(agentConn, resp.SessionID)
		return
	}

	failed := resp.Error != ""
	terminal := resp.IsComplete || failed

	content := resp.Data
	if content == "" && failed {
		content = resp.Error
	}
	respType := session.ResponseText
	if failed {
		respType = session.ResponseError
	}
	r.store.AddResponse(resp.SessionID, session.Response{
		Type:        respType,
		Content:     content,
		IsStreaming: !terminal,
	})

	status := protocol.ResultStreaming
	if terminal {
		if !r.store.Complete(resp.SessionID, !failed) {
			r.metrics.Dropped(metrics.DropNotRunning)
			return
		}
		r.finishLocked(resp.SessionID)
		status = protocol.ResultComplete
		if failed {
			status = protocol.ResultError
		}
	}

	span.SetAttributes(tracing.AttrStatus.String(string(status)))
	if !r.sender.SendTo(sess.ClientID, protocol.TypeCommandResult, &protocol.CommandResult{
		SessionID:       resp.SessionID,
		Response:        content,
		Status:          status,
		ClaudeSessionID: resp.ClaudeSessionID,
	}) {
		r.logger.Warn("owner not reachable for command_result",
			"session_id", resp.SessionID,
			"conn_id", sess.ClientID,
		)
		return
	}
	r.metrics.ResultsTotal.WithLabelValues(string(status)).Inc()
}

// HandleFileChange records a file change against its session and announces it to the
// session's project room.
func (r *Relay) HandleFileChange(ctx context.Context, agentConn string, fc *protocol.FileChange) {
	_, span := tracing.Start(ctx, "relay.file_change",
		tracing.AttrConnID.String(agentConn),
		tracing.AttrSessionID.String(fc.SessionID),
	)
	defer span.End()

	if fc.SessionID == "" || fc.FilePath == "" {
		r.logger.Warn("file_change missing session id or path", "conn_id", agentConn)
		r.metrics.Dropped(metrics.DropInvalid)
		return
	}
	if r.duplicate(fc.ID) {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.store.Get(fc.SessionID)
	if !ok {
		r.metrics.Dropped(metrics.DropUnknownSession)
		return
	}
	if sess.Status != session.StatusRunning {
		r.metrics.Dropped(metrics.DropNotRunning)
		return
	}
	if !r.claimLocked(fc.SessionID, agentConn) {
		r.rejectClaim(agentConn, fc.SessionID)
		return
	}

	meta := map[string]any{"file": fc.FilePath}
	if fc.Operation != "" {
		meta["operation"] = fc.Operation
	}
	r.store.AddResponse(fc.SessionID, session.Response{
		Type:     session.ResponseFileChange,
		Content:  fc.FilePath,
		Metadata: meta,
	})

	n := r.sender.Broadcast(protocol.ProjectRoom(sess.ProjectID), protocol.TypeFileChange, fc, "")
	r.logger.Debug("file change announced",
		"session_id", fc.SessionID,
		"file", fc.FilePath,
		"room", protocol.ProjectRoom(sess.ProjectID),
		"recipients", n,
	)
}
