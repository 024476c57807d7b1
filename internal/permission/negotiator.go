// ABOUTME: Tracks outstanding tool-use permission requests and resolves each exactly once
// ABOUTME: Resolution comes from a user response, the request timer, or context cancellation

package permission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/2389/coven-relay/internal/protocol"
)

// DefaultTimeout applies when a request does not specify one.
const DefaultTimeout = 30 * time.Second

// TimeoutReason is sent with permission:timeout.
const TimeoutReason = "User did not respond within timeout period"

var (
	// ErrAborted is returned to a waiting caller whose request was abandoned.
	ErrAborted = errors.New("permission request aborted")
	// ErrStopped is returned by Request after Stop.
	ErrStopped = errors.New("permission negotiator stopped")
)

// Outbox delivers protocol messages toward web clients.
type Outbox interface {
	Send(msgType string, payload any) error
}

// Decision is the outcome handed back to the executor.
type Decision struct {
	Behavior     string         `json:"behavior"`
	UpdatedInput map[string]any `json:"updatedInput,omitempty"`
	Message      string         `json:"message,omitempty"`
}

// Allowed reports whether the tool may run.
func (d Decision) Allowed() bool {
	return d.Behavior == protocol.DecisionAllow
}

type outcome struct {
	decision Decision
	err      error
}

type pending struct {
	req    protocol.PermissionRequest
	result chan outcome
	timer  *time.Timer
}

// Negotiator is safe for concurrent use.
type Negotiator struct {
	mu      sync.Mutex
	pending map[string]*pending
	stopped bool
	outbox  Outbox
	logger  *slog.Logger
}

// NewNegotiator creates a Negotiator that announces requests through outbox.
func NewNegotiator(outbox Outbox, logger *slog.Logger) *Negotiator {
	return &Negotiator{
		pending: make(map[string]*pending),
		outbox:  outbox,
		logger:  logger,
	}
}

// Request emits permission:request and blocks until the request resolves.
// A user response yields allow or deny; the timer yields deny with a timeout message;
// cancelling ctx yields ErrAborted. Exactly one of these happens.
func (n *Negotiator) Request(ctx context.Context, sessionID, toolName string, input map[string]any, timeout time.Duration) (Decision, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if err := ctx.Err(); err != nil {
		return Decision{}, fmt.Errorf("%w: %w", ErrAborted, err)
	}

	p := &pending{
		req: protocol.PermissionRequest{
			Header:      protocol.NewHeader(protocol.TypePermissionRequest),
			SessionID:   sessionID,
			ToolName:    toolName,
			ToolInput:   maps.Clone(input),
			Description: Describe(toolName, input),
			Reason:      Reason(toolName),
			TimeoutMs:   timeout.Milliseconds(),
		},
		result: make(chan outcome, 1),
	}
	id := p.req.ID

	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return Decision{}, ErrStopped
	}
	n.pending[id] = p
	p.timer = time.AfterFunc(timeout, func() { n.expire(id, timeout) })
	n.mu.Unlock()

	n.logger.Info("permission requested",
		"request_id", id,
		"session_id", sessionID,
		"tool", toolName,
	)
	if err := n.outbox.Send(protocol.TypePermissionRequest, &p.req); err != nil {
		n.logger.Warn("failed to send permission request", "request_id", id, "error", err)
	}

	select {
	case out := <-p.result:
		return out.decision, out.err
	case <-ctx.Done():
		if n.take(id) != nil {
			n.logger.Info("permission request aborted", "request_id", id, "session_id", sessionID)
			return Decision{}, fmt.Errorf("%w: %w", ErrAborted, ctx.Err())
		}
		out := <-p.result
		return out.decision, out.err
	}
}

// Respond resolves a pending request from a user decision. Unknown ids (already
// resolved or never issued) are logged and ignored; the return value reports
// whether a request was resolved.
func (n *Negotiator) Respond(resp *protocol.PermissionResponse) bool {
	p := n.take(resp.RequestID)
	if p == nil {
		n.logger.Warn("permission response for unknown request", "request_id", resp.RequestID)
		return false
	}

	var d Decision
	if resp.Decision == protocol.DecisionAllow {
		d = Decision{Behavior: protocol.DecisionAllow, UpdatedInput: resp.UpdatedInput}
		if d.UpdatedInput == nil {
			d.UpdatedInput = p.req.ToolInput
		}
	} else {
		msg := resp.Message
		if msg == "" {
			msg = "Permission denied by user"
		}
		d = Decision{Behavior: protocol.DecisionDeny, Message: msg}
	}

	n.logger.Info("permission decided",
		"request_id", resp.RequestID,
		"session_id", p.req.SessionID,
		"decision", d.Behavior,
	)
	p.result <- outcome{decision: d}
	return true
}

func (n *Negotiator) expire(id string, timeout time.Duration) {
	p := n.take(id)
	if p == nil {
		return
	}

	n.logger.Info("permission request timed out", "request_id", id, "session_id", p.req.SessionID)
	p.result <- outcome{decision: Decision{
		Behavior: protocol.DecisionDeny,
		Message:  fmt.Sprintf("Permission request timed out after %s", timeout),
	}}

	msg := &protocol.PermissionTimeout{RequestID: id, Reason: TimeoutReason}
	if err := n.outbox.Send(protocol.TypePermissionTimeout, msg); err != nil {
		n.logger.Warn("failed to send permission timeout", "request_id", id, "error", err)
	}
}

// take removes a pending entry and stops its timer. Only the caller that gets a
// non-nil result may resolve the request.
func (n *Negotiator) take(id string) *pending {
	n.mu.Lock()
	defer n.mu.Unlock()

	p, ok := n.pending[id]
	if !ok {
		return nil
	}
	delete(n.pending, id)
	p.timer.Stop()
	return p
}

// CancelSession aborts every pending request for a session and returns how many were aborted.
func (n *Negotiator) CancelSession(sessionID string) int {
	n.mu.Lock()
	var ids []string
	for id, p := range n.pending {
		if p.req.SessionID == sessionID {
			ids = append(ids, id)
		}
	}
	n.mu.Unlock()

	count := 0
	for _, id := range ids {
		if p := n.take(id); p != nil {
			p.result <- outcome{err: ErrAborted}
			count++
		}
	}
	return count
}

// Pending returns the outstanding requests ordered by timestamp.
func (n *Negotiator) Pending() []protocol.PermissionRequest {
	n.mu.Lock()
	defer n.mu.Unlock()

	out := make([]protocol.PermissionRequest, 0, len(n.pending))
	for _, p := range n.pending {
		out = append(out, p.req)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp == out[j].Timestamp {
			return out[i].ID < out[j].ID
		}
		return out[i].Timestamp < out[j].Timestamp
	})
	return out
}

// Stop aborts all pending requests and rejects new ones.
func (n *Negotiator) Stop() {
	n.mu.Lock()
	n.stopped = true
	all := n.pending
	n.pending = make(map[string]*pending)
	n.mu.Unlock()

	for _, p := range all {
		p.timer.Stop()
		p.result <- outcome{err: ErrStopped}
	}
}
