// ABOUTME: Runner turns relay messages into executor runs and streams the results back
// ABOUTME: Guarantees one final command_response per command, whether it ends by result, error, timeout or stop

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/2389/coven-relay/internal/permission"
	"github.com/2389/coven-relay/internal/protocol"
	"github.com/2389/coven-relay/internal/tracing"
)

// DefaultCommandTimeout applies when neither the command nor the config sets one.
const DefaultCommandTimeout = 5 * time.Minute

// DefaultStopReason is reported when agent_stop carries no reason.
const DefaultStopReason = "Cancelled by user"

const statusPreview = 50

// RunnerConfig tunes a Runner. Zero timeouts take the package defaults.
type RunnerConfig struct {
	// MaxConcurrent bounds running commands; zero means no limit.
	MaxConcurrent     int
	CommandTimeout    time.Duration
	PermissionTimeout time.Duration
	// GatedTools need a user decision before use. "*" gates every tool.
	GatedTools []string
}

type command struct {
	sessionID string
	cancel    context.CancelFunc

	mu   sync.Mutex
	done bool
}

// Runner implements Handler.
type Runner struct {
	cfg     RunnerConfig
	exec    Executor
	out     permission.Outbox
	perms   *permission.Negotiator
	tracker *Tracker
	logger  *slog.Logger

	mu     sync.Mutex
	active map[string]*command
	closed bool
	wg     sync.WaitGroup
}

// NewRunner creates a Runner that executes commands with exec and reports through out.
func NewRunner(cfg RunnerConfig, exec Executor, out permission.Outbox, logger *slog.Logger) *Runner {
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = DefaultCommandTimeout
	}
	return &Runner{
		cfg:     cfg,
		exec:    exec,
		out:     out,
		perms:   permission.NewNegotiator(out, logger.With("component", "permissions")),
		tracker: NewTracker(nil),
		logger:  logger.With("component", "runner"),
		active:  make(map[string]*command),
	}
}

// Tracker exposes the session memory.
func (r *Runner) Tracker() *Tracker { return r.tracker }

// Active lists the sessions with a running command, sorted.
func (r *Runner) Active() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.active))
	for id := range r.active {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Connected reports the agent's state on every new connection.
func (r *Runner) Connected(_ context.Context) {
	if len(r.Active()) > 0 {
		r.sendStatus(protocol.AgentBusy, "")
		return
	}
	r.sendStatus(protocol.AgentReady, "")
}

// HandleMessage dispatches one relay message. Commands run in their own goroutine.
func (r *Runner) HandleMessage(ctx context.Context, env *protocol.Envelope) {
	switch env.Type {
	case protocol.TypeAgentCommand:
		var cmd protocol.AgentCommand
		if r.decode(env, &cmd) {
			r.start(ctx, &cmd)
		}
	case protocol.TypeAgentStop:
		var stop protocol.AgentStop
		if r.decode(env, &stop) {
			r.Stop(stop.SessionID, stop.Reason)
		}
	case protocol.TypePermissionResponse:
		var resp protocol.PermissionResponse
		if r.decode(env, &resp) {
			r.perms.Respond(&resp)
		}
	case protocol.TypeSessionClear:
		var ref protocol.SessionRef
		if r.decode(env, &ref) {
			r.clearSession(ref.SessionID)
		}
	case protocol.TypeSessionStatus:
		var ref protocol.SessionRef
		if r.decode(env, &ref) {
			r.reportSession(ref.SessionID)
		}
	default:
		r.logger.Debug("ignoring message", "type", env.Type)
	}
}

func (r *Runner) decode(env *protocol.Envelope, v any) bool {
	if err := env.Into(v); err != nil {
		r.logger.Warn("malformed message from relay", "type", env.Type, "error", err)
		return false
	}
	return true
}

func (r *Runner) start(ctx context.Context, cmd *protocol.AgentCommand) {
	if cmd.SessionID == "" {
		r.logger.Warn("agent_command without sessionId dropped")
		return
	}
	dir, err := commandDir(cmd)
	if err != nil {
		r.reject(cmd.SessionID, err)
		return
	}

	timeout := cmd.Options.EffectiveTimeout(r.cfg.CommandTimeout)
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	c := &command{sessionID: cmd.SessionID, cancel: cancel}

	r.mu.Lock()
	switch {
	case r.closed:
		err = errors.New("agent is shutting down")
	case r.active[cmd.SessionID] != nil:
		err = fmt.Errorf("%w: %s", ErrSessionBusy, cmd.SessionID)
	case r.cfg.MaxConcurrent > 0 && len(r.active) >= r.cfg.MaxConcurrent:
		err = fmt.Errorf("%w: %d commands running", ErrAtCapacity, len(r.active))
	default:
		r.active[cmd.SessionID] = c
		r.wg.Add(1)
	}
	r.mu.Unlock()
	if err != nil {
		cancel()
		r.reject(cmd.SessionID, err)
		return
	}

	r.logger.Info("command started",
		"session_id", cmd.SessionID,
		"project_id", cmd.ProjectID,
		"timeout", timeout,
	)
	r.sendStatus(protocol.AgentBusy, "Executing: "+preview(cmd.Command))

	go func() {
		defer r.wg.Done()
		r.run(runCtx, c, cmd, dir)
	}()
}

// commandDir validates the command and returns the directory it should run in.
func commandDir(cmd *protocol.AgentCommand) (string, error) {
	if strings.TrimSpace(cmd.Command) == "" {
		return "", fmt.Errorf("%w: command cannot be empty", ErrInvalidCommand)
	}
	if cmd.ProjectID == "" {
		return "", fmt.Errorf("%w: projectId is required", ErrInvalidCommand)
	}

	dir := cmd.Options.Dir()
	if dir == "" {
		dir = cmd.WorkingDirectory
	}
	if dir != "" {
		if _, err := os.Stat(dir); err != nil {
			return "", fmt.Errorf("working directory does not exist: %s", dir)
		}
	}
	return dir, nil
}

func preview(s string) string {
	if len(s) <= statusPreview {
		return s
	}
	return s[:statusPreview] + "..."
}

func (r *Runner) run(ctx context.Context, c *command, cmd *protocol.AgentCommand, dir string) {
	defer c.cancel()

	ctx, span := tracing.Start(ctx, "agent.execute",
		tracing.AttrSessionID.String(cmd.SessionID),
		tracing.AttrProjectID.String(cmd.ProjectID),
	)
	defer span.End()

	opts := cmd.Options.Clone()
	resume := r.tracker.Begin(cmd.SessionID, cmd.ProjectID, cmd.Command)
	if opts.Resume == "" && (opts.ContinueSession == nil || *opts.ContinueSession) {
		opts.Resume = resume
	}

	req := Request{
		SessionID:        cmd.SessionID,
		ProjectID:        cmd.ProjectID,
		Prompt:           cmd.Command,
		WorkingDirectory: dir,
		Options:          opts,
		Permit:           r.permitFor(cmd.SessionID),
	}

	var final Event
	var streamed bool
	events, err := r.exec.Execute(ctx, req)
	if err != nil {
		final = Event{Err: err}
	} else {
		final, streamed = r.consume(ctx, c, events)
	}

	var failed *Failure
	if final.Err != nil {
		f := r.failureFor(final.Err)
		span.RecordError(final.Err)
		span.SetStatus(codes.Error, f.Message)
		if r.respond(c, f.Data(), true, f.Message, "") {
			failed = &f
			r.logger.Warn("command failed",
				"session_id", cmd.SessionID,
				"code", f.Code,
				"error", final.Err,
			)
		}
	} else {
		data := ""
		if !streamed {
			data = final.Output
			if data == "" {
				data = MsgCompleted
			}
		}
		if r.respond(c, data, true, "", final.ExternalSessionID) {
			r.logger.Info("command completed", "session_id", cmd.SessionID)
		}
	}

	r.tracker.Finish(cmd.SessionID, final.ExternalSessionID)
	r.perms.CancelSession(cmd.SessionID)
	r.release(c, failed)
}

// consume forwards text chunks until the stream's terminal event or ctx ends.
func (r *Runner) consume(ctx context.Context, c *command, events <-chan Event) (Event, bool) {
	streamed := false
	for {
		select {
		case <-ctx.Done():
			return Event{Err: ctx.Err()}, streamed
		case ev, ok := <-events:
			if !ok {
				return Event{Err: errors.New("executor stopped without a result")}, streamed
			}
			if ev.terminal() {
				return ev, streamed
			}
			if ev.Text != "" && r.respond(c, ev.Text, false, "", "") {
				streamed = true
			}
		}
	}
}

func (r *Runner) failureFor(err error) Failure {
	if errors.Is(err, context.Canceled) {
		return Failure{Code: protocol.CodeExecute, Message: "agent is shutting down"}
	}
	return Categorize(err)
}

// respond sends one command_response chunk. After the final chunk every later
// call is refused, so each command ends exactly once.
func (r *Runner) respond(c *command, data string, final bool, errMsg, externalID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.done {
		return false
	}
	if final {
		c.done = true
	}
	r.send(protocol.TypeCommandResponse, &protocol.CommandResponse{
		SessionID:       c.sessionID,
		Data:            data,
		IsComplete:      final,
		Error:           errMsg,
		ClaudeSessionID: externalID,
	})
	return true
}

func (r *Runner) release(c *command, failed *Failure) {
	r.mu.Lock()
	if r.active[c.sessionID] == c {
		delete(r.active, c.sessionID)
	}
	idle := len(r.active) == 0
	r.mu.Unlock()

	if failed != nil {
		r.sendStatus(protocol.AgentErrored, "Failed: "+failed.Message)
	}
	if idle {
		r.sendStatus(protocol.AgentReady, "")
	}
}

// reject ends a command that never started.
func (r *Runner) reject(sessionID string, err error) {
	f := Categorize(err)
	r.logger.Warn("command rejected", "session_id", sessionID, "code", f.Code, "error", err)
	r.send(protocol.TypeCommandResponse, &protocol.CommandResponse{
		SessionID:  sessionID,
		Data:       f.Data(),
		IsComplete: true,
		Error:      f.Message,
	})
	r.sendStatus(protocol.AgentErrored, "Failed: "+f.Message)
	if len(r.Active()) == 0 {
		r.sendStatus(protocol.AgentReady, "")
	}
}

// Stop cancels the running command for a session and reports it cancelled.
func (r *Runner) Stop(sessionID, reason string) bool {
	r.mu.Lock()
	c, ok := r.active[sessionID]
	r.mu.Unlock()
	if !ok {
		r.logger.Debug("stop for idle session", "session_id", sessionID)
		return false
	}
	if reason == "" {
		reason = DefaultStopReason
	}

	r.respond(c, MsgCancelled, true, reason, "")
	r.perms.CancelSession(sessionID)
	c.cancel()
	r.logger.Info("command stopped", "session_id", sessionID, "reason", reason)
	return true
}

func (r *Runner) permitFor(sessionID string) PermitFunc {
	return func(ctx context.Context, toolName string, input map[string]any) (permission.Decision, error) {
		if !r.gated(toolName) {
			return permission.Decision{Behavior: protocol.DecisionAllow, UpdatedInput: input}, nil
		}
		return r.perms.Request(ctx, sessionID, toolName, input, r.cfg.PermissionTimeout)
	}
}

func (r *Runner) gated(toolName string) bool {
	for _, t := range r.cfg.GatedTools {
		if t == "*" || strings.EqualFold(t, toolName) {
			return true
		}
	}
	return false
}

func (r *Runner) clearSession(sessionID string) {
	if sessionID == "" {
		r.send(protocol.TypeSessionError, &protocol.SessionError{Error: "sessionId is required"})
		return
	}
	if _, running := r.tracker.Clear(sessionID); running {
		r.send(protocol.TypeSessionError, &protocol.SessionError{
			SessionID: sessionID,
			Error:     "session is running; stop it before clearing",
		})
		return
	}
	r.send(protocol.TypeSessionCleared, &protocol.SessionRef{SessionID: sessionID})
}

func (r *Runner) reportSession(sessionID string) {
	if sessionID == "" {
		r.send(protocol.TypeSessionError, &protocol.SessionError{Error: "sessionId is required"})
		return
	}
	report := &protocol.SessionStatusReport{SessionID: sessionID}
	if info, ok := r.tracker.Get(sessionID); ok {
		report.Exists = true
		report.Info = info.Map()
	}
	r.send(protocol.TypeSessionStatus, report)
}

func (r *Runner) sendStatus(status, message string) {
	r.send(protocol.TypeAgentStatus, &protocol.AgentStatus{
		Status:          status,
		CurrentSessions: r.Active(),
		Message:         message,
	})
}

func (r *Runner) send(msgType string, payload any) {
	err := r.out.Send(msgType, payload)
	switch {
	case err == nil:
	case errors.Is(err, ErrNotConnected):
		r.logger.Debug("relay unavailable, message dropped", "type", msgType)
	default:
		r.logger.Warn("message to relay dropped", "type", msgType, "error", err)
	}
}

// Close cancels every running command, aborts pending permission requests and
// waits for the command goroutines to finish.
func (r *Runner) Close() {
	r.mu.Lock()
	r.closed = true
	for _, c := range r.active {
		c.cancel()
	}
	r.mu.Unlock()

	r.perms.Stop()
	r.wg.Wait()
}
