// ABOUTME: Executor contract between the runner and the tool that actually does the work
// ABOUTME: Includes EchoExecutor, a dependency-free implementation used for demos and tests

package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/2389/coven-relay/internal/permission"
	"github.com/2389/coven-relay/internal/protocol"
)

// PermitFunc asks for permission to use a tool and blocks until it is decided.
type PermitFunc func(ctx context.Context, toolName string, input map[string]any) (permission.Decision, error)

// Request is one command handed to an Executor.
type Request struct {
	SessionID        string
	ProjectID        string
	Prompt           string
	WorkingDirectory string
	Options          protocol.ExecOptions
	Permit           PermitFunc
}

// Event is one item on an execution's event stream. A stream carries any
// number of Text events followed by exactly one terminal event: Done or Err.
type Event struct {
	Text string

	Done bool
	// Output is the full result, used when nothing was streamed.
	Output string
	// ExternalSessionID lets a later command resume the executor's own session.
	ExternalSessionID string

	Err error
}

func (e Event) terminal() bool { return e.Done || e.Err != nil }

// Executor runs commands. Execute must return promptly; work happens on the
// returned channel, which the executor closes after its terminal event.
// Executors must stop sending and close the channel once ctx is done: the
// runner stops reading after the first terminal event or cancellation.
type Executor interface {
	Execute(ctx context.Context, req Request) (<-chan Event, error)
}

// emit sends ev unless ctx is done first.
func emit(ctx context.Context, ch chan<- Event, ev Event) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// permit runs req.Permit for toolName, treating a missing callback as allow.
func permit(ctx context.Context, req Request, toolName string, input map[string]any) error {
	if req.Permit == nil {
		return nil
	}
	d, err := req.Permit(ctx, toolName, input)
	if err != nil {
		return fmt.Errorf("permission for %s: %w", toolName, err)
	}
	if !d.Allowed() {
		return fmt.Errorf("permission denied for %s: %s", toolName, d.Message)
	}
	return nil
}

// EchoExecutor answers every prompt with "Echo: <prompt>", streamed in chunks.
type EchoExecutor struct {
	// ChunkSize splits the reply; zero sends it in one piece.
	ChunkSize int
	// Delay is slept between chunks.
	Delay time.Duration
	// Tool, when set, is requested through the permission callback before replying.
	Tool string
}

func (e *EchoExecutor) Execute(ctx context.Context, req Request) (<-chan Event, error) {
	ch := make(chan Event)
	go func() {
		defer close(ch)

		if e.Tool != "" {
			input := map[string]any{"command": req.Prompt}
			if err := permit(ctx, req, e.Tool, input); err != nil {
				emit(ctx, ch, Event{Err: err})
				return
			}
		}

		reply := "Echo: " + req.Prompt
		size := e.ChunkSize
		if size <= 0 {
			size = len(reply)
		}
		for start := 0; start < len(reply); start += size {
			end := min(start+size, len(reply))
			if !emit(ctx, ch, Event{Text: reply[start:end]}) {
				return
			}
			if e.Delay > 0 {
				select {
				case <-time.After(e.Delay):
				case <-ctx.Done():
					return
				}
			}
		}
		emit(ctx, ch, Event{Done: true, ExternalSessionID: "echo-" + req.SessionID})
	}()
	return ch, nil
}
