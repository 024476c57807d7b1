// ABOUTME: Maps executor failures onto the wire error codes and user-facing text
// ABOUTME: Categories are chosen by substring, first match wins

package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/2389/coven-relay/internal/protocol"
)

// Fixed user-facing messages for categories whose raw text is rarely helpful.
const (
	MsgAuthFailed       = "Authentication with the assistant failed. Please check your credentials."
	MsgPermissionDenied = "Permission denied. Check file/directory access rights."
	MsgTimedOut         = "Command timed out. The operation took too long to complete."
	MsgNetwork          = "Network connection error. Please check your internet connection."
	MsgCancelled        = "Command cancelled"
	MsgCompleted        = "Command completed successfully"
)

var (
	// ErrInvalidCommand marks an agent_command the runner refuses to start.
	ErrInvalidCommand = errors.New("invalid command")
	// ErrSessionBusy is returned when a command arrives for a session that is still running.
	ErrSessionBusy = errors.New("session already has a running command")
	// ErrAtCapacity is returned when max_concurrent commands are already running.
	ErrAtCapacity = errors.New("agent is at capacity")
)

// Failure is a categorised executor error.
type Failure struct {
	Code    string
	Message string
}

// Data is the text of the final command_response chunk.
func (f Failure) Data() string {
	return fmt.Sprintf("Error (%s): %s", f.Code, f.Message)
}

type category struct {
	code     string
	needles  []string
	override string
}

var categories = []category{
	{protocol.CodeAuth, []string{"authentication"}, MsgAuthFailed},
	{protocol.CodeNotFound, []string{"not found", "does not exist", "no such file"}, ""},
	{protocol.CodePermission, []string{"permission", "access"}, MsgPermissionDenied},
	{protocol.CodeTimeout, []string{"timeout", "timed out"}, MsgTimedOut},
	{protocol.CodeNetwork, []string{"network", "connection"}, MsgNetwork},
	{protocol.CodeValidation, []string{"validation", "invalid"}, ""},
}

// Categorize classifies err. Deadline errors are always timeouts.
func Categorize(err error) Failure {
	if err == nil {
		return Failure{Code: protocol.CodeUnknown, Message: "An unknown error occurred"}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Failure{Code: protocol.CodeTimeout, Message: MsgTimedOut}
	}

	msg := err.Error()
	lower := strings.ToLower(msg)
	for _, c := range categories {
		for _, n := range c.needles {
			if !strings.Contains(lower, n) {
				continue
			}
			if c.override != "" {
				return Failure{Code: c.code, Message: c.override}
			}
			return Failure{Code: c.code, Message: msg}
		}
	}
	return Failure{Code: protocol.CodeUnknown, Message: msg}
}
