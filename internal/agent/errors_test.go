package agent

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/2389/coven-relay/internal/protocol"
)

func TestCategorize(t *testing.T) {
	tests := []struct {
		err  error
		code string
		msg  string
	}{
		{errors.New("Authentication token expired"), protocol.CodeAuth, MsgAuthFailed},
		{errors.New("working directory does not exist: /nope"), protocol.CodeNotFound, "working directory does not exist: /nope"},
		{errors.New("file not found"), protocol.CodeNotFound, "file not found"},
		{errors.New("permission denied for bash: no"), protocol.CodePermission, MsgPermissionDenied},
		{errors.New("read timeout"), protocol.CodeTimeout, MsgTimedOut},
		{fmt.Errorf("run: %w", context.DeadlineExceeded), protocol.CodeTimeout, MsgTimedOut},
		{errors.New("connection reset by peer"), protocol.CodeNetwork, MsgNetwork},
		{fmt.Errorf("%w: command cannot be empty", ErrInvalidCommand), protocol.CodeValidation, "invalid command: command cannot be empty"},
		{errors.New("exploded"), protocol.CodeUnknown, "exploded"},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			f := Categorize(tt.err)
			assert.Equal(t, tt.code, f.Code)
			assert.Equal(t, tt.msg, f.Message)
		})
	}
}

func TestCategorize_FirstMatchWins(t *testing.T) {
	// mentions both a missing file and access
	f := Categorize(errors.New("cannot access config: not found"))
	assert.Equal(t, protocol.CodeNotFound, f.Code)
}

func TestFailureData(t *testing.T) {
	f := Failure{Code: protocol.CodeTimeout, Message: MsgTimedOut}
	assert.Equal(t, "Error (TIMEOUT_ERROR): "+MsgTimedOut, f.Data())
}
