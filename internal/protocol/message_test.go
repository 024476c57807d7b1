// ABOUTME: Tests for envelope construction, validation and decoding
// ABOUTME: Covers identity preservation on forwarded payloads and malformed frames

package protocol

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateMessage_StampsHeader(t *testing.T) {
	data, err := CreateMessage(TypeHeartbeatResponse, &HeartbeatResponse{ServerTime: "now"})
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(data, &fields))

	assert.Equal(t, TypeHeartbeatResponse, fields["type"])
	assert.Equal(t, "now", fields["serverTime"])
	assert.NotEmpty(t, fields["id"])

	ts, ok := fields["timestamp"].(string)
	require.True(t, ok)
	_, err = time.Parse(TimestampFormat, ts)
	assert.NoError(t, err)
}

func TestCreateMessage_FreshIDs(t *testing.T) {
	a, err := CreateMessage(TypeHeartbeat, nil)
	require.NoError(t, err)
	b, err := CreateMessage(TypeHeartbeat, nil)
	require.NoError(t, err)

	envA, err := Decode(a)
	require.NoError(t, err)
	envB, err := Decode(b)
	require.NoError(t, err)
	assert.NotEqual(t, envA.ID, envB.ID)
}

func TestCreateMessage_KeepsForwardedIdentity(t *testing.T) {
	req := &PermissionRequest{
		Header:    Header{ID: "req-1", Timestamp: "2024-01-01T00:00:00.000Z"},
		SessionID: "s1",
		ToolName:  "bash",
	}
	data, err := CreateMessage(TypePermissionRequest, req)
	require.NoError(t, err)

	env, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, "req-1", env.ID)
	assert.Equal(t, "2024-01-01T00:00:00.000Z", env.Timestamp)
	assert.Equal(t, TypePermissionRequest, env.Type)
}

func TestCreateMessage_TypeAlwaysWins(t *testing.T) {
	data, err := CreateMessage(TypeAuthResult, map[string]any{"type": "something-else", "success": true})
	require.NoError(t, err)

	env, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, TypeAuthResult, env.Type)
}

func TestCreateMessage_RejectsNonObject(t *testing.T) {
	_, err := CreateMessage(TypeError, []string{"a"})
	assert.Error(t, err)

	_, err = CreateMessage(TypeError, "text")
	assert.Error(t, err)
}

func TestIsValidMessage(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want bool
	}{
		{"complete", `{"id":"1","timestamp":"t","type":"heartbeat"}`, true},
		{"extra fields", `{"id":"1","timestamp":"t","type":"auth","clientType":"web"}`, true},
		{"missing id", `{"timestamp":"t","type":"heartbeat"}`, false},
		{"numeric id", `{"id":1,"timestamp":"t","type":"heartbeat"}`, false},
		{"null type", `{"id":"1","timestamp":"t","type":null}`, false},
		{"array", `[1,2]`, false},
		{"garbage", `not json`, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsValidMessage([]byte(tc.in)))
		})
	}
}

func TestDecode_Invalid(t *testing.T) {
	_, err := Decode([]byte(`{"type":"auth"}`))
	assert.True(t, errors.Is(err, ErrInvalidMessage))

	_, err = Decode([]byte(`{`))
	assert.True(t, errors.Is(err, ErrInvalidMessage))
}

func TestEnvelope_Into(t *testing.T) {
	data, err := CreateMessage(TypeExecuteCommand, &ExecuteCommand{
		ProjectID: "p1",
		Command:   "list files",
		SessionID: "s1",
	})
	require.NoError(t, err)

	env, err := Decode(data)
	require.NoError(t, err)

	var cmd ExecuteCommand
	require.NoError(t, env.Into(&cmd))
	assert.Equal(t, "p1", cmd.ProjectID)
	assert.Equal(t, "list files", cmd.Command)
	assert.Equal(t, "s1", cmd.SessionID)
	assert.Equal(t, env.ID, cmd.ID)
}

func TestNewError(t *testing.T) {
	data, err := CreateMessage(TypeError, NewError(CodeExecute, "boom", "s1"))
	require.NoError(t, err)

	var msg ErrorMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, CodeExecute, msg.Error.Code)
	assert.Equal(t, "boom", msg.Error.Message)
	assert.Equal(t, "s1", msg.SessionID)
}
