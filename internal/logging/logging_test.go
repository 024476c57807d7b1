// ABOUTME: Tests for logger construction and the colour handler
// ABOUTME: Colour is disabled so assertions can match plain text

package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noColor(t *testing.T) {
	t.Helper()
	prev := color.NoColor
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = prev })
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("info"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("WARN"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("chatty"))
}

func TestColorHandler_Format(t *testing.T) {
	noColor(t)
	var buf bytes.Buffer
	logger := New("debug", "text", &buf)

	logger.With("component", "relay").Info("session created", "session_id", "s1")

	line := buf.String()
	assert.Regexp(t, `^\d{2}:\d{2}:\d{2} INF session created`, line)
	assert.Contains(t, line, " component=relay")
	assert.Contains(t, line, " session_id=s1")
	assert.True(t, strings.HasSuffix(line, "\n"))
}

func TestColorHandler_LevelFilter(t *testing.T) {
	noColor(t)
	var buf bytes.Buffer
	logger := New("warn", "text", &buf)

	logger.Info("hidden")
	logger.Warn("shown")
	logger.Error("also shown")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "WRN shown")
	assert.Contains(t, out, "ERR also shown")
}

func TestColorHandler_Groups(t *testing.T) {
	noColor(t)
	var buf bytes.Buffer
	logger := New("info", "text", &buf)

	logger.WithGroup("conn").Info("closed", "id", "c1", slog.Group("peer", "addr", "1.2.3.4"))

	out := buf.String()
	assert.Contains(t, out, " conn.id=c1")
	assert.Contains(t, out, " conn.peer.addr=1.2.3.4")
}

func TestColorHandler_DerivedHandlersShareWriter(t *testing.T) {
	noColor(t)
	var buf bytes.Buffer
	base := New("info", "text", &buf)

	base.With("a", 1).Info("one")
	base.WithGroup("g").Info("two")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
}

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := New("info", "json", &buf)

	logger.Info("ready", "agents", 2)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "ready", rec["msg"])
	assert.Equal(t, float64(2), rec["agents"])
}
