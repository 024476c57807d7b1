package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/gateway"
)

func newRelay(t *testing.T) *httptest.Server {
	t.Helper()
	cfg := config.Default()
	cfg.Database.Path = ""
	gw, err := gateway.New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(func() {
		_ = gw.Shutdown(context.Background())
		srv.Close()
	})
	return srv
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("COVEN_TOKEN", "")
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(t.Context())
	return out.String(), err
}

func TestStatus(t *testing.T) {
	srv := newRelay(t)
	out, err := runCLI(t, "--url", srv.URL, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Connections:   0 (0 web, 0 agents)")
	assert.Contains(t, out, "Live sessions: 0")
}

func TestStatusJSON(t *testing.T) {
	srv := newRelay(t)
	out, err := runCLI(t, "--url", srv.URL, "--json", "status")
	require.NoError(t, err)
	assert.Contains(t, out, `"liveSessions": 0`)
}

func TestEmptyListings(t *testing.T) {
	srv := newRelay(t)
	for _, args := range [][]string{{"sessions"}, {"history"}, {"connections"}} {
		out, err := runCLI(t, append([]string{"--url", srv.URL}, args...)...)
		require.NoError(t, err, args)
		assert.Contains(t, out, "no ", args)
	}
}

func TestAPIErrorsSurface(t *testing.T) {
	srv := newRelay(t)

	_, err := runCLI(t, "--url", srv.URL, "sessions", "stop", "nope")
	var apiErr *apiError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.Equal(t, "session not found", apiErr.Message)

	_, err = runCLI(t, "--url", srv.URL, "archive")
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.Status)

	_, err = runCLI(t, "--url", srv.URL, "history", "--status", "bogus")
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
}

func TestTokenIsSent(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Authorization")
		_, _ = io.WriteString(w, "[]")
	}))
	t.Cleanup(srv.Close)

	_, err := runCLI(t, "--url", srv.URL, "--token", "abc", "connections")
	require.NoError(t, err)
	assert.Equal(t, "Bearer abc", got)
}

func TestParseSince(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	got, err := parseSince("2h", now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(-2*time.Hour), got)

	got, err = parseSince("2025-02-01T00:00:00Z", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC), got)

	_, err = parseSince("yesterday", now)
	assert.Error(t, err)
}

func TestStreamParsesEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "p1", r.URL.Query().Get("projectId"))
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ": connected\n\n")
		fmt.Fprint(w, "event: created\ndata: {\"type\":\"created\",\"sessionId\":\"s1\",\"projectId\":\"p1\"}\n\n")
		fmt.Fprint(w, ": keepalive\n\n")
		fmt.Fprint(w, "event: error\ndata: {\"type\":\"error\",\"sessionId\":\"s1\",\"summary\":{\"id\":\"s1\",\"status\":\"error\",\"error\":\"boom\"}}\n\n")
	}))
	t.Cleanup(srv.Close)

	var names []string
	err := newAPIClient(srv.URL, "").stream(t.Context(), "/api/events", map[string][]string{"projectId": {"p1"}}, func(ev sseEvent) error {
		names = append(names, ev.Name)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"created", "error"}, names)

	out, err := runCLI(t, "--url", srv.URL, "events", "--project", "p1")
	require.NoError(t, err)
	assert.Contains(t, out, "created")
	assert.Contains(t, out, "error=boom")
}
