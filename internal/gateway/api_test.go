package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/auth"
	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/protocol"
	"github.com/2389/coven-relay/internal/session"
	"github.com/2389/coven-relay/internal/store"
)

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if v != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

func doDelete(t *testing.T, url string) int {
	t.Helper()
	req, err := http.NewRequest(http.MethodDelete, url, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	return resp.StatusCode
}

// seedSession creates a running session owned by a client id no socket holds.
func seedSession(t *testing.T, gw *Gateway, id, project string) {
	t.Helper()
	_, err := gw.sessions.Create(session.CreateParams{SessionID: id, ProjectID: project, ClientID: "conn-" + id, InitialCommand: "ls"})
	require.NoError(t, err)
}

func TestAPI_StatsAndSessions(t *testing.T) {
	gw, srv := newTestGateway(t, nil)
	seedSession(t, gw, "s1", "p1")
	seedSession(t, gw, "s2", "p2")
	gw.sessions.Complete("s2", true)

	var stats StatsResponse
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/stats", &stats))
	assert.Equal(t, 2, stats.TotalSessions)
	assert.Equal(t, 1, stats.ActiveSessions)
	assert.Equal(t, 1, stats.CompletedSessions)
	assert.Equal(t, 2, stats.LiveSessions)

	var all []session.Session
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/sessions", &all))
	assert.Len(t, all, 2)

	var byProject []session.Session
	getJSON(t, srv.URL+"/api/sessions?projectId=p2", &byProject)
	require.Len(t, byProject, 1)
	assert.Equal(t, "s2", byProject[0].ID)

	var active []session.Session
	getJSON(t, srv.URL+"/api/sessions?active=true", &active)
	require.Len(t, active, 1)
	assert.Equal(t, "s1", active[0].ID)

	var one session.Session
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/sessions/s1", &one))
	assert.Equal(t, "p1", one.ProjectID)
	assert.Equal(t, http.StatusNotFound, getJSON(t, srv.URL+"/api/sessions/nope", nil))

	var m session.Metrics
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/sessions/s1/metrics", &m))
	assert.Equal(t, "s1", m.SessionID)
}

func TestAPI_StopSession(t *testing.T) {
	gw, srv := newTestGateway(t, nil)
	seedSession(t, gw, "s1", "p1")

	assert.Equal(t, http.StatusOK, doDelete(t, srv.URL+"/api/sessions/s1"))
	status, _ := gw.sessions.Status("s1")
	assert.Equal(t, session.StatusCancelled, status)

	assert.Equal(t, http.StatusConflict, doDelete(t, srv.URL+"/api/sessions/s1"))
	assert.Equal(t, http.StatusNotFound, doDelete(t, srv.URL+"/api/sessions/missing"))
}

func TestAPI_History(t *testing.T) {
	gw, srv := newTestGateway(t, nil)
	seedSession(t, gw, "s1", "p1")
	seedSession(t, gw, "s2", "p1")
	gw.sessions.Complete("s1", true)
	gw.sessions.Complete("s2", false)

	var hist []session.Summary
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/history?projectId=p1&status=error", &hist))
	require.Len(t, hist, 1)
	assert.Equal(t, "s2", hist[0].ID)

	getJSON(t, srv.URL+"/api/history?limit=1&offset=1", &hist)
	assert.Len(t, hist, 1)

	assert.Equal(t, http.StatusBadRequest, getJSON(t, srv.URL+"/api/history?status=sleeping", nil))
	assert.Equal(t, http.StatusBadRequest, getJSON(t, srv.URL+"/api/history?limit=-1", nil))
	assert.Equal(t, http.StatusBadRequest, getJSON(t, srv.URL+"/api/history?startDate=yesterday", nil))
}

func TestAPI_ArchiveReceivesTerminalSummaries(t *testing.T) {
	gw, srv := newTestGateway(t, nil)
	seedSession(t, gw, "s1", "p1")
	gw.sessions.Complete("s1", true)

	var records []store.Record
	require.Eventually(t, func() bool {
		records = nil
		return getJSON(t, srv.URL+"/api/archive?projectId=p1", &records) == http.StatusOK && len(records) == 1
	}, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, "s1", records[0].Summary.ID)
	assert.Equal(t, session.StatusComplete, records[0].Summary.Status)

	var latest store.Record
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/archive/s1", &latest))
	assert.Equal(t, records[0].ID, latest.ID)
	assert.Equal(t, http.StatusNotFound, getJSON(t, srv.URL+"/api/archive/never", nil))
	assert.Equal(t, http.StatusBadRequest, getJSON(t, srv.URL+"/api/archive?status=bogus", nil))
}

func TestAPI_ArchiveDisabled(t *testing.T) {
	_, srv := newTestGateway(t, func(cfg *config.Config) {
		cfg.Database.Path = ""
	})
	assert.Equal(t, http.StatusServiceUnavailable, getJSON(t, srv.URL+"/api/archive", nil))
	assert.Equal(t, http.StatusServiceUnavailable, getJSON(t, srv.URL+"/api/archive/s1", nil))
}

func TestAPI_Connections(t *testing.T) {
	_, srv := newTestGateway(t, nil)
	c := dial(t, srv)
	id := c.auth(protocol.ClientWeb)
	c.send(protocol.TypeJoinProject, &protocol.ProjectRef{ProjectID: "p1"})
	c.send(protocol.TypeHeartbeat, nil)
	c.expect(protocol.TypeHeartbeatResponse, nil)

	var conns []ConnectionInfo
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/connections", &conns))
	require.Len(t, conns, 1)
	assert.Equal(t, id, conns[0].ID)
	assert.Equal(t, protocol.ClientWeb, conns[0].Type)
	assert.Equal(t, []string{protocol.ProjectRoom("p1"), protocol.WebRoom}, conns[0].Rooms)
}

func TestAPI_RequiresTokenWhenSecretSet(t *testing.T) {
	_, srv := newTestGateway(t, func(cfg *config.Config) {
		cfg.Auth.JWTSecret = testSecret
	})
	verifier, err := auth.NewJWTVerifier([]byte(testSecret))
	require.NoError(t, err)

	assert.Equal(t, http.StatusUnauthorized, getJSON(t, srv.URL+"/api/stats", nil))
	// health stays open
	assert.Equal(t, http.StatusServiceUnavailable, getJSON(t, srv.URL+"/health/ready", nil))

	token, err := verifier.Generate("ops", auth.RoleAdmin, time.Hour)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/stats", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAPI_EventStream(t *testing.T) {
	gw, srv := newTestGateway(t, nil)

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/events?projectId=p1", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, ": connected\n", line)

	require.Eventually(t, func() bool {
		return gw.events.Subscribers("p1") == 1
	}, 2*time.Second, 10*time.Millisecond)

	seedSession(t, gw, "other", "p2")
	seedSession(t, gw, "s1", "p1")

	var event, data string
	for event == "" || data == "" {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event: "))
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimSpace(strings.TrimPrefix(line, "data: "))
		}
	}
	assert.Equal(t, string(session.EventCreated), event)

	var ev session.Event
	require.NoError(t, json.Unmarshal([]byte(data), &ev))
	assert.Equal(t, "s1", ev.SessionID)
	assert.Equal(t, "p1", ev.ProjectID)
}
