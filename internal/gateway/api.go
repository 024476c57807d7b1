// ABOUTME: HTTP surface of the gateway: websocket upgrade, health, metrics and the JSON operator API
// ABOUTME: /api routes read live state from the session store and registry, and history from the archive

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/2389/coven-relay/internal/auth"
	"github.com/2389/coven-relay/internal/registry"
	"github.com/2389/coven-relay/internal/relay"
	"github.com/2389/coven-relay/internal/session"
	"github.com/2389/coven-relay/internal/store"
)

// sseKeepalive is how often an idle event stream gets a comment line.
const sseKeepalive = 15 * time.Second

// Handler returns the gateway's HTTP handler.
func (g *Gateway) Handler() http.Handler {
	r := chi.NewRouter()

	r.Get("/ws", g.handleWS)
	r.Get("/health", g.handleHealth)
	r.Get("/health/ready", g.handleReady)
	if g.config.Metrics.Enabled {
		r.Handle(g.config.Metrics.Path, g.metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		if g.verifier != nil {
			r.Use(auth.HTTPAuthMiddleware(g.verifier))
		}
		r.Get("/stats", g.handleStats)
		r.Get("/connections", g.handleConnections)
		r.Get("/history", g.handleHistory)
		r.Get("/events", g.handleEvents)

		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", g.handleListSessions)
			r.Get("/{id}", g.handleGetSession)
			r.Get("/{id}/metrics", g.handleSessionMetrics)
			r.Delete("/{id}", g.handleStopSession)
		})

		r.Route("/archive", func(r chi.Router) {
			r.Get("/", g.handleArchive)
			r.Get("/{id}", g.handleArchiveLatest)
		})
	})

	return r
}

// StatsResponse is the body of GET /api/stats.
type StatsResponse struct {
	session.Stats
	LiveSessions  int             `json:"liveSessions"`
	HistoryLength int             `json:"historyLength"`
	Connections   registry.Counts `json:"connections"`
}

// ConnectionInfo is one entry of GET /api/connections.
type ConnectionInfo struct {
	registry.Entry
	Rooms []string `json:"rooms"`
}

// writeJSON writes v as a JSON response with the given status.
func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("writing JSON response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.writeJSON(w, status, map[string]string{"error": message})
}

func (g *Gateway) handleStats(w http.ResponseWriter, _ *http.Request) {
	info := g.sessions.DebugInfo()
	g.writeJSON(w, http.StatusOK, StatsResponse{
		Stats:         info.Stats,
		LiveSessions:  info.LiveSessions,
		HistoryLength: info.HistoryLength,
		Connections:   g.registry.Counts(),
	})
}

func (g *Gateway) handleConnections(w http.ResponseWriter, _ *http.Request) {
	entries := g.registry.List()
	out := make([]ConnectionInfo, 0, len(entries))
	for _, e := range entries {
		rooms := g.hub.Rooms(e.ID)
		if rooms == nil {
			rooms = []string{}
		}
		out = append(out, ConnectionInfo{Entry: e, Rooms: rooms})
	}
	g.writeJSON(w, http.StatusOK, out)
}

func (g *Gateway) handleListSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var sessions []*session.Session
	switch {
	case q.Get("projectId") != "":
		sessions = g.sessions.ListByProject(q.Get("projectId"))
	case q.Get("clientId") != "":
		sessions = g.sessions.ListByClient(q.Get("clientId"))
	case q.Get("active") == "true":
		sessions = g.sessions.ListActive()
	default:
		sessions = g.sessions.All()
	}

	// the list helpers filter on one field; apply the rest here
	out := make([]*session.Session, 0, len(sessions))
	for _, s := range sessions {
		if id := q.Get("clientId"); id != "" && s.ClientID != id {
			continue
		}
		if q.Get("active") == "true" && s.Status != session.StatusRunning {
			continue
		}
		out = append(out, s)
	}
	g.writeJSON(w, http.StatusOK, out)
}

func (g *Gateway) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s, ok := g.sessions.Get(id)
	if !ok {
		g.sendJSONError(w, http.StatusNotFound, "session not found")
		return
	}
	g.writeJSON(w, http.StatusOK, s)
}

func (g *Gateway) handleSessionMetrics(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	m, ok := g.sessions.Metrics(id)
	if !ok {
		g.sendJSONError(w, http.StatusNotFound, "session not found")
		return
	}
	g.writeJSON(w, http.StatusOK, m)
}

func (g *Gateway) handleStopSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "stopped by operator"
	}

	if err := g.relay.Stop(id, reason); err != nil {
		if !errors.Is(err, relay.ErrNotRunning) {
			g.sendJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if _, ok := g.sessions.Get(id); ok {
			g.sendJSONError(w, http.StatusConflict, "session is not running")
			return
		}
		g.sendJSONError(w, http.StatusNotFound, "session not found")
		return
	}

	g.logger.Info("session stopped via API", "session_id", id, "reason", reason)
	s, _ := g.sessions.Get(id)
	g.writeJSON(w, http.StatusOK, s)
}

// parseHistoryFilter reads projectId, status, startDate, endDate, limit and offset.
func parseHistoryFilter(r *http.Request) (session.Filter, error) {
	q := r.URL.Query()
	f := session.Filter{ProjectID: q.Get("projectId")}

	if s := q.Get("status"); s != "" {
		st := session.Status(s)
		if !st.Valid() {
			return f, fmt.Errorf("invalid status %q", s)
		}
		f.Status = st
	}

	for _, p := range []struct {
		name string
		dst  **time.Time
	}{
		{"startDate", &f.StartDate},
		{"endDate", &f.EndDate},
	} {
		raw := q.Get(p.name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return f, fmt.Errorf("invalid %s: %w", p.name, err)
		}
		*p.dst = &t
	}

	for _, p := range []struct {
		name string
		dst  *int
	}{
		{"limit", &f.Limit},
		{"offset", &f.Offset},
	} {
		raw := q.Get(p.name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return f, fmt.Errorf("invalid %s %q", p.name, raw)
		}
		*p.dst = n
	}

	return f, nil
}

func (g *Gateway) handleHistory(w http.ResponseWriter, r *http.Request) {
	f, err := parseHistoryFilter(r)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	g.writeJSON(w, http.StatusOK, g.sessions.History(f))
}

func (g *Gateway) handleArchive(w http.ResponseWriter, r *http.Request) {
	if g.archive == nil {
		g.sendJSONError(w, http.StatusServiceUnavailable, "session archive is disabled")
		return
	}

	q := r.URL.Query()
	query := store.Query{
		SessionID: q.Get("sessionId"),
		ProjectID: q.Get("projectId"),
	}
	if s := q.Get("status"); s != "" {
		st := session.Status(s)
		if !st.Valid() {
			g.sendJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid status %q", s))
			return
		}
		query.Status = st
	}
	if raw := q.Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			g.sendJSONError(w, http.StatusBadRequest, "invalid since: "+err.Error())
			return
		}
		query.Since = &t
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			g.sendJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid limit %q", raw))
			return
		}
		query.Limit = n
	}

	records, err := g.archive.ListSummaries(r.Context(), query)
	if err != nil {
		g.logger.Error("listing archive", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to read archive")
		return
	}
	if records == nil {
		records = []*store.Record{}
	}
	g.writeJSON(w, http.StatusOK, records)
}

func (g *Gateway) handleArchiveLatest(w http.ResponseWriter, r *http.Request) {
	if g.archive == nil {
		g.sendJSONError(w, http.StatusServiceUnavailable, "session archive is disabled")
		return
	}

	rec, err := g.archive.GetLatest(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "session not archived")
		return
	}
	if err != nil {
		g.logger.Error("reading archive", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to read archive")
		return
	}
	g.writeJSON(w, http.StatusOK, rec)
}

// handleEvents streams session lifecycle events as server-sent events.
func (g *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	topic := r.URL.Query().Get("projectId")
	if topic == "" {
		topic = AllProjects
	}

	ctx := r.Context()
	events, _ := g.events.Subscribe(ctx, topic)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	g.streamEvents(w, flusher, r, events)
}

func (g *Gateway) streamEvents(w http.ResponseWriter, flusher http.Flusher, r *http.Request, events <-chan session.Event) {
	keepalive := time.NewTicker(sseKeepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			g.writeSSEEvent(w, string(ev.Type), ev)
			flusher.Flush()
		case <-keepalive.C:
			_, _ = fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

// writeSSEEvent writes a single SSE event to the response writer.
func (g *Gateway) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return
	}
	_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, dataJSON)
}
