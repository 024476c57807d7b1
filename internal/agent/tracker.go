// ABOUTME: Agent-side memory of the sessions this agent has run
// ABOUTME: Answers session:status and session:clear and supplies resume ids to later commands

package agent

import (
	"sync"
	"time"
)

// SessionInfo is what the agent remembers about one relay session.
type SessionInfo struct {
	SessionID         string    `json:"sessionId"`
	ProjectID         string    `json:"projectId"`
	LastPrompt        string    `json:"lastPrompt"`
	ExternalSessionID string    `json:"externalSessionId,omitempty"`
	Commands          int       `json:"commandCount"`
	Running           bool      `json:"running"`
	CreatedAt         time.Time `json:"createdAt"`
	LastActivity      time.Time `json:"lastActivity"`
}

// Map renders the info for session:status replies.
func (i SessionInfo) Map() map[string]any {
	m := map[string]any{
		"projectId":    i.ProjectID,
		"lastPrompt":   i.LastPrompt,
		"commandCount": i.Commands,
		"running":      i.Running,
		"createdAt":    i.CreatedAt.UTC().Format(time.RFC3339),
		"lastActivity": i.LastActivity.UTC().Format(time.RFC3339),
	}
	if i.ExternalSessionID != "" {
		m["externalSessionId"] = i.ExternalSessionID
	}
	return m
}

// Tracker is safe for concurrent use.
type Tracker struct {
	mu       sync.Mutex
	sessions map[string]*SessionInfo
	now      func() time.Time
}

func NewTracker(now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{sessions: make(map[string]*SessionInfo), now: now}
}

// Begin records a command starting in a session and returns the external id
// to resume, if the session previously ran in the same project.
func (t *Tracker) Begin(sessionID, projectID, prompt string) (resume string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	info, ok := t.sessions[sessionID]
	if !ok {
		info = &SessionInfo{SessionID: sessionID, ProjectID: projectID, CreatedAt: now}
		t.sessions[sessionID] = info
	}
	if info.ProjectID == projectID {
		resume = info.ExternalSessionID
	} else {
		// a session moved to another project starts fresh
		info.ProjectID = projectID
		info.ExternalSessionID = ""
	}
	info.LastPrompt = prompt
	info.Commands++
	info.Running = true
	info.LastActivity = now
	return resume
}

// Finish marks the session idle, keeping externalID when one is given.
func (t *Tracker) Finish(sessionID, externalID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	info, ok := t.sessions[sessionID]
	if !ok {
		return
	}
	info.Running = false
	info.LastActivity = t.now()
	if externalID != "" {
		info.ExternalSessionID = externalID
	}
}

// Get returns a copy of the session's info.
func (t *Tracker) Get(sessionID string) (SessionInfo, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	info, ok := t.sessions[sessionID]
	if !ok {
		return SessionInfo{}, false
	}
	return *info, true
}

// Clear forgets an idle session. It refuses running sessions and reports
// whether anything was removed.
func (t *Tracker) Clear(sessionID string) (removed bool, running bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	info, ok := t.sessions[sessionID]
	if !ok {
		return false, false
	}
	if info.Running {
		return false, true
	}
	delete(t.sessions, sessionID)
	return true, false
}

// Len is the number of remembered sessions.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}
