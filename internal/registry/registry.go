// ABOUTME: Tracks authenticated connections, their declared role and last-seen time.
// ABOUTME: Source of connection counts for status snapshots and stale sweeps.

package registry

import (
	"errors"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/2389/coven-relay/internal/protocol"
)

// ErrTypeChanged indicates a connection tried to re-register under a different role.
var ErrTypeChanged = errors.New("connection type is immutable")

// ErrInvalidType indicates an unknown client type.
var ErrInvalidType = errors.New("invalid client type")

// Entry is a snapshot of one registered connection.
type Entry struct {
	ID          string              `json:"id"`
	Type        protocol.ClientType `json:"type"`
	ClientID    string              `json:"clientId,omitempty"`
	Version     string              `json:"version,omitempty"`
	ConnectedAt time.Time           `json:"connectedAt"`
	LastSeen    time.Time           `json:"lastSeen"`
	Agent       *AgentState         `json:"agent,omitempty"`
}

// AgentState is the last agent_status an agent reported.
type AgentState struct {
	Status          string    `json:"status"`
	CurrentSessions []string  `json:"currentSessions"`
	Message         string    `json:"message,omitempty"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// Counts is the aggregate shape used by connection_status.
type Counts struct {
	Total  int `json:"total"`
	Web    int `json:"web"`
	Agents int `json:"agents"`
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// Registry is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	now     func() time.Time
	logger  *slog.Logger
}

// New creates an empty Registry.
func New(logger *slog.Logger, opts ...Option) *Registry {
	r := &Registry{
		entries: make(map[string]*Entry),
		now:     time.Now,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register records connID with its role. Registering the same id again with the
// same role refreshes lastSeen; a different role returns ErrTypeChanged.
func (r *Registry) Register(connID string, t protocol.ClientType) error {
	if !t.Valid() {
		return ErrInvalidType
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if existing, ok := r.entries[connID]; ok {
		if existing.Type != t {
			return ErrTypeChanged
		}
		existing.LastSeen = now
		return nil
	}

	r.entries[connID] = &Entry{
		ID:          connID,
		Type:        t,
		ConnectedAt: now,
		LastSeen:    now,
	}
	r.logger.Info("connection registered",
		"conn_id", connID,
		"type", t,
		"total", len(r.entries),
	)
	return nil
}

// Describe attaches the self-reported client id and version to a registered connection.
func (r *Registry) Describe(connID, clientID, version string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[connID]
	if !ok {
		return false
	}
	e.ClientID = clientID
	e.Version = version
	return true
}

// Unregister removes connID. Returns false if it was not registered.
func (r *Registry) Unregister(connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[connID]
	if !ok {
		return false
	}
	delete(r.entries, connID)
	r.logger.Info("connection unregistered",
		"conn_id", connID,
		"type", e.Type,
		"total", len(r.entries),
	)
	return true
}

// Touch updates lastSeen. Returns false for unknown ids.
func (r *Registry) Touch(connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[connID]
	if !ok {
		return false
	}
	e.LastSeen = r.now()
	return true
}

// SetAgentStatus records the latest agent_status from an agent connection.
func (r *Registry) SetAgentStatus(connID string, status *protocol.AgentStatus) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[connID]
	if !ok || e.Type != protocol.ClientAgent {
		return false
	}
	e.Agent = &AgentState{
		Status:          status.Status,
		CurrentSessions: slices.Clone(status.CurrentSessions),
		Message:         status.Message,
		UpdatedAt:       r.now(),
	}
	return true
}

// Get returns a copy of the entry for connID.
func (r *Registry) Get(connID string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[connID]
	if !ok {
		return Entry{}, false
	}
	return copyEntry(e), true
}

// Counts tallies live connections by role.
func (r *Registry) Counts() Counts {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var c Counts
	for _, e := range r.entries {
		c.Total++
		switch e.Type {
		case protocol.ClientWeb:
			c.Web++
		case protocol.ClientAgent:
			c.Agents++
		}
	}
	return c
}

// Stale returns the ids whose lastSeen is older than threshold.
func (r *Registry) Stale(threshold time.Duration) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.now()
	var ids []string
	for id, e := range r.entries {
		if now.Sub(e.LastSeen) > threshold {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// List returns every entry ordered by connection time.
func (r *Registry) List() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, copyEntry(e))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

func copyEntry(e *Entry) Entry {
	c := *e
	if e.Agent != nil {
		a := *e.Agent
		a.CurrentSessions = slices.Clone(e.Agent.CurrentSessions)
		c.Agent = &a
	}
	return c
}
