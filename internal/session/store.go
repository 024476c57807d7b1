// ABOUTME: Authoritative in-memory store of live sessions and their history summaries
// ABOUTME: Owns creation, mutation, terminal transitions and listener notification

package session

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrSessionRunning indicates a create reused the id of a running session.
	ErrSessionRunning = errors.New("session already running")
	// ErrMissingID indicates a create without a session id.
	ErrMissingID = errors.New("session id is required")
	// ErrMissingProject indicates a create without a project id.
	ErrMissingProject = errors.New("project id is required")
)

// CreateParams describes a new session.
type CreateParams struct {
	SessionID        string
	ProjectID        string
	ClientID         string
	InitialCommand   string
	WorkingDirectory string
}

// Patch is a partial update. Nil fields are left alone; Metadata keys are merged.
type Patch struct {
	Status   *Status
	EndTime  *time.Time
	Metadata map[string]any
}

// Listener receives lifecycle events.
type Listener func(Event)

type record struct {
	session    *Session
	seq        uint64
	summarized bool
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store is safe for concurrent use. Listeners are always invoked without the lock held.
type Store struct {
	mu        sync.Mutex
	live      map[string]*record
	history   []Summary // newest first
	seq       uint64
	config    Config
	now       func() time.Time
	logger    *slog.Logger
	listeners map[uint64]Listener
	nextLis   uint64

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewStore creates a Store. Call Start to run periodic cleanup.
func NewStore(cfg Config, logger *slog.Logger, opts ...Option) *Store {
	s := &Store{
		live:      make(map[string]*record),
		config:    cfg.withDefaults(),
		now:       time.Now,
		logger:    logger,
		listeners: make(map[uint64]Listener),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Config returns the effective retention settings.
func (s *Store) Config() Config {
	return s.config
}

// Create adds a running session. Reusing the id of a running session fails with
// ErrSessionRunning; the id of a finished session is replaced.
func (s *Store) Create(p CreateParams) (*Session, error) {
	if p.SessionID == "" {
		return nil, ErrMissingID
	}
	if p.ProjectID == "" {
		return nil, ErrMissingProject
	}

	s.mu.Lock()
	if existing, ok := s.live[p.SessionID]; ok {
		if existing.session.Status == StatusRunning {
			s.mu.Unlock()
			return nil, fmt.Errorf("create %s: %w", p.SessionID, ErrSessionRunning)
		}
		s.logger.Warn("replacing finished session with reused id",
			"session_id", p.SessionID,
			"previous_status", existing.session.Status,
		)
		if !existing.summarized {
			s.summarizeLocked(existing)
		}
	}

	meta := map[string]any{}
	if p.InitialCommand != "" {
		meta[MetaInitialCommand] = p.InitialCommand
	}
	if p.WorkingDirectory != "" {
		meta[MetaWorkingDirectory] = p.WorkingDirectory
	}

	sess := &Session{
		ID:        p.SessionID,
		ProjectID: p.ProjectID,
		Status:    StatusRunning,
		StartTime: s.now(),
		ClientID:  p.ClientID,
		Metadata:  meta,
		Commands:  []Command{},
		Responses: []Response{},
	}
	s.seq++
	s.live[sess.ID] = &record{session: sess, seq: s.seq}
	out := sess.clone()
	ev := Event{
		Type:      EventCreated,
		SessionID: sess.ID,
		ProjectID: sess.ProjectID,
		ClientID:  sess.ClientID,
		Timestamp: sess.StartTime,
	}
	s.mu.Unlock()

	s.logger.Info("session created",
		"session_id", sess.ID,
		"project_id", sess.ProjectID,
		"client_id", sess.ClientID,
	)
	s.emit(ev)
	return out, nil
}

// Get returns a copy of the live session.
func (s *Store) Get(id string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.live[id]
	if !ok {
		return nil, false
	}
	return rec.session.clone(), true
}

// Status returns the status of a live session.
func (s *Store) Status(id string) (Status, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.live[id]
	if !ok {
		return "", false
	}
	return rec.session.Status, true
}

// AddCommand appends a command. Missing id, session id, timestamp and status are filled in.
func (s *Store) AddCommand(id string, cmd Command) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.live[id]
	if !ok {
		return false
	}
	if cmd.ID == "" {
		cmd.ID = uuid.New().String()
	}
	cmd.SessionID = id
	if cmd.Timestamp.IsZero() {
		cmd.Timestamp = s.now()
	}
	if cmd.Status == "" {
		cmd.Status = CommandRunning
	}
	rec.session.Commands = append(rec.session.Commands, cmd)
	return true
}

// AddResponse appends a response. CommandID defaults to the most recent command.
func (s *Store) AddResponse(id string, resp Response) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.live[id]
	if !ok {
		return false
	}
	if resp.ID == "" {
		resp.ID = uuid.New().String()
	}
	resp.SessionID = id
	if resp.Timestamp.IsZero() {
		resp.Timestamp = s.now()
	}
	if resp.CommandID == "" && len(rec.session.Commands) > 0 {
		resp.CommandID = rec.session.Commands[len(rec.session.Commands)-1].ID
	}
	resp.Metadata = maps.Clone(resp.Metadata)
	rec.session.Responses = append(rec.session.Responses, resp)
	return true
}

// Update applies a patch. The first transition away from running sets endTime and
// duration, summarizes the session into history and notifies listeners. A status
// patch against a finished session is rejected and returns false.
func (s *Store) Update(id string, p Patch) bool {
	s.mu.Lock()
	ok, ev := s.updateLocked(id, p)
	s.mu.Unlock()

	if ev != nil {
		s.emit(*ev)
	}
	return ok
}

// Complete marks a session complete or errored.
func (s *Store) Complete(id string, success bool) bool {
	status := StatusComplete
	if !success {
		status = StatusError
	}
	return s.Update(id, Patch{Status: &status})
}

// Cancel marks a running session cancelled and records the reason.
func (s *Store) Cancel(id, reason string) bool {
	status := StatusCancelled
	p := Patch{Status: &status}
	if reason != "" {
		p.Metadata = map[string]any{MetaCancelReason: reason}
	}
	return s.Update(id, p)
}

func (s *Store) updateLocked(id string, p Patch) (bool, *Event) {
	rec, ok := s.live[id]
	if !ok {
		return false, nil
	}
	sess := rec.session

	if p.Status != nil && !p.Status.Valid() {
		return false, nil
	}
	if p.Status != nil && sess.Status.Terminal() {
		s.logger.Debug("ignoring status change on finished session",
			"session_id", id,
			"status", sess.Status,
			"requested", *p.Status,
		)
		return false, nil
	}

	for k, v := range p.Metadata {
		sess.Metadata[k] = v
	}

	if p.Status == nil || sess.Status.Terminal() || !p.Status.Terminal() {
		return true, nil
	}

	sess.Status = *p.Status
	end := s.now()
	if p.EndTime != nil {
		end = *p.EndTime
	}
	sess.EndTime = &end
	d := end.Sub(sess.StartTime).Milliseconds()
	sess.Duration = &d

	sum := s.summarizeLocked(rec)
	s.logger.Info("session finished",
		"session_id", id,
		"status", sess.Status,
		"duration_ms", d,
	)
	return true, &Event{
		Type:      terminalEvent(sess.Status),
		SessionID: sess.ID,
		ProjectID: sess.ProjectID,
		ClientID:  sess.ClientID,
		Timestamp: end,
		Summary:   &sum,
	}
}

// RemovedReason is the cancel reason recorded when a running session is removed.
const RemovedReason = "session removed"

// Remove deletes a live session. A running session is cancelled first, so
// history only ever holds sessions that have finished.
func (s *Store) Remove(id string) bool {
	s.mu.Lock()
	var ev *Event
	if rec, ok := s.live[id]; ok && rec.session.Status == StatusRunning {
		status := StatusCancelled
		_, ev = s.updateLocked(id, Patch{
			Status:   &status,
			Metadata: map[string]any{MetaCancelReason: RemovedReason},
		})
	}
	ok := s.removeLocked(id)
	s.mu.Unlock()

	if ev != nil {
		s.emit(*ev)
	}
	return ok
}

func (s *Store) removeLocked(id string) bool {
	rec, ok := s.live[id]
	if !ok {
		return false
	}
	if !rec.summarized {
		s.summarizeLocked(rec)
	}
	delete(s.live, id)
	s.logger.Debug("session removed", "session_id", id)
	return true
}

func (s *Store) summarizeLocked(rec *record) Summary {
	sum := rec.session.summarize()
	rec.summarized = true

	s.history = append([]Summary{sum}, s.history...)
	if limit := s.config.HistoryCap(); len(s.history) > limit {
		s.history = s.history[:limit]
	}
	return sum
}

// ListActive returns running sessions ordered by start time.
func (s *Store) ListActive() []*Session {
	return s.list(func(sess *Session) bool { return sess.Status == StatusRunning })
}

// ListByProject returns live sessions for a project.
func (s *Store) ListByProject(projectID string) []*Session {
	return s.list(func(sess *Session) bool { return sess.ProjectID == projectID })
}

// ListByClient returns live sessions owned by a connection.
func (s *Store) ListByClient(clientID string) []*Session {
	return s.list(func(sess *Session) bool { return sess.ClientID == clientID })
}

// All returns every live session.
func (s *Store) All() []*Session {
	return s.list(func(*Session) bool { return true })
}

func (s *Store) list(keep func(*Session) bool) []*Session {
	s.mu.Lock()
	recs := make([]*record, 0, len(s.live))
	for _, rec := range s.live {
		if keep(rec.session) {
			recs = append(recs, rec)
		}
	}
	sortRecords(recs)
	out := make([]*Session, len(recs))
	for i, rec := range recs {
		out[i] = rec.session.clone()
	}
	s.mu.Unlock()
	return out
}

// sortRecords orders by start time, then insertion order.
func sortRecords(recs []*record) {
	sort.Slice(recs, func(i, j int) bool {
		a, b := recs[i].session.StartTime, recs[j].session.StartTime
		if !a.Equal(b) {
			return a.Before(b)
		}
		return recs[i].seq < recs[j].seq
	})
}

// AddListener registers l and returns a function that removes it.
func (s *Store) AddListener(l Listener) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextLis++
	key := s.nextLis
	s.listeners[key] = l
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, key)
	}
}

func (s *Store) emit(ev Event) {
	s.mu.Lock()
	keys := make([]uint64, 0, len(s.listeners))
	for k := range s.listeners {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	ls := make([]Listener, len(keys))
	for i, k := range keys {
		ls[i] = s.listeners[k]
	}
	s.mu.Unlock()

	for _, l := range ls {
		s.notify(l, ev)
	}
}

func (s *Store) notify(l Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("session listener panicked",
				"event", ev.Type,
				"session_id", ev.SessionID,
				"panic", r,
			)
		}
	}()
	l(ev)
}
