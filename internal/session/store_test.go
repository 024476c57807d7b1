// ABOUTME: Tests for session creation, mutation, terminal transitions and listeners
// ABOUTME: Uses an injected clock so durations and cleanup are deterministic

package session

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T, cfg Config) (*Store, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	s := NewStore(cfg, testLogger(), WithClock(clock.Now))
	t.Cleanup(s.Stop)
	return s, clock
}

func mustCreate(t *testing.T, s *Store, id, project, client string) *Session {
	t.Helper()
	sess, err := s.Create(CreateParams{SessionID: id, ProjectID: project, ClientID: client})
	require.NoError(t, err)
	return sess
}

func TestStore_CreateAndGet(t *testing.T) {
	s, _ := newTestStore(t, Config{})

	sess, err := s.Create(CreateParams{
		SessionID:        "s1",
		ProjectID:        "p1",
		ClientID:         "c1",
		InitialCommand:   "list files",
		WorkingDirectory: "/repo",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, sess.Status)
	assert.Nil(t, sess.EndTime)
	assert.Equal(t, "list files", sess.Metadata[MetaInitialCommand])
	assert.Equal(t, "/repo", sess.Metadata[MetaWorkingDirectory])

	got, ok := s.Get("s1")
	require.True(t, ok)
	assert.Equal(t, "c1", got.ClientID)

	_, ok = s.Get("missing")
	assert.False(t, ok)
}

func TestStore_CreateValidates(t *testing.T) {
	s, _ := newTestStore(t, Config{})

	_, err := s.Create(CreateParams{ProjectID: "p1"})
	assert.True(t, errors.Is(err, ErrMissingID))

	_, err = s.Create(CreateParams{SessionID: "s1"})
	assert.True(t, errors.Is(err, ErrMissingProject))
}

func TestStore_DuplicateRunningIDRejected(t *testing.T) {
	s, _ := newTestStore(t, Config{})
	mustCreate(t, s, "s1", "p1", "c1")

	_, err := s.Create(CreateParams{SessionID: "s1", ProjectID: "p2", ClientID: "c2"})
	assert.True(t, errors.Is(err, ErrSessionRunning))

	got, ok := s.Get("s1")
	require.True(t, ok)
	assert.Equal(t, "p1", got.ProjectID)
	assert.Equal(t, "c1", got.ClientID)
	assert.Len(t, s.All(), 1)
}

func TestStore_FinishedIDIsReplaced(t *testing.T) {
	s, _ := newTestStore(t, Config{})
	mustCreate(t, s, "s1", "p1", "c1")
	require.True(t, s.Complete("s1", true))

	sess, err := s.Create(CreateParams{SessionID: "s1", ProjectID: "p1", ClientID: "c2"})
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, sess.Status)
	assert.Equal(t, "c2", sess.ClientID)
	assert.Len(t, s.All(), 1)
	assert.Len(t, s.History(Filter{}), 1)
}

func TestStore_ReturnsCopies(t *testing.T) {
	s, _ := newTestStore(t, Config{})
	sess := mustCreate(t, s, "s1", "p1", "c1")
	sess.Status = StatusError
	sess.Metadata["x"] = "y"

	got, _ := s.Get("s1")
	assert.Equal(t, StatusRunning, got.Status)
	assert.NotContains(t, got.Metadata, "x")
}

func TestStore_UnknownIDIsNoOp(t *testing.T) {
	s, _ := newTestStore(t, Config{})
	status := StatusComplete

	assert.False(t, s.AddCommand("nope", Command{Command: "x"}))
	assert.False(t, s.AddResponse("nope", Response{Content: "x"}))
	assert.False(t, s.Update("nope", Patch{Status: &status}))
	assert.False(t, s.Cancel("nope", "reason"))
	assert.False(t, s.Remove("nope"))
}

func TestStore_TerminalTransitionHappensOnce(t *testing.T) {
	s, clock := newTestStore(t, Config{})
	mustCreate(t, s, "s1", "p1", "c1")

	clock.Advance(1500 * time.Millisecond)
	require.True(t, s.Complete("s1", true))

	first, _ := s.Get("s1")
	require.NotNil(t, first.EndTime)
	require.NotNil(t, first.Duration)
	assert.Equal(t, int64(1500), *first.Duration)

	clock.Advance(time.Second)
	assert.False(t, s.Cancel("s1", "late"))
	assert.False(t, s.Complete("s1", false))

	after, _ := s.Get("s1")
	assert.Equal(t, StatusComplete, after.Status)
	assert.Equal(t, *first.EndTime, *after.EndTime)
	assert.Equal(t, *first.Duration, *after.Duration)
	assert.Len(t, s.History(Filter{}), 1)
}

func TestStore_MetadataOnlyUpdateKeepsRunning(t *testing.T) {
	s, _ := newTestStore(t, Config{})
	mustCreate(t, s, "s1", "p1", "c1")

	assert.True(t, s.Update("s1", Patch{Metadata: map[string]any{"userAgent": "test"}}))

	got, _ := s.Get("s1")
	assert.Equal(t, StatusRunning, got.Status)
	assert.Equal(t, "test", got.Metadata["userAgent"])
	assert.Empty(t, s.History(Filter{}))
}

func TestStore_CancelRecordsReason(t *testing.T) {
	s, _ := newTestStore(t, Config{})
	mustCreate(t, s, "s1", "p1", "c1")

	require.True(t, s.Cancel("s1", "client disconnected"))

	got, _ := s.Get("s1")
	assert.Equal(t, StatusCancelled, got.Status)
	assert.Equal(t, "client disconnected", got.Metadata[MetaCancelReason])

	hist := s.History(Filter{})
	require.Len(t, hist, 1)
	assert.Equal(t, "client disconnected", hist[0].Error)
}

func TestStore_RemoveCancelsRunningSession(t *testing.T) {
	s, _ := newTestStore(t, Config{})
	mustCreate(t, s, "s1", "p1", "c1")
	s.AddCommand("s1", Command{Command: "build"})

	var events []EventType
	s.AddListener(func(ev Event) { events = append(events, ev.Type) })

	require.True(t, s.Remove("s1"))
	_, ok := s.Get("s1")
	assert.False(t, ok)

	hist := s.History(Filter{})
	require.Len(t, hist, 1)
	assert.Equal(t, StatusCancelled, hist[0].Status)
	assert.NotNil(t, hist[0].EndTime)
	assert.NotNil(t, hist[0].Duration)
	assert.Equal(t, "build", hist[0].LastCommand)
	assert.Empty(t, s.History(Filter{Status: StatusRunning}))
	assert.Equal(t, []EventType{EventCancelled}, events)

	assert.False(t, s.Remove("s1"))
}

func TestStore_RemoveFinishedSessionKeepsOneSummary(t *testing.T) {
	s, _ := newTestStore(t, Config{})
	mustCreate(t, s, "s1", "p1", "c1")
	require.True(t, s.Complete("s1", true))

	require.True(t, s.Remove("s1"))
	hist := s.History(Filter{})
	require.Len(t, hist, 1)
	assert.Equal(t, StatusComplete, hist[0].Status)
}

func TestStore_ResponsesLinkToLastCommand(t *testing.T) {
	s, _ := newTestStore(t, Config{})
	mustCreate(t, s, "s1", "p1", "c1")

	require.True(t, s.AddCommand("s1", Command{ID: "cmd-1", Command: "one"}))
	require.True(t, s.AddResponse("s1", Response{Type: ResponseText, Content: "out"}))

	got, _ := s.Get("s1")
	require.Len(t, got.Responses, 1)
	assert.Equal(t, "cmd-1", got.Responses[0].CommandID)
	assert.Equal(t, "s1", got.Responses[0].SessionID)
	assert.NotEmpty(t, got.Responses[0].ID)
}

func TestStore_ListFilters(t *testing.T) {
	s, clock := newTestStore(t, Config{})
	mustCreate(t, s, "a", "p1", "c1")
	clock.Advance(time.Second)
	mustCreate(t, s, "b", "p2", "c1")
	clock.Advance(time.Second)
	mustCreate(t, s, "c", "p1", "c2")
	require.True(t, s.Complete("c", true))

	ids := func(list []*Session) []string {
		out := make([]string, len(list))
		for i, sess := range list {
			out[i] = sess.ID
		}
		return out
	}

	assert.Equal(t, []string{"a", "b"}, ids(s.ListActive()))
	assert.Equal(t, []string{"a", "c"}, ids(s.ListByProject("p1")))
	assert.Equal(t, []string{"a", "b"}, ids(s.ListByClient("c1")))
	assert.Equal(t, []string{"a", "b", "c"}, ids(s.All()))
}

func TestStore_ListenerEvents(t *testing.T) {
	s, _ := newTestStore(t, Config{})

	var mu sync.Mutex
	var events []Event
	remove := s.AddListener(func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, ev)
	})

	mustCreate(t, s, "s1", "p1", "c1")
	mustCreate(t, s, "s2", "p1", "c1")
	mustCreate(t, s, "s3", "p1", "c1")
	s.Complete("s1", true)
	s.Complete("s2", false)
	s.Cancel("s3", "stop")

	mu.Lock()
	require.Len(t, events, 6)
	assert.Equal(t, EventCreated, events[0].Type)
	assert.Equal(t, EventCompleted, events[3].Type)
	assert.Equal(t, EventError, events[4].Type)
	assert.Equal(t, EventCancelled, events[5].Type)
	require.NotNil(t, events[5].Summary)
	assert.Equal(t, StatusCancelled, events[5].Summary.Status)
	mu.Unlock()

	remove()
	mustCreate(t, s, "s4", "p1", "c1")
	mu.Lock()
	assert.Len(t, events, 6)
	mu.Unlock()
}

func TestStore_ListenerPanicIsContained(t *testing.T) {
	s, _ := newTestStore(t, Config{})

	called := false
	s.AddListener(func(Event) { panic("boom") })
	s.AddListener(func(Event) { called = true })

	assert.NotPanics(t, func() { mustCreate(t, s, "s1", "p1", "c1") })
	assert.True(t, called)
}

func TestStore_ListenerMayCallBackIntoStore(t *testing.T) {
	s, _ := newTestStore(t, Config{})

	var seen *Stats
	s.AddListener(func(ev Event) {
		if ev.Type == EventCompleted {
			st := s.Stats()
			seen = &st
		}
	})

	mustCreate(t, s, "s1", "p1", "c1")
	s.Complete("s1", true)

	require.NotNil(t, seen)
	assert.Equal(t, 1, seen.CompletedSessions)
}

func TestStore_StopIsIdempotent(t *testing.T) {
	s, _ := newTestStore(t, Config{CleanupInterval: 10 * time.Millisecond})
	s.Start()
	s.Start()

	s.Stop()
	assert.NotPanics(t, s.Stop)
}
