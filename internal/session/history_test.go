// ABOUTME: Tests for history filtering, statistics, metrics and cleanup bounds
// ABOUTME: Includes the list-files scenario end to end

package session

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_ListFilesScenario(t *testing.T) {
	s, _ := newTestStore(t, Config{})
	mustCreate(t, s, "s1", "p1", "c1")

	require.True(t, s.AddCommand("s1", Command{Command: "list files"}))
	require.True(t, s.AddResponse("s1", Response{Type: ResponseText, Content: "Here", IsStreaming: true}))
	require.True(t, s.AddResponse("s1", Response{Type: ResponseText, Content: " are the files", IsStreaming: true}))
	require.True(t, s.Complete("s1", true))

	stats := s.Stats()
	assert.Equal(t, 1, stats.CompletedSessions)
	assert.Equal(t, 1, stats.TotalSessions)
	assert.Equal(t, 0, stats.ActiveSessions)
	assert.Equal(t, 1, stats.TotalCommands)
	assert.InDelta(t, 100.0, stats.SuccessRate, 0.001)

	hist := s.History(Filter{ProjectID: "p1"})
	require.Len(t, hist, 1)
	assert.Equal(t, 1, hist[0].CommandCount)
	assert.Equal(t, 2, hist[0].ResponseCount)
	assert.Equal(t, "list files", hist[0].LastCommand)
}

func TestStore_HistoryFiltersAndPagination(t *testing.T) {
	s, clock := newTestStore(t, Config{})
	base := clock.Now()

	for i := range 6 {
		id := fmt.Sprintf("s%d", i)
		project := "p1"
		if i%2 == 1 {
			project = "p2"
		}
		mustCreate(t, s, id, project, "c1")
		clock.Advance(time.Minute)
		s.Complete(id, i != 4)
	}

	all := s.History(Filter{})
	require.Len(t, all, 6)
	assert.Equal(t, "s5", all[0].ID, "newest first")

	p1 := s.History(Filter{ProjectID: "p1"})
	assert.Len(t, p1, 3)

	errs := s.History(Filter{Status: StatusError})
	require.Len(t, errs, 1)
	assert.Equal(t, "s4", errs[0].ID)

	combined := s.History(Filter{ProjectID: "p2", Status: StatusError})
	assert.Empty(t, combined)

	start := base.Add(3 * time.Minute)
	recent := s.History(Filter{StartDate: &start})
	assert.Len(t, recent, 3)

	end := base.Add(2 * time.Minute)
	early := s.History(Filter{EndDate: &end})
	assert.Len(t, early, 2)

	page := s.History(Filter{Offset: 1, Limit: 2})
	require.Len(t, page, 2)
	assert.Equal(t, "s4", page[0].ID)
	assert.Equal(t, "s3", page[1].ID)

	assert.Empty(t, s.History(Filter{Offset: 10}))
}

func TestStore_StatsUnionCountsEachSessionOnce(t *testing.T) {
	s, clock := newTestStore(t, Config{})

	mustCreate(t, s, "done", "p1", "c1")
	s.AddCommand("done", Command{Command: "a"})
	clock.Advance(2 * time.Second)
	s.Complete("done", true)

	mustCreate(t, s, "failed", "p1", "c1")
	clock.Advance(4 * time.Second)
	s.Complete("failed", false)

	mustCreate(t, s, "gone", "p1", "c1")
	s.Complete("gone", true)
	s.Remove("gone")

	mustCreate(t, s, "live", "p1", "c1")
	s.AddCommand("live", Command{Command: "b"})
	s.AddCommand("live", Command{Command: "c"})

	st := s.Stats()
	assert.Equal(t, 4, st.TotalSessions)
	assert.Equal(t, 1, st.ActiveSessions)
	assert.Equal(t, 2, st.CompletedSessions)
	assert.Equal(t, 1, st.ErrorSessions)
	assert.Equal(t, 3, st.TotalCommands)
	assert.InDelta(t, 2000.0, st.AverageDuration, 0.001)
	assert.InDelta(t, 50.0, st.SuccessRate, 0.001)
}

func TestStore_Metrics(t *testing.T) {
	s, _ := newTestStore(t, Config{})
	mustCreate(t, s, "s1", "p1", "c1")
	s.AddCommand("s1", Command{Command: "edit"})
	s.AddResponse("s1", Response{Type: ResponseText, Content: "12345"})
	s.AddResponse("s1", Response{Type: ResponseFileChange, Content: "main.go"})
	s.AddResponse("s1", Response{Type: ResponseError, Content: "oops"})

	m, ok := s.Metrics("s1")
	require.True(t, ok)
	assert.Equal(t, 1, m.CommandCount)
	assert.Equal(t, 3, m.ResponseCount)
	assert.Equal(t, 16, m.BytesTransferred)
	assert.Equal(t, 1, m.FileChanges)
	assert.Equal(t, 1, m.Errors)

	s.Complete("s1", false)
	s.Remove("s1")

	m, ok = s.Metrics("s1")
	require.True(t, ok)
	assert.Equal(t, 3, m.ResponseCount)
	assert.Equal(t, 0, m.BytesTransferred)

	_, ok = s.Metrics("unknown")
	assert.False(t, ok)
}

func TestStore_CleanupByAgeNeverTouchesRunning(t *testing.T) {
	s, clock := newTestStore(t, Config{MaxAge: time.Hour})

	mustCreate(t, s, "old-done", "p1", "c1")
	mustCreate(t, s, "old-running", "p1", "c1")
	s.Complete("old-done", true)

	clock.Advance(2 * time.Hour)
	mustCreate(t, s, "fresh-done", "p1", "c1")
	s.Complete("fresh-done", true)

	var cleaned int
	s.AddListener(func(ev Event) {
		if ev.Type == EventCleanup {
			cleaned = ev.Cleaned
		}
	})

	assert.Equal(t, 1, s.Cleanup())
	assert.Equal(t, 1, cleaned)

	_, ok := s.Get("old-done")
	assert.False(t, ok)
	_, ok = s.Get("old-running")
	assert.True(t, ok)
	_, ok = s.Get("fresh-done")
	assert.True(t, ok)
}

func TestStore_CleanupByCountEvictsOldestFinished(t *testing.T) {
	s, clock := newTestStore(t, Config{MaxSessions: 3})

	for i := range 5 {
		id := fmt.Sprintf("s%d", i)
		mustCreate(t, s, id, "p1", "c1")
		if i != 0 {
			s.Complete(id, true)
		}
		clock.Advance(time.Second)
	}

	assert.Equal(t, 2, s.Cleanup())
	assert.Len(t, s.All(), 3)

	for _, id := range []string{"s0", "s3", "s4"} {
		_, ok := s.Get(id)
		assert.True(t, ok, id)
	}
}

func TestStore_CleanupCannotEvictRunning(t *testing.T) {
	s, _ := newTestStore(t, Config{MaxSessions: 1})
	mustCreate(t, s, "a", "p1", "c1")
	mustCreate(t, s, "b", "p1", "c1")

	assert.Equal(t, 0, s.Cleanup())
	assert.Len(t, s.ListActive(), 2)
}

func TestStore_HistoryIsCapped(t *testing.T) {
	s, _ := newTestStore(t, Config{KeepCompleted: 2, KeepError: 1})

	for i := range 5 {
		id := fmt.Sprintf("s%d", i)
		mustCreate(t, s, id, "p1", "c1")
		s.Complete(id, true)
	}

	hist := s.History(Filter{})
	require.Len(t, hist, 3)
	assert.Equal(t, "s4", hist[0].ID)
	assert.Equal(t, "s2", hist[2].ID)
}

func TestStore_BackgroundCleanupRuns(t *testing.T) {
	s, clock := newTestStore(t, Config{MaxAge: time.Minute, CleanupInterval: 10 * time.Millisecond})
	mustCreate(t, s, "s1", "p1", "c1")
	s.Complete("s1", true)
	clock.Advance(time.Hour)

	s.Start()
	require.Eventually(t, func() bool {
		_, ok := s.Get("s1")
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestStore_DebugInfo(t *testing.T) {
	s, _ := newTestStore(t, Config{})
	mustCreate(t, s, "s1", "p1", "c1")

	info := s.DebugInfo()
	assert.Equal(t, 1, info.LiveSessions)
	assert.Equal(t, 0, info.HistoryLength)
	assert.Equal(t, "1h0m0s", info.Cleanup.MaxAge)
	assert.Equal(t, 150, info.Cleanup.KeepCompleted+info.Cleanup.KeepError)
	assert.Equal(t, 1, info.Stats.ActiveSessions)
}
