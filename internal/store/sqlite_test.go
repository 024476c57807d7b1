// ABOUTME: Tests for SQLite archive implementation
// ABOUTME: Covers schema creation, migrations, summary persistence and filtered listing

package store

import (
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/session"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func summary(id, project string, status session.Status, start time.Time) session.Summary {
	end := start.Add(1500 * time.Millisecond)
	dur := int64(1500)
	return session.Summary{
		ID:            id,
		ProjectID:     project,
		ClientID:      "client-1",
		Status:        status,
		StartTime:     start,
		EndTime:       &end,
		Duration:      &dur,
		CommandCount:  1,
		ResponseCount: 3,
		LastCommand:   "list files",
	}
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "subdir", "nested", "test.db")

	store, err := NewSQLiteStore(dbPath, nil)
	require.NoError(t, err)
	defer store.Close()

	_, err = os.Stat(dbPath)
	assert.NoError(t, err, "database file was not created in nested directory")
}

func TestSQLiteStore_SaveAndGetLatest(t *testing.T) {
	store := newTestStore(t)
	ctx := t.Context()
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	sum := summary("s1", "p1", session.StatusComplete, start)
	rec, err := store.SaveSummary(ctx, sum)
	require.NoError(t, err)
	assert.Len(t, rec.ID, 26)

	got, err := store.GetLatest(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, "p1", got.Summary.ProjectID)
	assert.Equal(t, "client-1", got.Summary.ClientID)
	assert.Equal(t, session.StatusComplete, got.Summary.Status)
	assert.True(t, start.Equal(got.Summary.StartTime))
	require.NotNil(t, got.Summary.EndTime)
	assert.True(t, sum.EndTime.Equal(*got.Summary.EndTime))
	require.NotNil(t, got.Summary.Duration)
	assert.Equal(t, int64(1500), *got.Summary.Duration)
	assert.Equal(t, 1, got.Summary.CommandCount)
	assert.Equal(t, 3, got.Summary.ResponseCount)
	assert.Equal(t, "list files", got.Summary.LastCommand)
	assert.Empty(t, got.Summary.Error)
}

func TestSQLiteStore_OptionalFieldsRoundTripAsEmpty(t *testing.T) {
	store := newTestStore(t)
	ctx := t.Context()

	sum := session.Summary{
		ID:        "bare",
		ProjectID: "p1",
		Status:    session.StatusError,
		StartTime: time.Now().UTC(),
		Error:     "agent crashed",
	}
	_, err := store.SaveSummary(ctx, sum)
	require.NoError(t, err)

	got, err := store.GetLatest(ctx, "bare")
	require.NoError(t, err)
	assert.Nil(t, got.Summary.EndTime)
	assert.Nil(t, got.Summary.Duration)
	assert.Empty(t, got.Summary.ClientID)
	assert.Equal(t, "agent crashed", got.Summary.Error)
}

func TestSQLiteStore_GetLatestNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetLatest(t.Context(), "missing")
	assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)
}

func TestSQLiteStore_SaveRequiresID(t *testing.T) {
	store := newTestStore(t)

	_, err := store.SaveSummary(t.Context(), session.Summary{ProjectID: "p1"})
	assert.ErrorIs(t, err, session.ErrMissingID)
}

func TestSQLiteStore_GetLatestPrefersNewestRow(t *testing.T) {
	store := newTestStore(t)
	ctx := t.Context()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tick := base
	store.now = func() time.Time { return tick }

	_, err := store.SaveSummary(ctx, summary("s1", "p1", session.StatusError, base))
	require.NoError(t, err)
	tick = base.Add(time.Minute)
	_, err = store.SaveSummary(ctx, summary("s1", "p1", session.StatusComplete, base))
	require.NoError(t, err)

	got, err := store.GetLatest(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, session.StatusComplete, got.Summary.Status)
	assert.True(t, got.ArchivedAt.Equal(base.Add(time.Minute)))
}

func TestSQLiteStore_ListSummaries(t *testing.T) {
	store := newTestStore(t)
	ctx := t.Context()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tick := base
	store.now = func() time.Time {
		tick = tick.Add(time.Second)
		return tick
	}

	_, err := store.SaveSummary(ctx, summary("a", "p1", session.StatusComplete, base))
	require.NoError(t, err)
	_, err = store.SaveSummary(ctx, summary("b", "p2", session.StatusError, base))
	require.NoError(t, err)
	_, err = store.SaveSummary(ctx, summary("c", "p1", session.StatusCancelled, base))
	require.NoError(t, err)

	ids := func(recs []*Record) []string {
		out := make([]string, len(recs))
		for i, r := range recs {
			out[i] = r.Summary.ID
		}
		return out
	}

	all, err := store.ListSummaries(ctx, Query{})
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "b", "a"}, ids(all))

	p1, err := store.ListSummaries(ctx, Query{ProjectID: "p1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a"}, ids(p1))

	errs, err := store.ListSummaries(ctx, Query{Status: session.StatusError})
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, ids(errs))

	bySession, err := store.ListSummaries(ctx, Query{SessionID: "a"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids(bySession))

	since := base.Add(2 * time.Second)
	recent, err := store.ListSummaries(ctx, Query{Since: &since})
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "b"}, ids(recent))

	limited, err := store.ListSummaries(ctx, Query{Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, ids(limited))
}

func TestSQLiteStore_MigratesOldSchema(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "old.db")

	db, err := sql.Open("sqlite", dbPath)
	require.NoError(t, err)
	_, err = db.Exec(`
		CREATE TABLE session_archive (
			id             TEXT PRIMARY KEY,
			session_id     TEXT NOT NULL,
			project_id     TEXT NOT NULL,
			status         TEXT NOT NULL,
			start_time     TEXT NOT NULL,
			end_time       TEXT,
			duration_ms    INTEGER,
			command_count  INTEGER NOT NULL DEFAULT 0,
			response_count INTEGER NOT NULL DEFAULT 0,
			archived_at    TEXT NOT NULL
		)`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	store, err := NewSQLiteStore(dbPath, nil)
	require.NoError(t, err)
	defer store.Close()

	_, err = store.SaveSummary(t.Context(), summary("s1", "p1", session.StatusComplete, time.Now().UTC()))
	require.NoError(t, err)

	got, err := store.GetLatest(t.Context(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "list files", got.Summary.LastCommand)

	// Running again is a no-op.
	require.NoError(t, store.runMigrations())
}
