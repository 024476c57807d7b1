// ABOUTME: SQLite implementation of the Archive interface using modernc.org/sqlite
// ABOUTME: Stores session summaries with automatic schema creation and column migrations

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"github.com/2389/coven-relay/internal/session"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// SQLiteStore implements Archive using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "store")

	inMemory := path == MemoryPath
	if !inMemory {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if inMemory {
		// every pooled connection would otherwise see its own empty database
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for concurrent readers
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
		now:    time.Now,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite archive initialized", "path", path)
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS session_archive (
			id             TEXT PRIMARY KEY,
			session_id     TEXT NOT NULL,
			project_id     TEXT NOT NULL,
			status         TEXT NOT NULL,
			start_time     TEXT NOT NULL,
			end_time       TEXT,
			duration_ms    INTEGER,
			command_count  INTEGER NOT NULL DEFAULT 0,
			response_count INTEGER NOT NULL DEFAULT 0,
			archived_at    TEXT NOT NULL,

			CHECK (status IN ('running', 'complete', 'error', 'cancelled'))
		);

		CREATE INDEX IF NOT EXISTS idx_archive_session ON session_archive(session_id, archived_at);
		CREATE INDEX IF NOT EXISTS idx_archive_project ON session_archive(project_id, archived_at);
		CREATE INDEX IF NOT EXISTS idx_archive_status ON session_archive(status);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations adds columns introduced after the first schema.
// SQLite has no ADD COLUMN IF NOT EXISTS, so each column is checked first.
func (s *SQLiteStore) runMigrations() error {
	migrations := []struct {
		column string
		apply  string
	}{
		{"client_id", `ALTER TABLE session_archive ADD COLUMN client_id TEXT`},
		{"last_command", `ALTER TABLE session_archive ADD COLUMN last_command TEXT`},
		{"error", `ALTER TABLE session_archive ADD COLUMN error TEXT`},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(`SELECT 1 FROM pragma_table_info('session_archive') WHERE name = ?`, m.column).Scan(&exists)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("checking %s column: %w", m.column, err)
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to session_archive: %w", m.column, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", "session_archive")
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite archive")
	return s.db.Close()
}

// SaveSummary appends a summary row. Archiving the same session twice keeps both rows.
func (s *SQLiteStore) SaveSummary(ctx context.Context, sum session.Summary) (*Record, error) {
	if sum.ID == "" {
		return nil, fmt.Errorf("saving summary: %w", session.ErrMissingID)
	}

	now := s.now().UTC()
	rec := &Record{
		ID:         ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		Summary:    sum,
		ArchivedAt: now,
	}

	query := `
		INSERT INTO session_archive (
			id, session_id, project_id, client_id, status, start_time, end_time,
			duration_ms, command_count, response_count, last_command, error, archived_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	var endTime any
	if sum.EndTime != nil {
		endTime = formatTime(*sum.EndTime)
	}
	var duration any
	if sum.Duration != nil {
		duration = *sum.Duration
	}

	_, err := s.db.ExecContext(ctx, query,
		rec.ID,
		sum.ID,
		sum.ProjectID,
		nullString(sum.ClientID),
		string(sum.Status),
		formatTime(sum.StartTime),
		endTime,
		duration,
		sum.CommandCount,
		sum.ResponseCount,
		nullString(sum.LastCommand),
		nullString(sum.Error),
		formatTime(now),
	)
	if err != nil {
		return nil, fmt.Errorf("inserting summary: %w", err)
	}

	return rec, nil
}

// ListSummaries returns archived rows newest first.
// If limit is 0 or negative, a default limit of 100 is used.
func (s *SQLiteStore) ListSummaries(ctx context.Context, q Query) ([]*Record, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	var (
		where []string
		args  []any
	)
	if q.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, q.SessionID)
	}
	if q.ProjectID != "" {
		where = append(where, "project_id = ?")
		args = append(args, q.ProjectID)
	}
	if q.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(q.Status))
	}
	if q.Since != nil {
		where = append(where, "archived_at >= ?")
		args = append(args, formatTime(*q.Since))
	}

	query := selectColumns
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying archive: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating archive rows: %w", err)
	}

	return records, nil
}

// GetLatest returns the most recent archived summary for a session.
func (s *SQLiteStore) GetLatest(ctx context.Context, sessionID string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+" WHERE session_id = ? ORDER BY id DESC LIMIT 1", sessionID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

const selectColumns = `
	SELECT id, session_id, project_id, client_id, status, start_time, end_time,
		duration_ms, command_count, response_count, last_command, error, archived_at
	FROM session_archive`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	var (
		rec         Record
		clientID    sql.NullString
		endTime     sql.NullString
		lastCommand sql.NullString
		errMsg      sql.NullString
		duration    sql.NullInt64
		status      string
		startTime   string
		archivedAt  string
	)

	err := row.Scan(
		&rec.ID,
		&rec.Summary.ID,
		&rec.Summary.ProjectID,
		&clientID,
		&status,
		&startTime,
		&endTime,
		&duration,
		&rec.Summary.CommandCount,
		&rec.Summary.ResponseCount,
		&lastCommand,
		&errMsg,
		&archivedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning archive row: %w", err)
	}

	rec.Summary.ClientID = clientID.String
	rec.Summary.Status = session.Status(status)
	rec.Summary.LastCommand = lastCommand.String
	rec.Summary.Error = errMsg.String

	if rec.Summary.StartTime, err = parseTime(startTime); err != nil {
		return nil, fmt.Errorf("parsing start_time: %w", err)
	}
	if endTime.Valid {
		t, err := parseTime(endTime.String)
		if err != nil {
			return nil, fmt.Errorf("parsing end_time: %w", err)
		}
		rec.Summary.EndTime = &t
	}
	if duration.Valid {
		d := duration.Int64
		rec.Summary.Duration = &d
	}
	if rec.ArchivedAt, err = parseTime(archivedAt); err != nil {
		return nil, fmt.Errorf("parsing archived_at: %w", err)
	}

	return &rec, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// nullString converts empty strings to NULL
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
