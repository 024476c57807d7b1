// ABOUTME: Archive interface and record types for finished session summaries
// ABOUTME: The archive is write-behind history; live session state never loads from it

package store

import (
	"context"
	"errors"
	"time"

	"github.com/2389/coven-relay/internal/session"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// Record is one archived session summary. ID is a ULID so rows sort by archive time.
type Record struct {
	ID         string          `json:"id"`
	Summary    session.Summary `json:"summary"`
	ArchivedAt time.Time       `json:"archivedAt"`
}

// Query narrows ListSummaries. Zero fields do not filter.
type Query struct {
	SessionID string
	ProjectID string
	Status    session.Status
	Since     *time.Time
	Limit     int
}

// Archive persists terminal session summaries.
type Archive interface {
	SaveSummary(ctx context.Context, sum session.Summary) (*Record, error)
	ListSummaries(ctx context.Context, q Query) ([]*Record, error)
	GetLatest(ctx context.Context, sessionID string) (*Record, error)
	Close() error
}

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)
