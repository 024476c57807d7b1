// ABOUTME: Session lifecycle fan-out: metrics, event stream subscribers and the archive writer
// ABOUTME: The archive writer is a single goroutine fed by a bounded queue so listeners never block

package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/coven-relay/internal/metrics"
	"github.com/2389/coven-relay/internal/session"
	"github.com/2389/coven-relay/internal/store"
)

// AllProjects is the event topic that receives every session event.
const AllProjects = "*"

const (
	archiveQueueSize    = 256
	archiveWriteTimeout = 5 * time.Second
)

// onSessionEvent runs on the session store's listener path, after its lock is released.
func (g *Gateway) onSessionEvent(ev session.Event) {
	g.metrics.SessionsActive.Set(float64(g.sessions.Stats().ActiveSessions))

	g.events.Publish(AllProjects, ev, "")
	if ev.ProjectID != "" {
		g.events.Publish(ev.ProjectID, ev, "")
	}

	if ev.Summary == nil {
		return
	}
	sum := *ev.Summary
	if sum.Duration != nil {
		g.metrics.ObserveSession(string(sum.Status), time.Duration(*sum.Duration)*time.Millisecond)
	}
	if g.archiver != nil {
		g.archiver.enqueue(sum)
	}
}

// archiver writes terminal summaries to the archive off the hot path.
type archiver struct {
	archive store.Archive
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu     sync.Mutex
	closed bool
	queue  chan session.Summary
	done   chan struct{}
}

func newArchiver(archive store.Archive, m *metrics.Metrics, logger *slog.Logger) *archiver {
	a := &archiver{
		archive: archive,
		metrics: m,
		logger:  logger.With("component", "archiver"),
		queue:   make(chan session.Summary, archiveQueueSize),
		done:    make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *archiver) enqueue(sum session.Summary) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		a.metrics.ArchiveWrites.WithLabelValues("dropped").Inc()
		return
	}
	select {
	case a.queue <- sum:
	default:
		a.metrics.ArchiveWrites.WithLabelValues("dropped").Inc()
		a.logger.Warn("archive queue full, dropping summary", "session_id", sum.ID)
	}
}

func (a *archiver) run() {
	defer close(a.done)
	for sum := range a.queue {
		a.write(sum)
	}
}

func (a *archiver) write(sum session.Summary) {
	ctx, cancel := context.WithTimeout(context.Background(), archiveWriteTimeout)
	defer cancel()

	if _, err := a.archive.SaveSummary(ctx, sum); err != nil {
		a.metrics.ArchiveWrites.WithLabelValues("error").Inc()
		a.logger.Error("archiving session summary", "session_id", sum.ID, "error", err)
		return
	}
	a.metrics.ArchiveWrites.WithLabelValues("ok").Inc()
}

// close stops accepting summaries and waits for queued ones until ctx expires.
func (a *archiver) close(ctx context.Context) {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()

	select {
	case <-a.done:
	case <-ctx.Done():
		a.logger.Warn("archive writer did not drain before shutdown deadline")
	}
}
