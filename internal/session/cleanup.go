// ABOUTME: Periodic eviction of finished sessions by age and count
// ABOUTME: Running sessions are never evicted

package session

import "time"

// Start launches the cleanup loop. It is a no-op after the first call.
func (s *Store) Start() {
	s.startOnce.Do(func() {
		s.wg.Add(1)
		go s.cleanupLoop()
	})
}

// Stop halts the cleanup loop and drops all listeners. Safe to call more than once.
func (s *Store) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.wg.Wait()

		s.mu.Lock()
		clear(s.listeners)
		s.mu.Unlock()
		s.logger.Info("session store stopped")
	})
}

func (s *Store) cleanupLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.Cleanup()
		}
	}
}

// Cleanup runs one eviction sweep and returns how many live sessions were removed.
// Finished sessions older than MaxAge go first; then, while the live count exceeds
// MaxSessions, the oldest finished sessions are removed.
func (s *Store) Cleanup() int {
	s.mu.Lock()
	now := s.now()
	removed := 0

	for id, rec := range s.live {
		if rec.session.Status != StatusRunning && now.Sub(rec.session.StartTime) > s.config.MaxAge {
			s.removeLocked(id)
			removed++
		}
	}

	if excess := len(s.live) - s.config.MaxSessions; excess > 0 {
		finished := make([]*record, 0, len(s.live))
		for _, rec := range s.live {
			if rec.session.Status != StatusRunning {
				finished = append(finished, rec)
			}
		}
		sortRecords(finished)
		for _, rec := range finished[:min(excess, len(finished))] {
			s.removeLocked(rec.session.ID)
			removed++
		}
	}

	if limit := s.config.HistoryCap(); len(s.history) > limit {
		s.history = s.history[:limit]
	}
	s.mu.Unlock()

	if removed > 0 {
		s.logger.Info("session cleanup", "removed", removed)
		s.emit(Event{Type: EventCleanup, Timestamp: now, Cleaned: removed})
	}
	return removed
}
