// ABOUTME: History queries, aggregate statistics and per-session metrics
// ABOUTME: Stats count each session id once; a live record shadows its own summary

package session

import "time"

// History returns summaries newest first, filtered then paginated (offset before limit).
func (s *Store) History(f Filter) []Summary {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Summary, 0, len(s.history))
	for _, sum := range s.history {
		if matches(sum, f) {
			out = append(out, sum)
		}
	}

	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return []Summary{}
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(out) {
		out = out[:f.Limit]
	}
	return out
}

func matches(sum Summary, f Filter) bool {
	if f.ProjectID != "" && sum.ProjectID != f.ProjectID {
		return false
	}
	if f.Status != "" && sum.Status != f.Status {
		return false
	}
	if f.StartDate != nil && sum.StartTime.Before(*f.StartDate) {
		return false
	}
	if f.EndDate != nil && (sum.EndTime == nil || sum.EndTime.After(*f.EndDate)) {
		return false
	}
	return true
}

type statEntry struct {
	status   Status
	duration *int64
	commands int
}

// Stats aggregates over live sessions and history.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statsLocked()
}

func (s *Store) statsLocked() Stats {
	union := make(map[string]statEntry, len(s.live)+len(s.history))
	for _, sum := range s.history {
		if _, seen := union[sum.ID]; !seen {
			union[sum.ID] = statEntry{status: sum.Status, duration: sum.Duration, commands: sum.CommandCount}
		}
	}

	var st Stats
	for id, rec := range s.live {
		sess := rec.session
		union[id] = statEntry{status: sess.Status, duration: sess.Duration, commands: len(sess.Commands)}
		if sess.Status == StatusRunning {
			st.ActiveSessions++
		}
	}

	var durTotal int64
	var durCount int
	for _, e := range union {
		st.TotalSessions++
		st.TotalCommands += e.commands
		switch e.status {
		case StatusComplete:
			st.CompletedSessions++
		case StatusError:
			st.ErrorSessions++
		}
		if e.duration != nil {
			durTotal += *e.duration
			durCount++
		}
	}

	if durCount > 0 {
		st.AverageDuration = float64(durTotal) / float64(durCount)
	}
	if st.TotalSessions > 0 {
		st.SuccessRate = float64(st.CompletedSessions) / float64(st.TotalSessions) * 100
	}
	return st
}

// Metrics reports per-session counters. Live sessions report full detail;
// sessions known only from history report counts only.
func (s *Store) Metrics(id string) (*Metrics, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.live[id]; ok {
		sess := rec.session
		m := &Metrics{
			SessionID:     sess.ID,
			StartTime:     sess.StartTime,
			EndTime:       copyTime(sess.EndTime),
			Duration:      copyInt(sess.Duration),
			CommandCount:  len(sess.Commands),
			ResponseCount: len(sess.Responses),
		}
		for _, r := range sess.Responses {
			m.BytesTransferred += len(r.Content)
			switch r.Type {
			case ResponseFileChange:
				m.FileChanges++
			case ResponseError:
				m.Errors++
			}
		}
		return m, true
	}

	for _, sum := range s.history {
		if sum.ID == id {
			return &Metrics{
				SessionID:     sum.ID,
				StartTime:     sum.StartTime,
				EndTime:       copyTime(sum.EndTime),
				Duration:      copyInt(sum.Duration),
				CommandCount:  sum.CommandCount,
				ResponseCount: sum.ResponseCount,
			}, true
		}
	}
	return nil, false
}

// DebugInfo is a point-in-time view of the store's internals.
type DebugInfo struct {
	LiveSessions  int         `json:"liveSessions"`
	HistoryLength int         `json:"historyLength"`
	Cleanup       CleanupInfo `json:"cleanupConfig"`
	Stats         Stats       `json:"stats"`
}

// CleanupInfo renders Config with readable durations.
type CleanupInfo struct {
	MaxAge          string `json:"maxAge"`
	MaxSessions     int    `json:"maxSessions"`
	CleanupInterval string `json:"cleanupInterval"`
	KeepCompleted   int    `json:"keepCompletedSessions"`
	KeepError       int    `json:"keepErrorSessions"`
}

// DebugInfo snapshots live and history sizes, cleanup settings and stats.
func (s *Store) DebugInfo() DebugInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	return DebugInfo{
		LiveSessions:  len(s.live),
		HistoryLength: len(s.history),
		Cleanup: CleanupInfo{
			MaxAge:          s.config.MaxAge.String(),
			MaxSessions:     s.config.MaxSessions,
			CleanupInterval: s.config.CleanupInterval.String(),
			KeepCompleted:   s.config.KeepCompleted,
			KeepError:       s.config.KeepError,
		},
		Stats: s.statsLocked(),
	}
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func copyInt(v *int64) *int64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
