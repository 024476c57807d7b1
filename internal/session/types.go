// ABOUTME: Session records, history summaries and the shapes returned by queries
// ABOUTME: Durations cross the wire as integer milliseconds

package session

import (
	"maps"
	"slices"
	"time"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusRunning   Status = "running"
	StatusComplete  Status = "complete"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusError || s == StatusCancelled
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusRunning || s.Terminal()
}

// CommandStatus tracks an individual command inside a session.
type CommandStatus string

const (
	CommandPending   CommandStatus = "pending"
	CommandRunning   CommandStatus = "running"
	CommandCompleted CommandStatus = "completed"
	CommandError     CommandStatus = "error"
)

// ResponseType classifies an appended response.
type ResponseType string

const (
	ResponseText       ResponseType = "text"
	ResponseFileChange ResponseType = "file_change"
	ResponseError      ResponseType = "error"
	ResponseComplete   ResponseType = "complete"
	ResponseProgress   ResponseType = "progress"
)

// Metadata keys written by the store.
const (
	MetaInitialCommand   = "initialCommand"
	MetaWorkingDirectory = "workingDirectory"
	MetaCancelReason     = "cancelReason"
)

// Command is one command issued within a session.
type Command struct {
	ID               string        `json:"id"`
	SessionID        string        `json:"sessionId"`
	Command          string        `json:"command"`
	Timestamp        time.Time     `json:"timestamp"`
	Status           CommandStatus `json:"status"`
	WorkingDirectory string        `json:"workingDirectory,omitempty"`
}

// Response is one chunk of agent output recorded against a session.
type Response struct {
	ID          string         `json:"id"`
	SessionID   string         `json:"sessionId"`
	CommandID   string         `json:"commandId,omitempty"`
	Type        ResponseType   `json:"type"`
	Content     string         `json:"content"`
	Timestamp   time.Time      `json:"timestamp"`
	IsStreaming bool           `json:"isStreaming,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Session is a logical conversation between one web client and the agent pool.
// Values returned by the Store are copies.
type Session struct {
	ID        string         `json:"id"`
	ProjectID string         `json:"projectId"`
	Status    Status         `json:"status"`
	StartTime time.Time      `json:"startTime"`
	EndTime   *time.Time     `json:"endTime,omitempty"`
	Duration  *int64         `json:"duration,omitempty"`
	ClientID  string         `json:"clientId,omitempty"`
	Metadata  map[string]any `json:"metadata"`
	Commands  []Command      `json:"commands"`
	Responses []Response     `json:"responses"`
}

// LastCommand returns the text of the most recent command, if any.
func (s *Session) LastCommand() string {
	if len(s.Commands) == 0 {
		return ""
	}
	return s.Commands[len(s.Commands)-1].Command
}

func (s *Session) clone() *Session {
	c := *s
	if s.EndTime != nil {
		t := *s.EndTime
		c.EndTime = &t
	}
	if s.Duration != nil {
		d := *s.Duration
		c.Duration = &d
	}
	c.Metadata = maps.Clone(s.Metadata)
	c.Commands = slices.Clone(s.Commands)
	c.Responses = make([]Response, len(s.Responses))
	for i, r := range s.Responses {
		r.Metadata = maps.Clone(r.Metadata)
		c.Responses[i] = r
	}
	return &c
}

func (s *Session) summarize() Summary {
	sum := Summary{
		ID:            s.ID,
		ProjectID:     s.ProjectID,
		ClientID:      s.ClientID,
		Status:        s.Status,
		StartTime:     s.StartTime,
		CommandCount:  len(s.Commands),
		ResponseCount: len(s.Responses),
		LastCommand:   s.LastCommand(),
	}
	if s.EndTime != nil {
		t := *s.EndTime
		sum.EndTime = &t
	}
	if s.Duration != nil {
		d := *s.Duration
		sum.Duration = &d
	}
	if reason, ok := s.Metadata[MetaCancelReason].(string); ok {
		sum.Error = reason
	}
	for i := len(s.Responses) - 1; i >= 0 && sum.Error == ""; i-- {
		if s.Responses[i].Type == ResponseError {
			sum.Error = s.Responses[i].Content
		}
	}
	return sum
}

// Summary is the lossy projection kept in history once a session leaves running.
type Summary struct {
	ID            string     `json:"id"`
	ProjectID     string     `json:"projectId"`
	ClientID      string     `json:"clientId,omitempty"`
	Status        Status     `json:"status"`
	StartTime     time.Time  `json:"startTime"`
	EndTime       *time.Time `json:"endTime,omitempty"`
	Duration      *int64     `json:"duration,omitempty"`
	CommandCount  int        `json:"commandCount"`
	ResponseCount int        `json:"responseCount"`
	LastCommand   string     `json:"lastCommand,omitempty"`
	Error         string     `json:"error,omitempty"`
}

// Filter narrows History. Zero fields do not filter; all set fields must match.
type Filter struct {
	ProjectID string
	Status    Status
	StartDate *time.Time
	EndDate   *time.Time
	Limit     int
	Offset    int
}

// Stats aggregates live and historical sessions. AverageDuration is in milliseconds.
type Stats struct {
	TotalSessions     int     `json:"totalSessions"`
	ActiveSessions    int     `json:"activeSessions"`
	CompletedSessions int     `json:"completedSessions"`
	ErrorSessions     int     `json:"errorSessions"`
	AverageDuration   float64 `json:"averageDuration"`
	TotalCommands     int     `json:"totalCommands"`
	SuccessRate       float64 `json:"successRate"`
}

// Metrics describes one live session; Duration is in milliseconds.
type Metrics struct {
	SessionID        string     `json:"sessionId"`
	StartTime        time.Time  `json:"startTime"`
	EndTime          *time.Time `json:"endTime,omitempty"`
	Duration         *int64     `json:"duration,omitempty"`
	CommandCount     int        `json:"commandCount"`
	ResponseCount    int        `json:"responseCount"`
	BytesTransferred int        `json:"bytesTransferred"`
	FileChanges      int        `json:"fileChanges"`
	Errors           int        `json:"errors"`
}

// EventType names a lifecycle event delivered to listeners.
type EventType string

const (
	EventCreated   EventType = "created"
	EventCompleted EventType = "completed"
	EventError     EventType = "error"
	EventCancelled EventType = "cancelled"
	EventCleanup   EventType = "cleanup"
)

// Event is delivered to listeners after the store has released its lock.
// Summary is set for terminal events; Cleaned for cleanup events.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"sessionId"`
	ProjectID string    `json:"projectId"`
	ClientID  string    `json:"clientId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Summary   *Summary  `json:"summary,omitempty"`
	Cleaned   int       `json:"cleaned,omitempty"`
}

func terminalEvent(s Status) EventType {
	switch s {
	case StatusComplete:
		return EventCompleted
	case StatusError:
		return EventError
	default:
		return EventCancelled
	}
}

// Config bounds retention. Zero values are replaced by DefaultConfig values.
type Config struct {
	MaxAge          time.Duration `json:"maxAge"`
	MaxSessions     int           `json:"maxSessions"`
	CleanupInterval time.Duration `json:"cleanupInterval"`
	KeepCompleted   int           `json:"keepCompletedSessions"`
	KeepError       int           `json:"keepErrorSessions"`
}

// DefaultConfig returns the stock retention settings.
func DefaultConfig() Config {
	return Config{
		MaxAge:          time.Hour,
		MaxSessions:     1000,
		CleanupInterval: 5 * time.Minute,
		KeepCompleted:   100,
		KeepError:       50,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxAge <= 0 {
		c.MaxAge = def.MaxAge
	}
	if c.MaxSessions <= 0 {
		c.MaxSessions = def.MaxSessions
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = def.CleanupInterval
	}
	if c.KeepCompleted <= 0 {
		c.KeepCompleted = def.KeepCompleted
	}
	if c.KeepError <= 0 {
		c.KeepError = def.KeepError
	}
	return c
}

// HistoryCap is the maximum number of summaries retained.
func (c Config) HistoryCap() int {
	return c.KeepCompleted + c.KeepError
}
