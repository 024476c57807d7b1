package agent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTracker_ResumeWithinProject(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	tr := NewTracker(func() time.Time { return now })

	assert.Empty(t, tr.Begin("s1", "p1", "first"))
	tr.Finish("s1", "ext-1")

	now = now.Add(time.Minute)
	assert.Equal(t, "ext-1", tr.Begin("s1", "p1", "second"))

	info, ok := tr.Get("s1")
	require.True(t, ok)
	assert.Equal(t, 2, info.Commands)
	assert.Equal(t, "second", info.LastPrompt)
	assert.True(t, info.Running)
	assert.Equal(t, now, info.LastActivity)
	assert.Equal(t, now.Add(-time.Minute), info.CreatedAt)

	// an empty external id keeps the previous one
	tr.Finish("s1", "")
	info, _ = tr.Get("s1")
	assert.Equal(t, "ext-1", info.ExternalSessionID)
	assert.False(t, info.Running)
}

func TestTracker_ProjectChangeStartsFresh(t *testing.T) {
	tr := NewTracker(nil)
	tr.Begin("s1", "p1", "x")
	tr.Finish("s1", "ext-1")

	assert.Empty(t, tr.Begin("s1", "p2", "y"))
	info, _ := tr.Get("s1")
	assert.Equal(t, "p2", info.ProjectID)
	assert.Empty(t, info.ExternalSessionID)
}

func TestTracker_Clear(t *testing.T) {
	tr := NewTracker(nil)

	removed, running := tr.Clear("missing")
	assert.False(t, removed)
	assert.False(t, running)

	tr.Begin("s1", "p1", "x")
	removed, running = tr.Clear("s1")
	assert.False(t, removed)
	assert.True(t, running)

	tr.Finish("s1", "")
	removed, _ = tr.Clear("s1")
	assert.True(t, removed)
	assert.Equal(t, 0, tr.Len())
}

func TestSessionInfo_Map(t *testing.T) {
	ts := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	m := SessionInfo{ProjectID: "p1", LastPrompt: "ls", Commands: 1, CreatedAt: ts, LastActivity: ts}.Map()
	assert.Equal(t, "p1", m["projectId"])
	assert.Equal(t, "2025-03-01T12:00:00Z", m["createdAt"])
	assert.NotContains(t, m, "externalSessionId")
}
