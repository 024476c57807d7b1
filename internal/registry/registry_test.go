// ABOUTME: Tests for the connection registry
// ABOUTME: Covers role immutability, counts, touch and stale detection

package registry

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/protocol"
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

func newTestRegistry() (*Registry, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(logger, WithClock(clock.Now)), clock
}

func TestRegistry_RegisterAndCounts(t *testing.T) {
	r, _ := newTestRegistry()

	require.NoError(t, r.Register("w1", protocol.ClientWeb))
	require.NoError(t, r.Register("w2", protocol.ClientWeb))
	require.NoError(t, r.Register("a1", protocol.ClientAgent))

	assert.Equal(t, Counts{Total: 3, Web: 2, Agents: 1}, r.Counts())

	assert.True(t, r.Unregister("w1"))
	assert.False(t, r.Unregister("w1"))
	assert.Equal(t, Counts{Total: 2, Web: 1, Agents: 1}, r.Counts())
}

func TestRegistry_TypeIsImmutable(t *testing.T) {
	r, _ := newTestRegistry()

	require.NoError(t, r.Register("c1", protocol.ClientWeb))
	err := r.Register("c1", protocol.ClientAgent)
	assert.True(t, errors.Is(err, ErrTypeChanged))

	e, ok := r.Get("c1")
	require.True(t, ok)
	assert.Equal(t, protocol.ClientWeb, e.Type)

	assert.NoError(t, r.Register("c1", protocol.ClientWeb))
}

func TestRegistry_RejectsUnknownType(t *testing.T) {
	r, _ := newTestRegistry()

	err := r.Register("c1", protocol.ClientType("bogus"))
	assert.True(t, errors.Is(err, ErrInvalidType))
	assert.Equal(t, 0, r.Counts().Total)
}

func TestRegistry_TouchAndStale(t *testing.T) {
	r, clock := newTestRegistry()

	require.NoError(t, r.Register("old", protocol.ClientWeb))
	require.NoError(t, r.Register("fresh", protocol.ClientAgent))

	clock.Advance(50 * time.Second)
	assert.True(t, r.Touch("fresh"))
	clock.Advance(20 * time.Second)

	assert.Equal(t, []string{"old"}, r.Stale(60*time.Second))
	assert.False(t, r.Touch("missing"))
}

func TestRegistry_AgentStatusOnlyForAgents(t *testing.T) {
	r, _ := newTestRegistry()
	require.NoError(t, r.Register("w1", protocol.ClientWeb))
	require.NoError(t, r.Register("a1", protocol.ClientAgent))

	status := &protocol.AgentStatus{Status: protocol.AgentBusy, CurrentSessions: []string{"s1"}}
	assert.False(t, r.SetAgentStatus("w1", status))
	assert.True(t, r.SetAgentStatus("a1", status))

	status.CurrentSessions[0] = "mutated"
	e, ok := r.Get("a1")
	require.True(t, ok)
	require.NotNil(t, e.Agent)
	assert.Equal(t, protocol.AgentBusy, e.Agent.Status)
	assert.Equal(t, []string{"s1"}, e.Agent.CurrentSessions)
}

func TestRegistry_ListOrderedByConnectTime(t *testing.T) {
	r, clock := newTestRegistry()

	require.NoError(t, r.Register("b", protocol.ClientWeb))
	clock.Advance(time.Second)
	require.NoError(t, r.Register("a", protocol.ClientWeb))
	assert.True(t, r.Describe("a", "browser-1", "1.2.0"))

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "b", list[0].ID)
	assert.Equal(t, "a", list[1].ID)
	assert.Equal(t, "browser-1", list[1].ClientID)
}
