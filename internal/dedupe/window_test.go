// ABOUTME: Tests for the dedupe window
// ABOUTME: Covers expiry, capacity eviction, sweeping and concurrent marking

package dedupe

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
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

func newTestWindow(ttl time.Duration, max int) (*Window, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	return NewWindow(ttl, max, 0, WithClock(clock.Now)), clock
}

func TestWindow_FirstSightingIsNew(t *testing.T) {
	w, _ := newTestWindow(time.Minute, 10)
	defer w.Close()

	assert.False(t, w.Seen("a"))
	assert.True(t, w.Seen("a"))
	assert.False(t, w.Seen("b"))
}

func TestWindow_EmptyKeyNeverSeen(t *testing.T) {
	w, _ := newTestWindow(time.Minute, 10)
	defer w.Close()

	assert.False(t, w.Seen(""))
	assert.False(t, w.Seen(""))
	assert.Equal(t, 0, w.Len())
}

func TestWindow_Expiry(t *testing.T) {
	w, clock := newTestWindow(time.Minute, 10)
	defer w.Close()

	w.Seen("a")
	clock.Advance(2 * time.Minute)
	assert.False(t, w.Seen("a"), "expired key counts as new")
	assert.True(t, w.Seen("a"))
}

func TestWindow_CapacityEvictsOldest(t *testing.T) {
	w, clock := newTestWindow(time.Hour, 3)
	defer w.Close()

	for _, k := range []string{"a", "b", "c"} {
		w.Seen(k)
		clock.Advance(time.Second)
	}
	w.Seen("a") // refresh moves a to the back
	w.Seen("d") // evicts b

	assert.Equal(t, 3, w.Len())
	assert.True(t, w.Seen("a"))
	assert.True(t, w.Seen("c"))
	assert.False(t, w.Seen("b"))
}

func TestWindow_Sweep(t *testing.T) {
	w, clock := newTestWindow(time.Minute, 100)
	defer w.Close()

	w.Seen("old-1")
	w.Seen("old-2")
	clock.Advance(45 * time.Second)
	w.Seen("new")
	clock.Advance(30 * time.Second)

	assert.Equal(t, 2, w.Sweep())
	assert.Equal(t, 1, w.Len())
	assert.True(t, w.Seen("new"))
}

func TestWindow_BackgroundSweep(t *testing.T) {
	w := NewWindow(10*time.Millisecond, 100, 5*time.Millisecond)
	defer w.Close()

	w.Seen("a")
	assert.Eventually(t, func() bool { return w.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestWindow_ConcurrentSingleWinner(t *testing.T) {
	w, _ := newTestWindow(time.Minute, 1000)
	defer w.Close()

	for i := range 20 {
		key := fmt.Sprintf("frame-%d", i)
		var fresh atomic.Int32
		var wg sync.WaitGroup
		for range 16 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if !w.Seen(key) {
					fresh.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), fresh.Load(), key)
	}
}

func TestWindow_CloseIsIdempotent(t *testing.T) {
	w := NewWindow(time.Minute, 10, time.Minute)
	w.Close()
	assert.NotPanics(t, w.Close)
}
