// ABOUTME: Tests for the generic broadcaster
// ABOUTME: Covers topic isolation, exclusion, slow consumers and teardown

package broadcast

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func receive(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case v, ok := <-ch:
		require.True(t, ok, "channel closed")
		return v
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for event")
		return ""
	}
}

func TestBroadcaster_FanOut(t *testing.T) {
	b := New[string](testLogger(), nil)
	defer b.Close()

	a, _ := b.Subscribe(t.Context(), "sessions")
	c, _ := b.Subscribe(t.Context(), "sessions")

	assert.Equal(t, 2, b.Publish("sessions", "created", ""))
	assert.Equal(t, "created", receive(t, a))
	assert.Equal(t, "created", receive(t, c))
}

func TestBroadcaster_TopicsAreIsolated(t *testing.T) {
	b := New[string](testLogger(), nil)
	defer b.Close()

	p1, _ := b.Subscribe(t.Context(), "p1")
	p2, _ := b.Subscribe(t.Context(), "p2")

	b.Publish("p1", "only-p1", "")
	assert.Equal(t, "only-p1", receive(t, p1))

	select {
	case v := <-p2:
		t.Fatalf("p2 received %q", v)
	default:
	}
}

func TestBroadcaster_Exclude(t *testing.T) {
	b := New[string](testLogger(), nil)
	defer b.Close()

	_, self := b.Subscribe(t.Context(), "t")
	other, _ := b.Subscribe(t.Context(), "t")

	assert.Equal(t, 1, b.Publish("t", "x", self))
	assert.Equal(t, "x", receive(t, other))
}

func TestBroadcaster_SlowConsumerDropsInsteadOfBlocking(t *testing.T) {
	var drops atomic.Int32
	b := New[int](testLogger(), func(string) { drops.Add(1) })
	defer b.Close()

	_, _ = b.Subscribe(t.Context(), "t")

	done := make(chan struct{})
	go func() {
		for i := range BufferSize + 10 {
			b.Publish("t", i, "")
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("publisher blocked on a full subscriber")
	}
	assert.Equal(t, int32(10), drops.Load())
}

func TestBroadcaster_ContextCancelUnsubscribes(t *testing.T) {
	b := New[string](testLogger(), nil)
	defer b.Close()

	ctx, cancel := context.WithCancel(t.Context())
	ch, _ := b.Subscribe(ctx, "t")
	cancel()

	require.Eventually(t, func() bool { return b.Subscribers("t") == 0 }, time.Second, 5*time.Millisecond)
	_, ok := <-ch
	assert.False(t, ok)
}

func TestBroadcaster_CloseEndsSubscriptions(t *testing.T) {
	b := New[string](testLogger(), nil)
	ch, _ := b.Subscribe(t.Context(), "t")

	b.Close()
	b.Close()

	_, ok := <-ch
	assert.False(t, ok)

	late, _ := b.Subscribe(t.Context(), "t")
	_, ok = <-late
	assert.False(t, ok)
	assert.Equal(t, 0, b.Publish("t", "x", ""))
}

func TestBroadcaster_ConcurrentPublishAndUnsubscribe(t *testing.T) {
	b := New[int](testLogger(), nil)
	defer b.Close()

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithCancel(t.Context())
			ch, id := b.Subscribe(ctx, "t")
			go func() {
				for range ch {
				}
			}()
			for i := range 50 {
				b.Publish("t", i, "")
			}
			b.Unsubscribe("t", id)
			cancel()
		}()
	}
	wg.Wait()
}
