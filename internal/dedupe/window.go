// ABOUTME: Sliding TTL window of recently seen frame ids
// ABOUTME: Lets the relay drop agent frames that were retransmitted after a reconnect

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type entry struct {
	key  string
	seen time.Time
}

// Window remembers keys for ttl, holding at most max keys. Keys are ordered by the
// time they were last marked, so expiry and eviction both work from the front.
type Window struct {
	mu    sync.Mutex
	index map[string]*list.Element
	order *list.List
	ttl   time.Duration
	max   int
	now   func() time.Time

	done      chan struct{}
	closeOnce sync.Once
}

// Option configures a Window.
type Option func(*Window)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(w *Window) { w.now = now }
}

// NewWindow creates a Window and starts a sweeper that runs every sweep interval.
// A non-positive sweep disables the background sweeper.
func NewWindow(ttl time.Duration, max int, sweep time.Duration, opts ...Option) *Window {
	w := &Window{
		index: make(map[string]*list.Element),
		order: list.New(),
		ttl:   ttl,
		max:   max,
		now:   time.Now,
		done:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	if sweep > 0 {
		go w.sweepLoop(sweep)
	}
	return w
}

// Seen reports whether key was marked within the window, and marks it either way.
// An empty key is never considered seen.
func (w *Window) Seen(key string) bool {
	if key == "" {
		return false
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	if el, ok := w.index[key]; ok {
		e := el.Value.(*entry)
		dup := now.Sub(e.seen) < w.ttl
		e.seen = now
		w.order.MoveToBack(el)
		return dup
	}

	for w.max > 0 && len(w.index) >= w.max {
		w.removeFront()
	}
	w.index[key] = w.order.PushBack(&entry{key: key, seen: now})
	return false
}

// Len returns the number of tracked keys.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.index)
}

// Sweep drops expired keys and returns how many were removed.
func (w *Window) Sweep() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	removed := 0
	for front := w.order.Front(); front != nil; front = w.order.Front() {
		if now.Sub(front.Value.(*entry).seen) < w.ttl {
			break
		}
		w.removeFront()
		removed++
	}
	return removed
}

func (w *Window) removeFront() {
	front := w.order.Front()
	if front == nil {
		return
	}
	w.order.Remove(front)
	delete(w.index, front.Value.(*entry).key)
}

func (w *Window) sweepLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.Sweep()
		case <-w.done:
			return
		}
	}
}

// Close stops the sweeper. Safe to call more than once.
func (w *Window) Close() {
	w.closeOnce.Do(func() { close(w.done) })
}
