// ABOUTME: In-memory fan-out of events to subscribers grouped by topic
// ABOUTME: Publishing never blocks; a full subscriber buffer drops the event for that subscriber

package broadcast

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// BufferSize is the channel buffer for each subscriber.
const BufferSize = 64

// Broadcaster delivers values of type T to every subscriber of a topic.
type Broadcaster[T any] struct {
	mu     sync.RWMutex
	topics map[string]map[string]chan T
	closed bool
	onDrop func(topic string)
	logger *slog.Logger
}

// New creates a broadcaster. onDrop, if non-nil, is called for every dropped delivery.
func New[T any](logger *slog.Logger, onDrop func(topic string)) *Broadcaster[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster[T]{
		topics: make(map[string]map[string]chan T),
		onDrop: onDrop,
		logger: logger.With("component", "broadcast"),
	}
}

// Subscribe registers for topic. The subscription ends when ctx is cancelled,
// Unsubscribe is called, or the broadcaster is closed; the channel is then closed.
func (b *Broadcaster[T]) Subscribe(ctx context.Context, topic string) (<-chan T, string) {
	id := uuid.New().String()
	ch := make(chan T, BufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, id
	}
	if _, ok := b.topics[topic]; !ok {
		b.topics[topic] = make(map[string]chan T)
	}
	b.topics[topic][id] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "topic", topic, "sub_id", id)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(topic, id)
	}()
	return ch, id
}

// Publish delivers ev to subscribers of topic except exclude, returning the number reached.
func (b *Broadcaster[T]) Publish(topic string, ev T, exclude string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	delivered := 0
	for id, ch := range b.topics[topic] {
		if id == exclude {
			continue
		}
		select {
		case ch <- ev:
			delivered++
		default:
			b.logger.Debug("dropped event for slow subscriber", "topic", topic, "sub_id", id)
			if b.onDrop != nil {
				b.onDrop(topic)
			}
		}
	}
	return delivered
}

// Subscribers returns the number of subscribers on topic.
func (b *Broadcaster[T]) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster[T]) Unsubscribe(topic, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.topics[topic]
	if !ok {
		return
	}
	ch, ok := subs[id]
	if !ok {
		return
	}
	delete(subs, id)
	close(ch)
	if len(subs) == 0 {
		delete(b.topics, topic)
	}
	b.logger.Debug("subscriber removed", "topic", topic, "sub_id", id)
}

// Close ends every subscription. Later subscriptions receive an already closed channel.
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for topic, subs := range b.topics {
		for id, ch := range subs {
			close(ch)
			delete(subs, id)
		}
		delete(b.topics, topic)
	}
}
