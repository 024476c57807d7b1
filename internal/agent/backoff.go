// ABOUTME: Exponential reconnect delay with symmetric jitter
// ABOUTME: Doubles from Initial up to Max; Reset after a successful handshake

package agent

import (
	"math/rand/v2"
	"time"
)

// Reconnect defaults.
const (
	DefaultInitialDelay = 1 * time.Second
	DefaultMaxDelay     = 30 * time.Second
	DefaultJitter       = 0.25
)

// Backoff produces reconnect delays. It is not safe for concurrent use.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	// Jitter is the fraction by which a delay may vary either way.
	Jitter float64

	attempt int
	rand    func() float64
}

// NewBackoff returns a Backoff with defaults filled in for zero values.
func NewBackoff(initial, maxDelay time.Duration) *Backoff {
	if initial <= 0 {
		initial = DefaultInitialDelay
	}
	if maxDelay <= 0 {
		maxDelay = DefaultMaxDelay
	}
	if maxDelay < initial {
		maxDelay = initial
	}
	return &Backoff{Initial: initial, Max: maxDelay, Jitter: DefaultJitter, rand: rand.Float64}
}

// Next returns the delay before the next attempt and advances the sequence.
func (b *Backoff) Next() time.Duration {
	d := b.Initial
	for i := 0; i < b.attempt && d < b.Max; i++ {
		d *= 2
	}
	if d > b.Max {
		d = b.Max
	}
	b.attempt++

	if b.Jitter <= 0 {
		return d
	}
	// scale by a factor in [1-Jitter, 1+Jitter)
	f := 1 + b.Jitter*(2*b.rand()-1)
	return time.Duration(float64(d) * f)
}

// Attempts is the number of delays handed out since the last Reset.
func (b *Backoff) Attempts() int { return b.attempt }

// Reset restarts the sequence at Initial.
func (b *Backoff) Reset() { b.attempt = 0 }
