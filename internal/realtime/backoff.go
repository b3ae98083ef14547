package realtime

import (
	"math/rand"
	"time"
)

// DefaultBackoff provides the reconnect defaults.
func DefaultBackoff() Backoff {
	return Backoff{
		Base:        time.Second,
		Max:         30 * time.Second,
		Jitter:      0.2,
		MaxAttempts: 10,
	}
}

// Backoff computes the delay before the next reconnect attempt.
type Backoff struct {
	// Base is the delay before the first retry.
	Base time.Duration
	// Max caps the computed delay.
	Max time.Duration
	// Jitter randomizes the delay as a fraction (0-1) in both directions.
	Jitter float64
	// MaxAttempts is the attempt ceiling; Exhausted reports true beyond it.
	MaxAttempts int
}

// Next returns the delay for the given attempt (1-based).
func (b Backoff) Next(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	base := b.Base
	if base <= 0 {
		base = time.Second
	}
	max := b.Max
	if max <= 0 {
		max = 30 * time.Second
	}
	if ceiling := b.ceiling(); attempt > ceiling {
		attempt = ceiling
	}

	wait := base
	for i := 1; i < attempt; i++ {
		next := wait * 2
		if next > max {
			wait = max
			break
		}
		wait = next
	}
	if wait > max {
		wait = max
	}

	jitter := b.Jitter
	if jitter <= 0 {
		return wait
	}
	if jitter > 1 {
		jitter = 1
	}
	delta := float64(wait) * jitter
	return wait - time.Duration(delta) + time.Duration(rand.Float64()*2*delta)
}

// Exhausted reports whether the attempt ceiling has been exceeded.
func (b Backoff) Exhausted(attempt int) bool {
	return attempt > b.ceiling()
}

func (b Backoff) ceiling() int {
	if b.MaxAttempts <= 0 {
		return 10
	}
	return b.MaxAttempts
}
