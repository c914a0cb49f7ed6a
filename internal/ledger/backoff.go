package ledger

import (
	"math/rand"
	"time"
)

// Backoff computes the delay before a claim retry: exponential growth from
// Base capped at Max, multiplied by (1 ± Jitter). Jitter matters — without
// it, N agents contending for the same atom would resynchronize their
// retries every round and keep colliding.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64

	// rng returns a uniform value in [0,1); overridable for deterministic tests.
	rng func() float64
}

// DefaultBackoff returns the claim-retry policy (100ms base, 5s cap, ±20%).
func DefaultBackoff() Backoff {
	return Backoff{Base: 100 * time.Millisecond, Max: 5 * time.Second, Jitter: 0.2}
}

// Delay returns the backoff for the given attempt number (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	d := b.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= b.Max {
			d = b.Max
			break
		}
	}
	if d > b.Max {
		d = b.Max
	}
	if b.Jitter > 0 {
		rng := b.rng
		if rng == nil {
			rng = rand.Float64
		}
		// uniform in [-Jitter, +Jitter]
		factor := 1 + b.Jitter*(2*rng()-1)
		d = time.Duration(float64(d) * factor)
	}
	return d
}
