package realtime

import (
	"math/rand/v2"
	"time"
)

// Backoff computes reconnect delays: Base doubled per attempt, capped at Max,
// then scaled by a uniform factor in [1-Jitter, 1+Jitter].
//
// Zero fields take their DefaultBackoff value. A negative Jitter disables
// jitter.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
}

// DefaultBackoff is used when Config.Backoff is zero.
var DefaultBackoff = Backoff{Base: time.Second, Max: 30 * time.Second, Jitter: 0.2}

// Delay returns the wait before reconnect attempt n (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	return b.delay(attempt, rand.Float64()) //nolint:gosec // jitter does not need a secure source
}

// delay is Delay with the random sample r in [0, 1) supplied by the caller.
func (b Backoff) delay(attempt int, r float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.Base
	for i := 1; i < attempt && d < b.Max; i++ {
		d *= 2
	}
	if d > b.Max {
		d = b.Max
	}
	factor := 1 + b.Jitter*(2*r-1)
	out := time.Duration(float64(d) * factor)
	if out < 0 {
		return 0
	}
	if upper := time.Duration(float64(b.Max) * (1 + b.Jitter)); out > upper {
		return upper
	}
	return out
}

func (b Backoff) withDefaults() Backoff {
	if b == (Backoff{}) {
		return DefaultBackoff
	}
	if b.Base <= 0 {
		b.Base = DefaultBackoff.Base
	}
	if b.Max <= 0 {
		b.Max = DefaultBackoff.Max
	}
	if b.Max < b.Base {
		b.Max = b.Base
	}
	switch {
	case b.Jitter == 0:
		b.Jitter = DefaultBackoff.Jitter
	case b.Jitter < 0:
		b.Jitter = 0
	}
	if b.Jitter > 1 {
		b.Jitter = 1
	}
	return b
}
