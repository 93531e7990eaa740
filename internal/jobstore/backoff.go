package jobstore

import (
	"errors"
	"math/rand"
	"time"
)

// Backoff is exponential with symmetric jitter:
// Base, 2*Base, 4*Base ... capped at Max.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64 // 0.2 = +/-20%
}

func (b Backoff) withDefaults() Backoff {
	if b.Base <= 0 {
		b.Base = 500 * time.Millisecond
	}
	if b.Max <= 0 {
		b.Max = 15 * time.Second
	}
	if b.Jitter <= 0 {
		b.Jitter = 0.2
	}
	return b
}

// Delay returns the wait before retry number retry (1-based). A RetryAfter hint
// in err replaces the exponential step.
func (b Backoff) Delay(retry int, err error, rng *rand.Rand) time.Duration {
	b = b.withDefaults()

	d := b.Base
	var ra RetryAfterError
	if err != nil && errors.As(err, &ra) {
		d = ra.RetryAfter()
	} else {
		for i := 1; i < retry && d < b.Max; i++ {
			d *= 2
		}
	}
	if d > b.Max {
		d = b.Max
	}
	if rng != nil && d > 0 {
		r := (rng.Float64()*2 - 1) * b.Jitter
		d = time.Duration(float64(d) * (1 + r))
	}
	return min(max(d, 0), b.Max)
}
