package reliability

import (
	"math/rand"
	"time"
)

// Backoff produces reconnect delays that double from Base up to Cap, with a
// random jitter of up to JitterFraction added on top so simultaneous
// reconnect attempts across accounts do not synchronize into a storm.
//
// With doubling and jitter below 100%, successive delays are strictly
// increasing until the cap is reached.
type Backoff struct {
	Base           time.Duration
	Cap            time.Duration
	JitterFraction float64

	attempt int
	randFn  func() float64
}

// NewBackoff returns a backoff with the reconnect defaults: base 10s,
// cap 5min, 20% jitter.
func NewBackoff() *Backoff {
	return &Backoff{
		Base:           10 * time.Second,
		Cap:            5 * time.Minute,
		JitterFraction: 0.2,
	}
}

// Next returns the delay to wait before the next attempt and advances the
// attempt counter.
func (b *Backoff) Next() time.Duration {
	base := b.Base
	if base <= 0 {
		base = 10 * time.Second
	}
	cap := b.Cap
	if cap < base {
		cap = base
	}

	d := base << uint(b.attempt)
	if d > cap || d <= 0 { // overflow guard for large shifts
		d = cap
	}
	b.attempt++

	if b.JitterFraction > 0 {
		r := b.randFn
		if r == nil {
			r = rand.Float64
		}
		jitter := time.Duration(r() * b.JitterFraction * float64(d))
		if d+jitter <= cap {
			d += jitter
		} else {
			d = cap
		}
	}
	return d
}

// Attempt returns how many delays have been handed out since the last reset.
func (b *Backoff) Attempt() int {
	return b.attempt
}

// Reset clears the attempt counter after a successful connection.
func (b *Backoff) Reset() {
	b.attempt = 0
}
