// Package backoff computes retry delays for reconnection attempts.
package backoff

import (
	"math/rand"
	"time"
)

// Policy maps an attempt count to a wait duration. The delay grows by a
// factor of two per attempt between the configured bounds. A jitter fraction
// of zero makes NextDelay fully deterministic.
type Policy struct {
	initial time.Duration
	max     time.Duration
	jitter  float64
}

// New creates a policy without jitter.
func New(initial, max time.Duration) *Policy {
	return NewWithJitter(initial, max, 0)
}

// NewWithJitter creates a policy that spreads each delay by up to the given
// fraction (0..1) below its nominal value.
func NewWithJitter(initial, max time.Duration, jitter float64) *Policy {
	if initial <= 0 {
		initial = time.Second
	}
	if max < initial {
		max = initial
	}
	if jitter < 0 || jitter > 1 {
		jitter = 0
	}
	return &Policy{initial: initial, max: max, jitter: jitter}
}

// NextDelay returns the delay before the given attempt. Attempt counts start
// at 1; values below that are treated as 1.
func (p *Policy) NextDelay(attempt uint) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	d := p.initial
	for i := uint(1); i < attempt; i++ {
		d *= 2
		if d >= p.max || d < 0 {
			d = p.max
			break
		}
	}
	if d > p.max {
		d = p.max
	}

	if p.jitter > 0 {
		// Shave off a random slice, never the whole delay.
		d -= time.Duration(p.jitter * rand.Float64() * float64(d))
	}
	if d <= 0 {
		d = time.Millisecond
	}
	return d
}

// Max returns the configured upper bound.
func (p *Policy) Max() time.Duration {
	return p.max
}
