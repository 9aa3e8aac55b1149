package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextDelayGrowth(t *testing.T) {
	p := New(5*time.Second, 60*time.Second)

	assert.Equal(t, 5*time.Second, p.NextDelay(1))
	assert.Equal(t, 10*time.Second, p.NextDelay(2))
	assert.Equal(t, 20*time.Second, p.NextDelay(3))
	assert.Equal(t, 40*time.Second, p.NextDelay(4))
	assert.Equal(t, 60*time.Second, p.NextDelay(5))
	assert.Equal(t, 60*time.Second, p.NextDelay(6))
}

func TestNextDelayMonotone(t *testing.T) {
	p := New(250*time.Millisecond, 30*time.Second)

	prev := time.Duration(0)
	for attempt := uint(1); attempt <= 64; attempt++ {
		d := p.NextDelay(attempt)
		require.Greater(t, d, time.Duration(0), "attempt %d", attempt)
		require.GreaterOrEqual(t, d, prev, "attempt %d", attempt)
		require.LessOrEqual(t, d, p.Max(), "attempt %d", attempt)
		prev = d
	}
}

func TestNextDelayZeroAttempt(t *testing.T) {
	p := New(time.Second, time.Minute)
	assert.Equal(t, time.Second, p.NextDelay(0))
}

func TestJitterBounds(t *testing.T) {
	p := NewWithJitter(4*time.Second, time.Minute, 0.5)

	for i := 0; i < 100; i++ {
		d := p.NextDelay(1)
		require.Greater(t, d, time.Duration(0))
		require.LessOrEqual(t, d, 4*time.Second)
		require.GreaterOrEqual(t, d, 2*time.Second)
	}
}

func TestBoundsNormalized(t *testing.T) {
	// max below initial is raised to initial
	p := New(10*time.Second, time.Second)
	assert.Equal(t, 10*time.Second, p.NextDelay(5))
}
