package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNextDelay_Monotonic(t *testing.T) {
	policies := []Policy{
		New(time.Second, 10*time.Second, 0),
		New(time.Second, 30*time.Second, 5),
		New(250*time.Millisecond, 7*time.Second, 3),
	}

	for _, p := range policies {
		assert.Equal(t, p.Base, p.NextDelay(0))
		prev := p.NextDelay(0)
		for n := 1; n < 80; n++ {
			d := p.NextDelay(n)
			assert.GreaterOrEqual(t, d, prev, "attempt %d", n)
			assert.LessOrEqual(t, d, p.Max, "attempt %d", n)
			prev = d
		}
	}
}

func TestNextDelay_Values(t *testing.T) {
	p := New(time.Second, 10*time.Second, 0)

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{-3, time.Second},
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 10 * time.Second},
		{1000, 10 * time.Second},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, p.NextDelay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestNextDelay_JitterStaysInRange(t *testing.T) {
	p := Policy{Base: time.Second, Max: 30 * time.Second, Jitter: 0.5}

	for i := 0; i < 200; i++ {
		d := p.NextDelay(3)
		assert.GreaterOrEqual(t, d, 4*time.Second)
		assert.LessOrEqual(t, d, 8*time.Second)
	}
}

func TestExhausted(t *testing.T) {
	p := New(time.Second, 30*time.Second, 5)
	assert.False(t, p.Exhausted(0))
	assert.False(t, p.Exhausted(4))
	assert.True(t, p.Exhausted(5))
	assert.True(t, p.Exhausted(6))

	unbounded := New(time.Second, 10*time.Second, 0)
	assert.False(t, unbounded.Exhausted(1_000_000))
}
