// Package backoff computes reconnect delays for the stream and health monitor.
package backoff

import (
	"math/rand/v2"
	"time"
)

// Policy is an exponential backoff schedule. The zero value is not useful;
// build one with New or fill every field.
type Policy struct {
	// Base is the delay before the first retry.
	Base time.Duration
	// Max caps every delay.
	Max time.Duration
	// MaxAttempts is the number of retries allowed before giving up. Zero
	// means retry forever.
	MaxAttempts int
	// Jitter in [0,1) randomly shortens each delay by up to that fraction.
	Jitter float64
}

const maxDelay = time.Duration(1<<63 - 1)

// New returns a Policy without jitter.
func New(base, max time.Duration, maxAttempts int) Policy {
	return Policy{Base: base, Max: max, MaxAttempts: maxAttempts}
}

// NextDelay returns min(Base * 2^attempt, Max), optionally jittered downward.
func (p Policy) NextDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := p.Base
	for i := 0; i < attempt && (p.Max <= 0 || d < p.Max); i++ {
		if d > maxDelay/2 {
			d = maxDelay
			break
		}
		d *= 2
	}
	if p.Max > 0 && d > p.Max {
		d = p.Max
	}
	if p.Jitter > 0 && p.Jitter < 1 {
		d -= time.Duration(rand.Float64() * p.Jitter * float64(d))
	}
	return d
}

// Exhausted reports whether attempt retries have used up the budget.
func (p Policy) Exhausted(attempt int) bool {
	return p.MaxAttempts > 0 && attempt >= p.MaxAttempts
}
