// Package backoff computes exponential retry delays with capped randomized
// jitter. It backs the Connection Engine's dial retries and the Session
// Manager's post-failure re-probe delay.
package backoff

import (
	"math/rand/v2"
	"time"
)

// Policy is an exponential-backoff-with-jitter schedule. The zero Policy is
// not usable; construct one with New.
//
// Next(n) = min(Base * 2^n, Cap) * uniform(1-Jitter, 1+Jitter)
type Policy struct {
	Base   time.Duration
	Cap    time.Duration
	Jitter float64 // fraction in [0,1]; 0 disables jitter

	rng *rand.Rand
}

// New creates a Policy with a non-deterministic jitter source.
func New(base, cap time.Duration, jitter float64) *Policy {
	return &Policy{Base: base, Cap: cap, Jitter: jitter, rng: rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))}
}

// NewSeeded creates a Policy whose jitter sequence is reproducible, for
// tests that need deterministic delays.
func NewSeeded(base, cap time.Duration, jitter float64, seed1, seed2 uint64) *Policy {
	return &Policy{Base: base, Cap: cap, Jitter: jitter, rng: rand.New(rand.NewPCG(seed1, seed2))}
}

// Next returns the delay for the given attempt number (0-indexed). The
// caller owns the attempt counter and resets it on any observed success.
func (p *Policy) Next(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	base := float64(p.Base)
	// Cap the exponent so the shift can't overflow float64 or wrap attempt
	// into a degenerate value for very large retry counts.
	const maxShift = 62
	shift := attempt
	if shift > maxShift {
		shift = maxShift
	}
	delay := base * float64(uint64(1)<<uint(shift))

	if capped := float64(p.Cap); p.Cap > 0 && delay > capped {
		delay = capped
	}

	if p.Jitter <= 0 {
		return time.Duration(delay)
	}

	// uniform(1-jitter, 1+jitter)
	factor := 1 - p.Jitter + 2*p.Jitter*p.rng.Float64()
	return time.Duration(delay * factor)
}
