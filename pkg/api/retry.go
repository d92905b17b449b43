package api

import (
	"math/rand/v2"
	"time"
)

// RetryPolicy controls how a step (or its compensation) is retried on
// transient failure. MaxAttempts includes the first attempt:
//
//	MaxAttempts = 1 => no retries
//	MaxAttempts = 3 => initial call + up to 2 retries
//
// The delay before attempt n+1 is exponential with full attempt-indexed
// growth, capped at MaxDelay, then spread by +-Jitter:
//
//	delay = min(MaxDelay, BaseDelay * 2^(n-1)) * (1 + rand(-Jitter, +Jitter))
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	// Jitter is a fraction of the computed delay, e.g. 0.2 for +-20%.
	Jitter float64
}

// Attempts normalizes MaxAttempts: zero or negative means a single attempt.
func (p RetryPolicy) Attempts() int {
	if p.MaxAttempts <= 0 {
		return 1
	}
	return p.MaxAttempts
}

// Delay returns the backoff to apply after the given failed attempt
// (1-based). A zero BaseDelay means retries happen immediately.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if p.BaseDelay <= 0 || attempt <= 0 {
		return 0
	}

	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}

	if p.Jitter > 0 {
		spread := 1 + (rand.Float64()*2-1)*p.Jitter
		d = time.Duration(float64(d) * spread)
	}
	if d < 0 {
		d = 0
	}
	return d
}

// DefaultRetry is the policy applied when a step definition leaves its
// RetryPolicy zero-valued.
var DefaultRetry = RetryPolicy{
	MaxAttempts: 3,
	BaseDelay:   500 * time.Millisecond,
	MaxDelay:    30 * time.Second,
	Jitter:      0.2,
}
