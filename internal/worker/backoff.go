package worker

import (
	"math"
	"time"
)

// RetryPolicy bounds redelivery of transiently failed dispatches.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Backoff returns the delay before redelivering after the given dispatch
// attempt: base * 2^(attempt-1), capped at MaxDelay.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt <= 0 {
		return p.BaseDelay
	}
	exp := float64(attempt - 1)
	delay := time.Duration(float64(p.BaseDelay) * math.Pow(2, exp))
	if delay <= 0 || delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// Exhausted reports whether attempt has reached the retry budget.
func (p RetryPolicy) Exhausted(attempt int) bool {
	return attempt >= p.MaxAttempts
}
