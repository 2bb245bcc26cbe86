package queue

import (
	"math"
	"time"
)

// RetryPolicy controls the defer/backoff/dead-letter protocol for agent
// messages. Attempts at or above MaxAttempts move the entry to dead-letter.
type RetryPolicy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

// DefaultRetryPolicy returns the retry settings used when the config does
// not override them.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:   30 * time.Second,
		MaxDelay:    5 * time.Minute,
		MaxAttempts: 5,
	}
}

// BackoffDelay returns the delay before the attempts-th retry becomes
// eligible: min(base * 2^(attempts-1), max). Attempts below 1 are treated
// as 1.
func BackoffDelay(attempts int, base, max time.Duration) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := time.Duration(float64(base) * math.Pow(2, float64(attempts-1)))
	if delay > max || delay <= 0 {
		delay = max
	}
	return delay
}

// NextAttemptAt computes the next eligibility timestamp (Unix milliseconds)
// after a failed delivery attempt.
func NextAttemptAt(now time.Time, attempts int, policy RetryPolicy) int64 {
	return now.Add(BackoffDelay(attempts, policy.BaseDelay, policy.MaxDelay)).UnixMilli()
}
