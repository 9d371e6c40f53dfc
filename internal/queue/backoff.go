package queue

import "time"

// Backoff maps the number of delivery attempts made so far to the delay
// before the item becomes due again. Implementations must return a positive
// duration so that next_retry strictly increases after every failed attempt.
type Backoff func(retryCount int) time.Duration

// DefaultRetryInterval is the delay between attempts when no backoff is
// configured.
const DefaultRetryInterval = time.Hour

// FixedBackoff returns the same delay for every attempt. A non-positive
// interval falls back to DefaultRetryInterval.
func FixedBackoff(interval time.Duration) Backoff {
	if interval <= 0 {
		interval = DefaultRetryInterval
	}
	return func(int) time.Duration {
		return interval
	}
}

// ExponentialBackoff grows the delay by multiplier per attempt, capped at
// max. The first retry waits initial.
func ExponentialBackoff(initial, max time.Duration, multiplier float64) Backoff {
	if initial <= 0 {
		initial = time.Second
	}
	if multiplier < 1 {
		multiplier = 2.0
	}
	return func(retryCount int) time.Duration {
		backoff := float64(initial)
		for i := 1; i < retryCount; i++ {
			backoff *= multiplier
		}
		if max > 0 && backoff > float64(max) {
			backoff = float64(max)
		}
		return time.Duration(backoff)
	}
}
