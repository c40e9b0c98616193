// Package retrier drains the operation queue against the remote service with
// exponential backoff.
package retrier

import "time"

// Backoff returns the delay before retry attempt n (1-based), doubling from
// base and held at limit: 1s, 2s, 4s, then 4s again. Delays are non-decreasing
// by construction.
func Backoff(attempt int, base, limit time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= limit {
			return limit
		}
	}
	if delay > limit {
		return limit
	}
	return delay
}
