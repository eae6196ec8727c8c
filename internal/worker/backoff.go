package worker

import "time"

// Backoff returns the delay before the attempt-th retry: attempt * unit.
// It is linear and therefore non-decreasing in attempt. Values below 1 are
// treated as 1.
func Backoff(unit time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(attempt) * unit
}
