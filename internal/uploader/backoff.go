package uploader

import (
	"math/rand"
	"time"
)

// Backoff returns the delay before retry number attempt (1-based). The delay
// doubles each attempt and carries up to 30% random jitter so concurrent
// failures do not retry in lockstep.
func Backoff(attempt int, base time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base << (attempt - 1)
	jitter := time.Duration(rand.Int63n(int64(delay)*3/10 + 1))
	return delay + jitter
}
