package uploader

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffDoublesPerAttempt(t *testing.T) {
	base := 5 * time.Second
	for attempt, want := range map[int]time.Duration{
		1: 5 * time.Second,
		2: 10 * time.Second,
		3: 20 * time.Second,
		4: 40 * time.Second,
	} {
		d := Backoff(attempt, base)
		assert.GreaterOrEqual(t, d, want, "attempt %d", attempt)
		// Jitter is bounded at 30% of the deterministic delay.
		assert.LessOrEqual(t, d, want+want*3/10, "attempt %d", attempt)
	}
}

func TestBackoffClampsAttempt(t *testing.T) {
	base := time.Second
	assert.GreaterOrEqual(t, Backoff(0, base), base)
	assert.GreaterOrEqual(t, Backoff(-5, base), base)
	assert.LessOrEqual(t, Backoff(0, base), base+base*3/10)
}

func TestBackoffJitterVaries(t *testing.T) {
	seen := map[time.Duration]bool{}
	for i := 0; i < 50; i++ {
		seen[Backoff(3, 5*time.Second)] = true
	}
	// 50 draws over a 1.5s jitter window should not collapse to one value.
	assert.Greater(t, len(seen), 1)
}
