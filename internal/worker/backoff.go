package worker

import (
	"math/rand"
	"time"
)

// Backoff computes the retry delay for an attempt: base doubled per
// attempt, capped at max, with optional +/- jitterPct jitter. With zero
// jitter the delay is non-decreasing in attempt.
func Backoff(attempt int, base, max time.Duration, jitterPct float64) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if attempt < 0 {
		attempt = 0
	}

	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if max > 0 && d >= max {
			d = max
			break
		}
	}
	if max > 0 && d > max {
		d = max
	}

	if jitterPct > 0 {
		j := 1 + (rand.Float64()*2-1)*jitterPct
		if j < 0.1 {
			j = 0.1
		}
		d = time.Duration(float64(d) * j)
	}
	return d
}
