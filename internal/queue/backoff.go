package queue

import (
	"math/rand"
	"time"
)

// Backoff computes the retry delay for the n-th retry (n ≥ 1):
// min(base·2^(n-1), cap), jittered ±20%.
func Backoff(n int, base, cap time.Duration) time.Duration {
	if n < 1 {
		n = 1
	}
	d := base
	for i := 1; i < n; i++ {
		d *= 2
		if d > cap {
			d = cap
			break
		}
	}
	if d > cap {
		d = cap
	}

	jitter := 0.2 * (2*rand.Float64() - 1) // ±20%
	jittered := time.Duration(float64(d) * (1 + jitter))
	if jittered < 0 {
		jittered = 0
	}
	return jittered
}
