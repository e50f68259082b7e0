package orchestrator

import (
	"math"
	"math/rand"
	"time"
)

// backoffWithJitter returns a delay in [wait/2, wait) where wait doubles per attempt up to max.
func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max || exp > float64(math.MaxInt64) {
		wait = max
	}
	half := int64(wait / 2)
	if half <= 0 {
		return wait
	}
	return wait/2 + time.Duration(rand.Int63n(half))
}
