package resilience

import (
	"math"
	"math/rand/v2"
	"time"
)

// RetryPolicy is exponential backoff with jitter, bounded to MaxAttempts
// total tries (the first attempt plus MaxAttempts-1 retries).
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// DefaultRetryPolicy bounds to 3 attempts with a 200ms base delay doubling
// up to a 5s ceiling.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     5 * time.Second,
	}
}

// Backoff returns the delay before the (retryCount+1)-th retry, full-jitter
// style: a uniform random delay in [0, min(MaxDelay, InitialDelay*2^retryCount)].
func (p RetryPolicy) Backoff(retryCount int) time.Duration {
	cap := float64(p.MaxDelay)
	base := float64(p.InitialDelay) * math.Pow(2, float64(retryCount))
	if base > cap {
		base = cap
	}
	if base <= 0 {
		return 0
	}
	return time.Duration(rand.Float64() * base)
}
