package engine

import (
	"errors"
	"math/rand/v2"
	"time"
)

const (
	defaultRetryBase     = 500 * time.Millisecond
	defaultRetryMaxDelay = 15 * time.Second
	defaultRetryJitter   = 0.2
)

// retryDelay is the wait before attempt n+1. A RetryAfterError hint replaces
// the exponential step; both are capped at RetryMaxDelay and jittered.
func retryDelay(opt TaskOptions, n int, err error, rng *rand.Rand) time.Duration {
	ceiling := cmpOr(opt.RetryMaxDelay, defaultRetryMaxDelay)

	var d time.Duration
	var hint RetryAfterError
	if err != nil && errors.As(err, &hint) {
		d = max(hint.RetryAfter(), 0)
	} else {
		d = cmpOr(opt.RetryBase, defaultRetryBase)
		for i := 1; i < n && d < ceiling; i++ {
			d *= 2
		}
	}
	return jitter(min(d, ceiling), opt.RetryJitter, ceiling, rng)
}

// jitter spreads d by ±frac so retries of a burst of firings don't line up.
func jitter(d time.Duration, frac float64, ceiling time.Duration, rng *rand.Rand) time.Duration {
	if frac <= 0 {
		frac = defaultRetryJitter
	}
	if d > 0 && rng != nil {
		d = time.Duration(float64(d) * (1 + (rng.Float64()*2-1)*frac))
	}
	return min(max(d, 0), ceiling)
}
