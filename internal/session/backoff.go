package session

import (
	"math/rand"
	"time"
)

// nextRetryDelay computes the delay before the next flush retry using
// jittered exponential growth with a cap. Starting from base, each retry
// roughly doubles with randomized spread so replicas retrying the same
// document do not synchronize.
func nextRetryDelay(prev, base, capDur time.Duration) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if capDur > 0 && capDur < base {
		return capDur
	}
	if prev <= 0 {
		return base
	}

	spread := time.Duration(float64(prev) * 2.0)
	if spread <= base {
		spread = base
	}
	next := base + time.Duration(rand.Int63n(int64(spread))) //nolint:gosec // non-crypto retry jitter
	if capDur > 0 && next > capDur {
		return capDur
	}
	return next
}
