package db

import (
	"math/rand"
	"time"
)

const (
	lockoutMin = 15 * time.Minute
	lockoutMax = 20 * time.Minute

	authMin = 15 * time.Minute
	authMax = 30 * time.Minute

	networkBase = 2 * time.Second
	networkCap  = 60 * time.Second
)

// RetryDelay computes the backoff before the next connection attempt for a
// given failure class.
//
//   - lockout: uniform in [15m, 20m] with ±10% jitter. The pooler extends the
//     lockout on every login attempt, so this window must be waited out.
//   - auth_failure: uniform in [15m, 30m]. Repeated failed logins escalate
//     into a lockout; the long pause prevents that.
//   - network / other: exponential 2s·2^min(n,5) capped at 60s, ±20% jitter.
//
// n is the number of consecutive failures so far (0-based attempt index).
func RetryDelay(class ErrorClass, n int) time.Duration {
	switch class {
	case ClassLockout:
		d := uniform(lockoutMin, lockoutMax)
		return jitter(d, 0.10)
	case ClassAuthFailure:
		return uniform(authMin, authMax)
	default:
		if n > 5 {
			n = 5
		}
		d := networkBase * (1 << n)
		if d > networkCap {
			d = networkCap
		}
		return jitter(d, 0.20)
	}
}

func uniform(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)))
}

// jitter returns d scaled by a uniform factor in [1-f, 1+f].
func jitter(d time.Duration, f float64) time.Duration {
	factor := 1 - f + 2*f*rand.Float64()
	return time.Duration(float64(d) * factor)
}
