package workqueue

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"
)

// BackoffPolicy controls retry scheduling for abandoned work.
type BackoffPolicy struct {
	MaxAttempts int           // attempts before the row is poisoned (default: 5)
	BaseDelay   time.Duration // first retry delay (default: 1 minute)
	MaxBackoff  time.Duration // delay cap (default: 1 hour)
}

// DefaultBackoffPolicy returns the default retry policy.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		MaxAttempts: 5,
		BaseDelay:   time.Minute,
		MaxBackoff:  time.Hour,
	}
}

// Exhausted reports whether a row with the given retry count is out of
// attempts and must be poisoned instead of abandoned.
func (p BackoffPolicy) Exhausted(retryCount int) bool {
	return retryCount >= p.MaxAttempts
}

// Delay computes the delay before the given attempt using exponential
// backoff with full jitter: random(0, min(max, base * 2^(attempt-1))).
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	backoff := float64(p.BaseDelay) * math.Pow(2, float64(attempt-1))
	if backoff > float64(p.MaxBackoff) {
		backoff = float64(p.MaxBackoff)
	}

	maxJitter := int64(backoff)
	if maxJitter <= 0 {
		return p.BaseDelay
	}

	jitter, err := rand.Int(rand.Reader, big.NewInt(maxJitter))
	if err != nil {
		// Fall back to the base delay if the random source fails.
		return p.BaseDelay
	}

	return time.Duration(jitter.Int64())
}
