package duops

import (
	"math"
	"math/rand/v2"
	"time"
)

// RetryPolicy decides whether a failed poll is retried and when.
//
// retryCount is the number of retries already scheduled for the operation,
// 0 on the first failure.
type RetryPolicy interface {
	ShouldRetry(err error, retryCount int) bool
	RetryDelay(err error, retryCount int) time.Duration
}

// ZeroRetryPolicy never retries.
type ZeroRetryPolicy struct{}

func (ZeroRetryPolicy) ShouldRetry(error, int) bool { return false }

func (ZeroRetryPolicy) RetryDelay(error, int) time.Duration { return 0 }

// AdHocRetryPolicy delegates to closures. A nil ShouldRetryFunc never retries;
// a nil RetryDelayFunc retries immediately.
type AdHocRetryPolicy struct {
	ShouldRetryFunc func(err error, retryCount int) bool
	RetryDelayFunc  func(err error, retryCount int) time.Duration
}

func (p AdHocRetryPolicy) ShouldRetry(err error, retryCount int) bool {
	if p.ShouldRetryFunc == nil {
		return false
	}
	return p.ShouldRetryFunc(err, retryCount)
}

func (p AdHocRetryPolicy) RetryDelay(err error, retryCount int) time.Duration {
	if p.RetryDelayFunc == nil {
		return 0
	}
	return p.RetryDelayFunc(err, retryCount)
}

// ExponentialRetryPolicy retries with capped exponential backoff.
// Errors wrapped with NewTerminalError are never retried.
type ExponentialRetryPolicy struct {
	InitialInterval time.Duration // Start with this delay
	MaxInterval     time.Duration // Cap delay at this value
	BackoffFactor   float64       // Exponential backoff multiplier
	MaxAttempts     int           // Give up after this many failed polls; <= 0 means never give up
	Jitter          float64       // Add ±% randomization to prevent thundering herd
}

// DefaultRetryPolicy provides sensible defaults.
var DefaultRetryPolicy = ExponentialRetryPolicy{
	InitialInterval: 1 * time.Second,
	MaxInterval:     1 * time.Hour,
	BackoffFactor:   2.0,
	MaxAttempts:     10,
	Jitter:          0.1,
}

func (p ExponentialRetryPolicy) ShouldRetry(err error, retryCount int) bool {
	if IsTerminalError(err) {
		return false
	}
	if p.MaxAttempts <= 0 {
		return true
	}
	return retryCount+1 < p.MaxAttempts
}

func (p ExponentialRetryPolicy) RetryDelay(_ error, retryCount int) time.Duration {
	return p.backoff(retryCount + 1)
}

// backoff calculates the delay before the given attempt (1-based).
func (p ExponentialRetryPolicy) backoff(attempt int) time.Duration {
	factor := p.BackoffFactor
	if factor <= 0 {
		factor = 1
	}
	// Exponential backoff: initialInterval * (backoffFactor ^ (attempt - 1))
	backoff := float64(p.InitialInterval) * math.Pow(factor, float64(attempt-1))

	// Cap at max interval
	if p.MaxInterval > 0 && backoff > float64(p.MaxInterval) {
		backoff = float64(p.MaxInterval)
	}

	// Add jitter: ±jitter%
	if p.Jitter > 0 {
		jitterAmount := backoff * p.Jitter
		backoff += (rand.Float64()*2 - 1) * jitterAmount
	}

	if backoff < 0 {
		backoff = float64(p.InitialInterval)
	}

	return time.Duration(backoff)
}
