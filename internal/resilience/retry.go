package resilience

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryConfig tunes [Retry].
type RetryConfig struct {
	// MaxAttempts is the total number of tries including the first.
	// Default: 3.
	MaxAttempts int

	// BaseDelay is the wait after the first failure. Each further wait
	// doubles, capped at MaxDelay. Defaults: 1s and 8s.
	BaseDelay time.Duration
	MaxDelay  time.Duration

	// Jitter randomises each wait by ±Jitter of its length. Zero waits
	// exactly BaseDelay·2ⁿ.
	Jitter float64

	// Retryable reports whether an error is worth another attempt. Nil
	// retries every error.
	Retryable func(error) bool

	// OnRetry, if set, is called before each wait with the 1-based number of
	// the attempt that failed.
	OnRetry func(attempt int, err error, wait time.Duration)
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = max(8*time.Second, c.BaseDelay)
	}
	return c
}

// Retry calls op until it succeeds, returns a non-retryable error, the
// attempts are used up or ctx ends. The error of the last attempt is
// returned unwrapped, so callers can still test it with errors.Is.
func Retry[T any](ctx context.Context, cfg RetryConfig, op func(ctx context.Context) (T, error)) (T, error) {
	cfg = cfg.withDefaults()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.BaseDelay
	b.MaxInterval = cfg.MaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = cfg.Jitter

	attempt := 0
	return backoff.Retry(ctx, func() (T, error) {
		attempt++
		v, err := op(ctx)
		if err != nil && cfg.Retryable != nil && !cfg.Retryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(cfg.MaxAttempts)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			if cfg.OnRetry != nil {
				cfg.OnRetry(attempt, err, wait)
			}
		}),
	)
}
