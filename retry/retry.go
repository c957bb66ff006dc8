// Package retry runs an operation with bounded exponential backoff and jitter.
// It follows the generic retry helper in stl-verify's internal/pkg/retry,
// reworked for the bank oracle and refund rail callers: fn receives the
// context, and the returned error tells the three endings apart.
//
//   - budget spent on retryable errors: wraps ErrExhausted and the last error
//   - non-retryable error: returned as is
//   - context ended during backoff: wraps ctx.Err() and the last error
//
// refund.Initiator relies on this split to route only ErrExhausted to manual
// review and leave every other failure for the reconciliation sweep.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// Config controls the retry loop.
type Config struct {
	// MaxRetries is the number of extra attempts after the first one.
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
	// Jitter adds rand(0, backoff) to each wait.
	Jitter bool
}

// DefaultConfig matches the oracle contract: two retries, jittered.
func DefaultConfig() Config {
	return Config{
		MaxRetries:     2,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		BackoffFactor:  2.0,
		Jitter:         true,
	}
}

// ErrExhausted wraps the last error once every attempt has failed.
var ErrExhausted = errors.New("retry: attempts exhausted")

// IsRetryableFunc reports whether err should trigger another attempt.
type IsRetryableFunc func(error) bool

// OnRetryFunc is called before each retry; attempt is 1-indexed.
type OnRetryFunc func(attempt int, err error, backoff time.Duration)

// Do calls fn until it succeeds, returns a non-retryable error, the
// context ends, or the retry budget is spent.
func Do[T any](ctx context.Context, cfg Config, isRetryable IsRetryableFunc, onRetry OnRetryFunc, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	if cfg.BackoffFactor <= 0 {
		cfg.BackoffFactor = 2.0
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 10 * time.Millisecond
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	if isRetryable == nil {
		isRetryable = func(error) bool { return true }
	}

	backoff := cfg.InitialBackoff
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := backoff
			if cfg.Jitter {
				wait += time.Duration(rand.Int63n(int64(backoff)))
			}
			if onRetry != nil {
				onRetry(attempt, lastErr, wait)
			}

			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, fmt.Errorf("retry: cancelled after %d attempts: %w", attempt, errors.Join(ctx.Err(), lastErr))
			case <-timer.C:
			}

			backoff = time.Duration(float64(backoff) * cfg.BackoffFactor)
			if backoff > cfg.MaxBackoff {
				backoff = cfg.MaxBackoff
			}
		}

		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !isRetryable(err) {
			return zero, err
		}
	}

	return zero, fmt.Errorf("%w after %d retries: %w", ErrExhausted, cfg.MaxRetries, lastErr)
}
