package fetcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const retryMaxAttempts = 3

// TransientError marks a failure worth retrying (connection resets, 5xx).
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// RateLimitedError marks a 429. RetryAfter is zero when the server sent no
// Retry-After header.
type RateLimitedError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitedError) Error() string { return e.Err.Error() }
func (e *RateLimitedError) Unwrap() error { return e.Err }

// retry runs op up to retryMaxAttempts times. Delays follow an exponential
// backoff (base 1s, factor 2, cap 30s). A rate-limited attempt sleeps the
// server's Retry-After when given, otherwise four times the computed
// backoff. Errors that are neither transient nor rate-limited fail fast.
func retry(ctx context.Context, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.Multiplier = 2
	bo.MaxInterval = 30 * time.Second
	bo.RandomizationFactor = 0
	bo.Reset()

	var lastErr error
	for attempt := 1; attempt <= retryMaxAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}

		var transient *TransientError
		var limited *RateLimitedError
		switch {
		case errors.As(lastErr, &limited):
		case errors.As(lastErr, &transient):
		default:
			return lastErr
		}

		if attempt == retryMaxAttempts {
			break
		}

		delay := bo.NextBackOff()
		if limited != nil {
			if limited.RetryAfter > 0 {
				delay = limited.RetryAfter
			} else {
				delay *= 4
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("giving up after %d attempts: %w", retryMaxAttempts, lastErr)
}
