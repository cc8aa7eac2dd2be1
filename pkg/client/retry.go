package client

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog"
)

// RetryConfig holds the configuration for retry logic.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including the initial request).
	MaxAttempts int
	// InitialBackoff is the initial backoff duration.
	InitialBackoff time.Duration
	// MaxBackoff is the maximum backoff duration.
	MaxBackoff time.Duration
	// BackoffMultiplier is the multiplier for exponential backoff.
	BackoffMultiplier float64
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       4,
		InitialBackoff:    1 * time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// backoff returns the wait before the next attempt, without jitter.
// Rate limit errors start from twice the initial backoff.
func (rc RetryConfig) backoff(class ErrorClass, attempt int) time.Duration {
	d := float64(rc.InitialBackoff)
	if class == ErrorClassRateLimit {
		d *= 2
	}
	for i := 1; i < attempt; i++ {
		d *= rc.BackoffMultiplier
		if d >= float64(rc.MaxBackoff) {
			return rc.MaxBackoff
		}
	}
	return min(time.Duration(d), rc.MaxBackoff)
}

// retrier executes a function with exponential backoff retry logic.
type retrier struct {
	config RetryConfig
	logger zerolog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// do runs fn until it succeeds, fails with a non-retriable error, or
// the attempts are used up. A Retry-After carried by an APIError
// overrides a shorter computed backoff.
func (r *retrier) do(ctx context.Context, fn func() error) error {
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil {
			if attempt > 1 {
				r.logger.Info().
					Int("attempt", attempt).
					Msg("Request succeeded after retry")
			}
			return nil
		}

		class := classOf(err)
		if !shouldRetry(class) || ctx.Err() != nil {
			return err
		}

		if attempt >= r.config.MaxAttempts {
			retryExhaustedTotal.WithLabelValues(string(class)).Inc()
			r.logger.Warn().
				Str("error_class", string(class)).
				Int("max_attempts", r.config.MaxAttempts).
				Msg("Retry attempts exhausted")
			return fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, attempt, err)
		}

		// ±20% jitter against synchronized retries from parallel batches
		wait := r.config.backoff(class, attempt)
		wait = time.Duration(float64(wait) * (0.8 + rand.Float64()*0.4))

		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.RetryAfter > wait {
			wait = apiErr.RetryAfter
		}

		retriesTotal.WithLabelValues(string(class)).Inc()
		retryBackoffSeconds.WithLabelValues(string(class)).Observe(wait.Seconds())
		r.logger.Debug().
			Err(err).
			Str("error_class", string(class)).
			Int("attempt", attempt).
			Dur("backoff", wait).
			Msg("Retrying request after backoff")

		if err := r.sleep(ctx, wait); err != nil {
			r.logger.Warn().
				Str("error_class", string(class)).
				Int("attempt", attempt).
				Msg("Context cancelled during retry backoff")
			return fmt.Errorf("%w: %w", ErrContextCancelled, err)
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
