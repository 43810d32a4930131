// Package retry provides bounded retry loops with configurable backoff and
// a marker for errors that must never be retried.
package retry

import (
	"context"
	"errors"
	"math"
	"time"
)

// Config controls a retry loop.
type Config struct {
	// MaxAttempts is the maximum number of attempts, including the first.
	MaxAttempts int
	// InitialDelay is the delay after the first failed attempt.
	InitialDelay time.Duration
	// MaxDelay caps the delay between attempts.
	MaxDelay time.Duration
	// Factor is the multiplier applied to the delay after each attempt.
	Factor float64
}

// Exponential returns a config for exponential backoff with the given bounds.
func Exponential(maxAttempts int, initial, max time.Duration) Config {
	return Config{
		MaxAttempts:  maxAttempts,
		InitialDelay: initial,
		MaxDelay:     max,
		Factor:       2.0,
	}
}

// Linear returns a config with a constant delay between attempts.
func Linear(maxAttempts int, delay time.Duration) Config {
	return Config{
		MaxAttempts:  maxAttempts,
		InitialDelay: delay,
		MaxDelay:     delay,
		Factor:       1.0,
	}
}

func (c Config) normalized() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 1
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = 100 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 10 * time.Second
	}
	if c.Factor <= 0 {
		c.Factor = 2.0
	}
	return c
}

// Result reports the outcome of a retry loop.
type Result struct {
	// Attempts is the number of attempts actually made.
	Attempts int
	// Err is the last error, nil on success.
	Err error
}

// Do runs op until it succeeds, returns a permanent error, the context is
// canceled, or MaxAttempts is reached. op receives the 1-indexed attempt
// number so callers can scale per-attempt timeouts or delays.
func Do(ctx context.Context, config Config, op func(attempt int) error) Result {
	config = config.normalized()
	result := Result{}

	delay := config.InitialDelay
	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		result.Attempts = attempt

		if err := ctx.Err(); err != nil {
			result.Err = err
			return result
		}

		err := op(attempt)
		if err == nil {
			result.Err = nil
			return result
		}
		result.Err = err

		if IsPermanent(err) || attempt >= config.MaxAttempts {
			return result
		}

		select {
		case <-ctx.Done():
			result.Err = ctx.Err()
			return result
		case <-time.After(delay):
		}

		delay = time.Duration(float64(delay) * config.Factor)
		if delay > config.MaxDelay {
			delay = config.MaxDelay
		}
	}
	return result
}

// DoWithValue runs an operation that produces a value under the same policy
// as Do.
func DoWithValue[T any](ctx context.Context, config Config, op func(attempt int) (T, error)) (T, Result) {
	var value T
	result := Do(ctx, config, func(attempt int) error {
		var err error
		value, err = op(attempt)
		return err
	})
	return value, result
}

// PermanentError marks an error that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so retry loops stop immediately. A nil err stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err carries the permanent marker.
func IsPermanent(err error) bool {
	var permanent *PermanentError
	return errors.As(err, &permanent)
}

// Backoff computes the delay before the given 1-indexed attempt using
// initial * factor^(attempt-1), capped at max.
func Backoff(attempt int, initial, max time.Duration, factor float64) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	if initial <= 0 {
		initial = 100 * time.Millisecond
	}
	if max <= 0 {
		max = 10 * time.Second
	}
	if factor <= 0 {
		factor = 2.0
	}
	delay := float64(initial) * math.Pow(factor, float64(attempt-1))
	if delay > float64(max) {
		delay = float64(max)
	}
	return time.Duration(delay)
}
