package retry

import (
	"context"
	"errors"
	"time"
)

// DefaultBackoff is the default set of delays between attempts.
var DefaultBackoff = []time.Duration{time.Second, 5 * time.Second, 15 * time.Second}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps an error to signal that retrying cannot help.
func Permanent(err error) error {
	return &permanentError{err: err}
}

type options struct {
	maxAttempts int
	backoff     []time.Duration
}

// Option configures retry behavior.
type Option func(*options)

// WithMaxAttempts sets the total number of attempts, first try included.
func WithMaxAttempts(n int) Option {
	return func(o *options) { o.maxAttempts = n }
}

// WithBackoff sets the delays between attempts. When attempts outnumber
// delays the last delay is reused.
func WithBackoff(delays ...time.Duration) Option {
	return func(o *options) { o.backoff = delays }
}

func resolveOptions(opts []Option) options {
	o := options{maxAttempts: 3, backoff: DefaultBackoff}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Do executes fn until it succeeds, returns a permanent error, exhausts the
// attempt budget, or ctx is cancelled mid-backoff.
func Do(ctx context.Context, fn func() error, opts ...Option) error {
	_, err := DoVal(ctx, func() (struct{}, error) {
		return struct{}{}, fn()
	}, opts...)
	return err
}

// DoVal is Do for functions returning a value.
func DoVal[T any](ctx context.Context, fn func() (T, error), opts ...Option) (T, error) {
	o := resolveOptions(opts)

	var zero T
	var lastErr error
	for attempt := 0; attempt < o.maxAttempts; attempt++ {
		val, err := fn()
		if err == nil {
			return val, nil
		}
		lastErr = err

		var pe *permanentError
		if errors.As(err, &pe) {
			return zero, pe.err
		}

		if attempt == o.maxAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return zero, lastErr
		case <-time.After(backoffDelay(o.backoff, attempt)):
		}
	}
	return zero, lastErr
}

func backoffDelay(backoff []time.Duration, attempt int) time.Duration {
	if len(backoff) == 0 {
		return 0
	}
	if attempt >= len(backoff) {
		attempt = len(backoff) - 1
	}
	return backoff[attempt]
}
