package retry

import (
	"context"
	"time"
)

// Options configures Do.
type Options struct {
	// MaxAttempts is the total number of calls, including the first.
	MaxAttempts int

	// Backoff returns the delay before the next attempt, given the number
	// of the attempt that just failed.
	Backoff func(attempt int) time.Duration

	// ShouldRetry decides whether a failed attempt may be retried. By
	// default every error except a NonRecoverableError is retried.
	ShouldRetry func(err error) bool

	// OnRetry is called before sleeping ahead of the next attempt.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// Option mutates Options.
type Option func(*Options)

// WithMaxAttempts sets the total number of attempts.
func WithMaxAttempts(n int) Option {
	return func(o *Options) { o.MaxAttempts = n }
}

// WithMaxRetries sets the number of retries after the first attempt.
func WithMaxRetries(n int) Option {
	return func(o *Options) { o.MaxAttempts = n + 1 }
}

// WithBaseWait applies exponential backoff starting at d.
func WithBaseWait(d time.Duration) Option {
	return func(o *Options) {
		o.Backoff = func(attempt int) time.Duration {
			return d << (attempt - 1)
		}
	}
}

// WithBackoff sets a custom backoff function.
func WithBackoff(fn func(attempt int) time.Duration) Option {
	return func(o *Options) { o.Backoff = fn }
}

// WithShouldRetry sets the retry predicate.
func WithShouldRetry(fn func(err error) bool) Option {
	return func(o *Options) { o.ShouldRetry = fn }
}

// WithOnRetry sets a hook invoked before each retry.
func WithOnRetry(fn func(attempt int, err error, delay time.Duration)) Option {
	return func(o *Options) { o.OnRetry = fn }
}

// Do calls fn until it succeeds, the attempts are exhausted, the error is
// not retryable, or ctx is done while waiting between attempts. It returns
// the number of attempts made and the last error. If ctx ends during a
// backoff wait, the context error is returned.
func Do(ctx context.Context, fn func(ctx context.Context, attempt int) error, opts ...Option) (int, error) {
	o := Options{MaxAttempts: 1}
	for _, opt := range opts {
		opt(&o)
	}
	if o.MaxAttempts < 1 {
		o.MaxAttempts = 1
	}
	if o.ShouldRetry == nil {
		o.ShouldRetry = func(err error) bool { return !IsNonRecoverable(err) }
	}

	for attempt := 1; ; attempt++ {
		err := fn(ctx, attempt)
		if err == nil {
			return attempt, nil
		}
		if attempt >= o.MaxAttempts || !o.ShouldRetry(err) {
			return attempt, err
		}
		var delay time.Duration
		if o.Backoff != nil {
			delay = o.Backoff(attempt)
		}
		if o.OnRetry != nil {
			o.OnRetry(attempt, err, delay)
		}
		if delay <= 0 {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return attempt, ctxErr
			}
			continue
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt, ctx.Err()
		case <-timer.C:
		}
	}
}
