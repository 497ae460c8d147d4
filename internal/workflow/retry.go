package workflow

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy bounds the retry helper around a branch's work.
type RetryPolicy struct {
	// MaxAttempts is the total attempt budget, first try included.
	MaxAttempts int

	// InitialBackoff is the wait after the first failure; waits grow
	// exponentially from there up to MaxBackoff.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// Notify, when set, is called before each backoff wait with the
	// attempt's error and the wait duration.
	Notify func(err error, next time.Duration)
}

// DefaultRetryPolicy returns the stock log-analysis retry budget.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
	}
}

// RunWithRetry executes op up to p.MaxAttempts times, waiting an
// exponentially growing interval between failures. The returned attempt
// count is exact and visible even on success: work succeeding on its
// second attempt reports 2. When ctx expires mid-retry the helper
// abandons further attempts and returns the context error with the
// attempt count reached so far.
func RunWithRetry[T any](ctx context.Context, p RetryPolicy, op func(context.Context) (T, error)) (T, int, error) {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}

	b := backoff.NewExponentialBackOff()
	if p.InitialBackoff > 0 {
		b.InitialInterval = p.InitialBackoff
	}
	if p.MaxBackoff > 0 {
		b.MaxInterval = p.MaxBackoff
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(p.MaxAttempts)),
	}
	if p.Notify != nil {
		opts = append(opts, backoff.WithNotify(p.Notify))
	}

	var attempts int
	v, err := backoff.Retry(ctx, func() (T, error) {
		attempts++
		return op(ctx)
	}, opts...)
	return v, attempts, err
}
