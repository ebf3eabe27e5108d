package side

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy bounds how often a single backend call is retried.
type RetryPolicy struct {
	MaxAttempts     uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy is three attempts starting at 500ms, capped at 5s.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:     3,
	InitialInterval: 500 * time.Millisecond,
	MaxInterval:     5 * time.Second,
}

// Retry runs fn with exponential backoff and jitter until it succeeds, the
// attempts are exhausted or ctx is done. Validation, not-found and conflict
// errors are returned immediately since repeating the call cannot help.
func Retry[T any](ctx context.Context, p RetryPolicy, fn func() (T, error)) (T, error) {
	if p.MaxAttempts == 0 {
		p = DefaultRetryPolicy
	}
	if err := ctx.Err(); err != nil {
		var zero T
		return zero, fmt.Errorf("retry cancelled: %w", err)
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval

	attempts := 0
	op := func() (T, error) {
		attempts++
		v, err := fn()
		if err != nil && !retryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}

	v, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(p.MaxAttempts),
	)
	if err == nil {
		return v, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
		err = errors.Join(err, ctxErr)
	}
	if !retryable(err) || attempts < int(p.MaxAttempts) {
		return v, err
	}
	return v, fmt.Errorf("all %d attempts failed: %w", attempts, err)
}

// RetryDo is [Retry] for calls without a result.
func RetryDo(ctx context.Context, p RetryPolicy, fn func() error) error {
	_, err := Retry(ctx, p, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

func retryable(err error) bool {
	return !errors.Is(err, ErrValidation) &&
		!errors.Is(err, ErrNotFound) &&
		!errors.Is(err, ErrConflict)
}
