package services

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"quizroom/store"
)

// RetryPolicy bounds how transient store failures are retried.
type RetryPolicy struct {
	Attempts     int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// DefaultRetryPolicy is used by services built without an explicit policy.
var DefaultRetryPolicy = RetryPolicy{Attempts: 3, InitialDelay: 50 * time.Millisecond, MaxDelay: time.Second}

// do runs op, retrying only store.ErrUnavailable. Everything else is returned
// on the first occurrence. Exhaustion surfaces ErrStoreUnavailable.
func (p RetryPolicy) do(ctx context.Context, op func() error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.InitialDelay
	eb.MaxInterval = p.MaxDelay
	eb.MaxElapsedTime = 0

	var b backoff.BackOff = backoff.WithMaxRetries(eb, uint64(attempts-1))
	b = backoff.WithContext(b, ctx)

	err := backoff.Retry(func() error {
		err := op()
		if err == nil || store.IsTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}, b)
	return storeErr(err)
}
