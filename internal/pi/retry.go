package pi

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/tec-labs/pi-payments/internal/domain"
)

// Retriable platform statuses: 404 means the payment is not yet indexed on
// the platform side, 429 means we are rate limited. Everything else is
// definitive and must not be retried.
func RetriableStatus(code int) bool {
	return code == 404 || code == 429
}

type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient marks an error as safe to retry under the policy.
func Transient(err error) error {
	return &transientError{err: err}
}

func isTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}

// RetryPolicy wraps each platform call with a hard timeout and a bounded
// exponential-backoff retry loop. Only errors marked Transient are retried;
// everything else short-circuits.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	Timeout    time.Duration
}

func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxRetries: 2,
		BaseDelay:  time.Second,
		Timeout:    10 * time.Second,
	}
}

// Do runs fn under the policy. The returned error is a typed domain error:
// ErrTimeout when the hard deadline fired, ErrPlatformUnavailable when
// transient failures exhausted the retry budget, or fn's own error when it
// failed terminally.
func (p *RetryPolicy) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.BaseDelay
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0

	err := backoff.Retry(func() error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if isTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(p.MaxRetries)), ctx))

	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, domain.ErrTimeout)
	}
	if isTransient(err) {
		return fmt.Errorf("%s: %v: %w", op, err, domain.ErrPlatformUnavailable)
	}
	return fmt.Errorf("%s: %w", op, err)
}
