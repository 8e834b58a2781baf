// Package poll blocks until an externally observed condition becomes true,
// under an explicit retry budget.
package poll

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/buildhost/ec2-builder/pkg/errors"
	"github.com/cenkalti/backoff/v4"
)

// Policy bounds a polling loop. Zero MaxAttempts or zero Timeout means that
// dimension is unbounded, but at least one of them should be set.
type Policy struct {
	Interval    time.Duration
	MaxInterval time.Duration
	Multiplier  float64
	Jitter      float64
	MaxAttempts int
	Timeout     time.Duration
}

// DefaultPolicy polls every 10s, backing off to 30s, for at most 10 minutes.
func DefaultPolicy() Policy {
	return Policy{
		Interval:    10 * time.Second,
		MaxInterval: 30 * time.Second,
		Multiplier:  1.5,
		Timeout:     10 * time.Minute,
	}
}

// Check reports whether the condition holds. A non-nil error stops polling
// unless errors.IsTransient classifies it as retryable.
type Check func(ctx context.Context) (bool, error)

// Notify is called after every attempt that did not satisfy the condition.
type Notify func(attempt int, next time.Duration)

var errNotReady = errors.New("condition not met")

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Interval
	b.MaxInterval = p.MaxInterval
	if b.MaxInterval < b.InitialInterval {
		b.MaxInterval = b.InitialInterval
	}
	b.Multiplier = p.Multiplier
	if b.Multiplier < 1 {
		b.Multiplier = 1
	}
	b.RandomizationFactor = p.Jitter
	b.MaxElapsedTime = p.Timeout

	var bo backoff.BackOff = b
	if p.MaxAttempts > 0 {
		bo = backoff.WithMaxRetries(bo, uint64(p.MaxAttempts-1))
	}
	return backoff.WithContext(bo, ctx)
}

// Until runs check until it reports true, the budget is exhausted
// (ErrTimeout), check fails permanently, or ctx is done.
func Until(ctx context.Context, p Policy, check Check, notify Notify) error {
	attempts := 0
	var lastErr error

	op := func() error {
		attempts++
		done, err := check(ctx)
		if err != nil {
			if !errors.IsTransient(err) {
				return backoff.Permanent(err)
			}
			slog.Debug("poll_transient_error", "attempt", attempts, "error", err)
			lastErr = err
			return err
		}
		if !done {
			return errNotReady
		}
		return nil
	}

	err := backoff.RetryNotify(op, p.backOff(ctx), func(_ error, next time.Duration) {
		if notify != nil {
			notify(attempts, next)
		}
	})
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if err == errNotReady || (lastErr != nil && err == lastErr) {
		if lastErr != nil {
			return fmt.Errorf("%w after %d attempts: %v", errors.ErrTimeout, attempts, lastErr)
		}
		return fmt.Errorf("%w after %d attempts", errors.ErrTimeout, attempts)
	}
	return err
}
