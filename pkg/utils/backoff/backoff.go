// Package backoff retries store operations that failed with a transient
// error, using a small bounded number of attempts.
package backoff

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/rendezvous/pkg/model"
	"github.com/m-mizutani/rendezvous/pkg/utils/logging"
)

// Policy bounds a retry sequence.
type Policy struct {
	// Attempts is the total number of calls including the first one
	Attempts int
	Initial  time.Duration
	Max      time.Duration
	// Timeout limits each attempt. Zero means no per-attempt limit.
	Timeout time.Duration
}

// Default returns the policy used when nothing is configured
func Default() Policy {
	return Policy{
		Attempts: 3,
		Initial:  50 * time.Millisecond,
		Max:      time.Second,
		Timeout:  800 * time.Millisecond,
	}
}

// Do calls fn until it succeeds, returns a non-transient error, the parent
// context ends, or the attempts are exhausted. An attempt that hits its own
// timeout counts as model.ErrStoreUnavailable.
func Do[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	attempts := max(p.Attempts, 1)
	wait := p.Initial

	var lastErr error
	for i := range attempts {
		if i > 0 {
			logging.From(ctx).Debug("retrying store operation", "attempt", i+1, "wait", wait, "error", lastErr)
			if err := sleep(ctx, jitter(wait)); err != nil {
				return zero, goerr.Wrap(err, "retry cancelled", goerr.V("attempt", i+1))
			}
			wait = min(wait*2, max(p.Max, p.Initial))
		}

		v, err := attempt(ctx, p.Timeout, fn)
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, model.ErrStoreUnavailable) {
			return zero, err
		}
		lastErr = err
	}

	return zero, goerr.Wrap(lastErr, "store retries exhausted", goerr.V("attempts", attempts))
}

// Retry is Do for operations without a result value.
func Retry(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	_, err := Do(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

func attempt[T any](ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return fn(ctx)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	v, err := fn(attemptCtx)
	if err != nil && ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return v, goerr.Wrap(model.ErrStoreUnavailable, "store operation timed out",
			goerr.V("timeout", timeout), goerr.V("cause", err.Error()))
	}
	return v, err
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// jitter spreads d over [d/2, d)
func jitter(d time.Duration) time.Duration {
	if d <= 1 {
		return d
	}
	half := d / 2
	return half + rand.N(half)
}
