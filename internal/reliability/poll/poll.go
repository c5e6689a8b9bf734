package poll

import (
	"context"
	"fmt"
	"time"
)

// ErrTimeout is returned when the bound elapses before the predicate holds.
type ErrTimeout struct {
	Op      string
	Timeout time.Duration
}

func (e *ErrTimeout) Error() string {
	return fmt.Sprintf("timed out waiting for %s after %s", e.Op, e.Timeout)
}

// Predicate reports whether the awaited condition holds. Returning an error
// aborts the wait immediately.
type Predicate func(ctx context.Context) (bool, error)

// Until polls fn at a fixed interval until it returns true, the timeout
// elapses, or the context is cancelled. Every blocking wait in the
// provisioning workflow (certificate readiness, job completion, DNS
// propagation) goes through here so cancellation and bounds behave the same
// way everywhere.
func Until(ctx context.Context, op string, interval, timeout time.Duration, fn Predicate) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Check once up front so an already-true predicate never waits.
	ok, err := fn(ctx)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				return &ErrTimeout{Op: op, Timeout: timeout}
			}
			return ctx.Err()
		case <-ticker.C:
			ok, err := fn(ctx)
			if err != nil {
				return err
			}
			if ok {
				return nil
			}
		}
	}
}

// Attempts polls fn at a fixed interval up to a bounded attempt count.
// Exhaustion returns false with no error; the caller decides whether that
// is fatal. Used for eventually-consistent waits that should not fail the
// workflow, like DNS propagation.
func Attempts(ctx context.Context, interval time.Duration, maxAttempts int, fn Predicate) (bool, error) {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		ok, err := fn(ctx)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(interval):
		}
	}
	return false, nil
}
