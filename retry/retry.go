// Package retry runs an operation a bounded number of times with
// exponential backoff. It guards the pipeline's persistence writes
// (model artifacts, ledger batches) against transient I/O failures.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Policy bounds a retried operation. Attempts counts the first try.
type Policy struct {
	Attempts int
	Initial  time.Duration
	Max      time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		Attempts: 3,
		Initial:  200 * time.Millisecond,
		Max:      5 * time.Second,
	}
}

type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying. Do returns it unwrapped
// from the marker immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do calls op until it succeeds, returns a Permanent error, the
// attempts are exhausted, or ctx is done. The returned error wraps the
// last failure.
func Do(ctx context.Context, policy Policy, logger *slog.Logger, name string, op func(ctx context.Context) error) error {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	attempts := policy.Attempts
	if attempts < 1 {
		attempts = 1
	}
	delay := policy.Initial

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = op(ctx)
		if err == nil {
			return nil
		}

		var permanent *permanentError
		if errors.As(err, &permanent) {
			return permanent.err
		}

		if attempt == attempts {
			break
		}

		logger.Warn("operation failed, retrying",
			"operation", name,
			"attempt", attempt,
			"max_attempts", attempts,
			"backoff", delay.String(),
			"error", err,
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%s: %w (last error: %v)", name, ctx.Err(), err)
		case <-timer.C:
		}

		delay *= 2
		if policy.Max > 0 && delay > policy.Max {
			delay = policy.Max
		}
	}

	return fmt.Errorf("%s: giving up after %d attempts: %w", name, attempts, err)
}
