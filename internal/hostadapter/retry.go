package hostadapter

import (
	"context"
	"errors"
	"time"

	"github.com/bsdfleet/jailctl/internal/errs"
)

// retryDelays is spec.md §7's "retriable up to 3x with 1s/2s/4s backoff".
var retryDelays = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}

// WithRetry runs op, retrying up to len(retryDelays) additional times
// if op's error is a transient *errs.ResourceError or a
// *errs.TimeoutError over an idempotent step. op is responsible for
// classifying its own errors into that taxonomy (internal/orchestrator
// wraps the release clone and the jail creation this way before
// deciding whether a failure needs full rollback).
func WithRetry(ctx context.Context, op func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; ; attempt++ {
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if !retriable(lastErr) || attempt >= len(retryDelays) {
			return lastErr
		}
		select {
		case <-time.After(retryDelays[attempt]):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func retriable(err error) bool {
	var re *errs.ResourceError
	if errors.As(err, &re) {
		return re.Transient
	}
	var te *errs.TimeoutError
	if errors.As(err, &te) {
		return te.IdempotentStep
	}
	return false
}
