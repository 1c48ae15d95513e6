package retry

import (
	"context"
	"errors"
	"time"

	"github.com/lirancohen/keel/event"
)

// Do runs fn under the policy, retrying only optimistic-concurrency
// conflicts. Any other error returns immediately: command-level
// validation failures (invalid transitions, exhausted contracts) are
// deterministic and will not succeed on retry.
//
// fn is expected to reload state on each attempt; retrying a stale
// expected version would just conflict again.
func Do(ctx context.Context, policy *Policy, fn func(ctx context.Context) error) error {
	if policy == nil {
		policy = Default()
	}

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !errors.Is(lastErr, event.ErrConcurrencyConflict) {
			return lastErr
		}
		if !policy.ShouldRetry(attempt, lastErr) {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(policy.NextDelay(attempt)):
		}
	}
	return lastErr
}
