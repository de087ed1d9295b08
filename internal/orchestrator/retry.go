package orchestrator

import (
	"context"
	"time"
)

// RetryPolicy bounds the exponential backoff applied to Store writes that
// fail mid-run (spec §7: StoreTransient "Retry with exponential backoff,
// cap N tries"). The Store itself does not distinguish transient from
// fatal errors, so every failure is retried up to MaxAttempts; exhausting
// the budget returns the last error to the caller. A failed StartRun makes
// TriggerRun return that error and a failed StartStage fails the stage;
// every other caller logs the error and keeps driving the run with its
// in-memory state, so the Store can lag behind it.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// DefaultRetryPolicy is five attempts starting at 50ms and doubling.
var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 5, BaseDelay: 50 * time.Millisecond}

// withStoreRetry runs fn, retrying with exponential backoff until it
// succeeds, the policy's attempt budget is exhausted, or ctx is cancelled.
func (o *Orchestrator) withStoreRetry(ctx context.Context, fn func() error) error {
	delay := o.retry.BaseDelay
	if delay <= 0 {
		delay = DefaultRetryPolicy.BaseDelay
	}
	attempts := o.retry.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultRetryPolicy.MaxAttempts
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == attempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return err
		}
		delay *= 2
	}
	o.log.Sugar().Warnw("store write exhausted retries", "error", err)
	return err
}
