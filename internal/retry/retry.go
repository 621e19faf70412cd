package retry

import (
	"context"
	"time"
)

// Policy is the single retry/backoff definition shared by the stages that
// talk to flaky collaborators (acquisition, listing fetch, index publish).
// Parameterize per stage instead of hand-rolling loops.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: 2 * time.Second, MaxDelay: 2 * time.Minute}
}

// Backoff returns the delay before the given attempt (0-based): base * 2^n,
// capped at MaxDelay.
func (p Policy) Backoff(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Exhausted reports whether a record's retry_count has used up the budget.
func (p Policy) Exhausted(retryCount int) bool {
	return retryCount >= p.MaxAttempts
}

// Do runs fn up to MaxAttempts times with exponential backoff, stopping
// early when the context is cancelled or fn succeeds.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(p.Backoff(attempt - 1)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err = fn(ctx); err == nil {
			return nil
		}
	}
	return err
}
