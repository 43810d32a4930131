package backoff

import (
	"context"
	"time"
)

// Sleep waits out the policy's delay for the given attempt, returning early
// with the context's error if it is canceled first.
func Sleep(ctx context.Context, policy Policy, attempt int) error {
	delay := Delay(policy, attempt)
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
