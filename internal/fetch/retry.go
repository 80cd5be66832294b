package fetch

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/nhle/mailvault/internal/source"
)

// RetryPolicy is the single retry/backoff implementation shared by the
// batch client and the coordinator's listing calls. No other component
// implements its own backoff.
type RetryPolicy struct {
	// MaxAttempts is the total attempt budget, including the first try.
	MaxAttempts int

	// BaseDelay is the backoff before the second attempt.
	BaseDelay time.Duration

	// MaxDelay caps the backoff growth.
	MaxDelay time.Duration

	// Multiplier is the exponential growth factor between attempts.
	Multiplier float64
}

// DefaultRetryPolicy returns the policy used when the configuration does
// not override it.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    time.Minute,
		Multiplier:  2.0,
	}
}

// Backoff returns the delay before attempt+1, with exponential growth and
// ±25% jitter. attempt is 1-based.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	delay := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1))

	jitter := 0.25
	delay += delay * jitter * (2*rand.Float64() - 1)

	d := time.Duration(delay)
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	if d < 0 {
		d = 0
	}
	return d
}

// Sleep waits for the backoff after the given attempt, returning early with
// the context's error if ctx is cancelled.
func (p RetryPolicy) Sleep(ctx context.Context, attempt int) error {
	t := time.NewTimer(p.Backoff(attempt))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do runs op, retrying transient failures with backoff until the attempt
// budget is exhausted. Non-transient failures are returned immediately.
func (p RetryPolicy) Do(ctx context.Context, op func(context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := op(ctx)
		if err == nil {
			return nil
		}
		if !source.IsTransient(err) {
			return err
		}

		lastErr = err
		if attempt < p.MaxAttempts {
			if serr := p.Sleep(ctx, attempt); serr != nil {
				return serr
			}
		}
	}
	return fmt.Errorf("failed after %d attempts: %w", p.MaxAttempts, lastErr)
}
