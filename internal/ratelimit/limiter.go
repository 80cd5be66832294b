// Package ratelimit provides token-bucket admission control for outbound
// requests. One Limiter is shared by every worker of a sync run; an optional
// outer Limiter can be chained in front to enforce an account-wide quota
// across concurrent runs.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// Limiter is a token bucket with capacity C and refill rate R tokens/second.
// All methods are safe for concurrent use.
type Limiter struct {
	bucket *rate.Limiter

	// outer, when non-nil, is an additional account-wide budget that every
	// acquisition must also pass.
	outer *Limiter
}

// New creates a Limiter with the given capacity and refill rate.
func New(capacity int, refillPerSec float64) *Limiter {
	return &Limiter{
		bucket: rate.NewLimiter(rate.Limit(refillPerSec), capacity),
	}
}

// WithOuter chains an account-wide outer budget in front of this limiter
// and returns it. Blocking acquisitions satisfy the outer budget first so a
// stalled run-level bucket never holds shared tokens.
func (l *Limiter) WithOuter(outer *Limiter) *Limiter {
	l.outer = outer
	return l
}

// Acquire blocks until n tokens are available in this bucket and every
// chained outer bucket, then deducts them. It returns early with the
// context's error if ctx is cancelled while waiting.
func (l *Limiter) Acquire(ctx context.Context, n int) error {
	if n > l.bucket.Burst() {
		return fmt.Errorf("requested %d tokens exceeds bucket capacity %d", n, l.bucket.Burst())
	}
	if l.outer != nil {
		if err := l.outer.Acquire(ctx, n); err != nil {
			return err
		}
	}
	if err := l.bucket.WaitN(ctx, n); err != nil {
		return fmt.Errorf("acquiring %d tokens: %w", n, err)
	}
	return nil
}

// TryAcquire deducts n tokens without blocking. It reports false and deducts
// nothing when the tokens are not immediately available in every bucket of
// the chain.
func (l *Limiter) TryAcquire(n int) bool {
	held, ok := l.tryReserve(n, nil)
	if !ok {
		for _, r := range held {
			r.Cancel()
		}
		return false
	}
	return true
}

// tryReserve reserves n immediate tokens from the outer chain and then this
// bucket, accumulating reservations so the caller can cancel them all if any
// bucket refuses.
func (l *Limiter) tryReserve(n int, held []*rate.Reservation) ([]*rate.Reservation, bool) {
	if n > l.bucket.Burst() {
		return held, false
	}
	if l.outer != nil {
		var ok bool
		held, ok = l.outer.tryReserve(n, held)
		if !ok {
			return held, false
		}
	}
	r := l.bucket.ReserveN(time.Now(), n)
	if !r.OK() || r.Delay() > 0 {
		if r.OK() {
			r.Cancel()
		}
		return held, false
	}
	return append(held, r), true
}

// UpdateRate changes the refill rate at runtime. Tokens already accrued are
// kept, capped at the bucket capacity.
func (l *Limiter) UpdateRate(refillPerSec float64) {
	l.bucket.SetLimit(rate.Limit(refillPerSec))
}

// Rate returns the current refill rate in tokens per second.
func (l *Limiter) Rate() float64 {
	return float64(l.bucket.Limit())
}

// Capacity returns the bucket capacity.
func (l *Limiter) Capacity() int {
	return l.bucket.Burst()
}
