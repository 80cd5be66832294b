package fetch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nhle/mailvault/internal/breaker"
	"github.com/nhle/mailvault/internal/ratelimit"
	"github.com/nhle/mailvault/internal/source"
)

// FallbackPolicy selects how the batch client recovers when a whole-batch
// call keeps failing at the transport level after its retry budget.
type FallbackPolicy int

const (
	// FallbackSplit retries the failing batch as two halves, recursively,
	// bottoming out at per-id calls.
	FallbackSplit FallbackPolicy = iota

	// FallbackSequential retries the failing batch as per-id calls
	// directly.
	FallbackSequential

	// FallbackNone marks every id of the failing batch as exhausted
	// without further calls.
	FallbackNone
)

// BatchClient groups record-id fetches into bounded batch requests, applies
// the retry policy, and gates every physical call on the rate limiter and
// the circuit breaker. Every submitted id always resolves to an outcome;
// ids are never silently dropped.
type BatchClient struct {
	src      source.RecordSource
	limiter  *ratelimit.Limiter
	brk      *breaker.Breaker
	retry    RetryPolicy
	maxBatch int
	fallback FallbackPolicy
	log      *zap.Logger
}

// NewBatchClient creates a BatchClient. maxBatch is the largest number of
// ids sent in one physical request.
func NewBatchClient(
	src source.RecordSource,
	limiter *ratelimit.Limiter,
	brk *breaker.Breaker,
	retry RetryPolicy,
	maxBatch int,
	fallback FallbackPolicy,
	log *zap.Logger,
) *BatchClient {
	if maxBatch < 1 {
		maxBatch = 1
	}
	return &BatchClient{
		src:      src,
		limiter:  limiter,
		brk:      brk,
		retry:    retry,
		maxBatch: maxBatch,
		fallback: fallback,
		log:      log,
	}
}

// Submit fetches the given ids, grouping them into batches of at most the
// configured size. The returned result has an outcome for every id. A
// non-nil error is an abort: cancellation or an authentication failure that
// makes further fetching pointless.
func (c *BatchClient) Submit(ctx context.Context, ids []string, format source.Format) (*source.BatchResult, error) {
	result := source.NewBatchResult(len(ids))

	for start := 0; start < len(ids); start += c.maxBatch {
		end := start + c.maxBatch
		if end > len(ids) {
			end = len(ids)
		}

		res, err := c.fetchChunk(ctx, ids[start:end], format)
		if err != nil {
			return nil, err
		}
		result.Merge(res)
	}

	return result, nil
}

// fetchChunk resolves one bounded chunk, applying retries and, when the
// whole call keeps failing, the fallback policy. The fallback only covers
// the ids still pending; outcomes already resolved are kept.
func (c *BatchClient) fetchChunk(ctx context.Context, ids []string, format source.Format) (*source.BatchResult, error) {
	result, pending, exhaustErr := c.attemptChunk(ctx, ids, format)
	if exhaustErr == nil {
		return result, nil
	}
	if isAbort(exhaustErr) {
		return nil, exhaustErr
	}

	// The whole-batch call failed at the transport level after retries.
	// Fall back per policy so a single poisoned request cannot take the
	// remaining ids down with it.
	if len(pending) > 1 {
		switch c.fallback {
		case FallbackSplit:
			c.log.Warn("batch exhausted retries, splitting",
				zap.Int("batch_size", len(pending)),
				zap.Error(exhaustErr))
			mid := len(pending) / 2
			left, err := c.fetchChunk(ctx, pending[:mid], format)
			if err != nil {
				return nil, err
			}
			right, err := c.fetchChunk(ctx, pending[mid:], format)
			if err != nil {
				return nil, err
			}
			result.Merge(left)
			result.Merge(right)
			return result, nil

		case FallbackSequential:
			c.log.Warn("batch exhausted retries, falling back to per-id calls",
				zap.Int("batch_size", len(pending)),
				zap.Error(exhaustErr))
			for _, id := range pending {
				res, err := c.fetchChunk(ctx, []string{id}, format)
				if err != nil {
					return nil, err
				}
				result.Merge(res)
			}
			return result, nil
		}
	}

	// Single id, or no fallback configured: every remaining id gets an
	// explicit exhausted outcome.
	for _, id := range pending {
		result.Failed[id] = fmt.Errorf("retries exhausted: %w", exhaustErr)
	}
	return result, nil
}

// attemptChunk drives the retry loop for one chunk. Per-id permanent
// failures surface immediately in the result; per-id transient failures are
// re-submitted on the next attempt. An open circuit pauses the loop for the
// breaker's cooldown without spending an attempt; ids are never resolved
// against ErrOpen. A non-nil error means the chunk's transient retry budget
// ran out (or an abort occurred); the ids still unresolved at that point are
// returned alongside the partial result.
func (c *BatchClient) attemptChunk(ctx context.Context, ids []string, format source.Format) (*source.BatchResult, []string, error) {
	result := source.NewBatchResult(len(ids))
	pending := ids
	var lastErr error

	for attempt := 1; attempt <= c.retry.MaxAttempts; {
		if err := ctx.Err(); err != nil {
			return result, pending, err
		}

		res, err := c.dispatchOnce(ctx, pending, format)
		if errors.Is(err, breaker.ErrOpen) {
			if werr := c.awaitBreaker(ctx); werr != nil {
				return result, pending, werr
			}
			continue
		}
		if err != nil {
			if isAbort(err) {
				return result, pending, err
			}
			if !source.IsTransient(err) {
				// Whole-call permanent failure: no retry will fix it,
				// so it becomes each id's outcome immediately.
				for _, id := range pending {
					result.Failed[id] = err
				}
				return result, nil, nil
			}
			lastErr = err
			c.log.Warn("batch dispatch failed",
				zap.Int("attempt", attempt),
				zap.Int("batch_size", len(pending)),
				zap.Error(err))
		} else {
			var retryable []string
			for _, id := range pending {
				if rec, ok := res.Records[id]; ok {
					result.Records[id] = rec
					continue
				}
				ferr := res.Failed[id]
				if ferr == nil {
					ferr = &source.PermanentError{RecordID: id, Reason: "missing_from_response", Err: errors.New("no outcome returned")}
				}
				if source.IsTransient(ferr) {
					retryable = append(retryable, id)
					lastErr = ferr
				} else {
					result.Failed[id] = ferr
				}
			}
			pending = retryable
			if len(pending) == 0 {
				return result, nil, nil
			}
			c.log.Debug("retrying transiently failed ids",
				zap.Int("attempt", attempt),
				zap.Int("remaining", len(pending)))
		}

		if attempt < c.retry.MaxAttempts {
			if serr := c.retry.Sleep(ctx, attempt); serr != nil {
				return result, pending, serr
			}
		}
		attempt++
	}

	if lastErr == nil {
		lastErr = errors.New("no attempts made")
	}
	return result, pending, fmt.Errorf("chunk failed after %d attempts: %w", c.retry.MaxAttempts, lastErr)
}

// awaitBreaker blocks while the circuit is open, pausing new dispatches
// until the cooldown elapses and the breaker admits probes again. It
// returns early with the context's error if ctx is cancelled.
func (c *BatchClient) awaitBreaker(ctx context.Context) error {
	for {
		wait := c.brk.RetryAfter()
		if wait <= 0 {
			return nil
		}
		c.log.Info("circuit open, pausing batch dispatch",
			zap.Duration("retry_after", wait))

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// dispatchOnce performs one physical call: breaker admission, token
// acquisition, the fetch itself, and the breaker outcome recording.
func (c *BatchClient) dispatchOnce(ctx context.Context, ids []string, format source.Format) (*source.BatchResult, error) {
	if !c.brk.Allow() {
		// Fail fast with no network call; retried as transient once the
		// breaker half-opens.
		return nil, breaker.ErrOpen
	}

	if err := c.limiter.Acquire(ctx, len(ids)); err != nil {
		return nil, err
	}

	res, err := c.src.FetchBatch(ctx, ids, format)
	if err != nil {
		c.brk.RecordFailure(classify(err))
		return nil, err
	}

	c.brk.RecordSuccess()
	return res, nil
}

// classify maps an error to the breaker's failure taxonomy: only failures
// that indicate an unhealthy dependency may open the circuit.
func classify(err error) breaker.FailureClass {
	if source.IsTransient(err) {
		return breaker.Retryable
	}
	return breaker.Permanent
}

// isAbort reports whether err should stop the run rather than resolve to
// per-id outcomes: cancellation or an authentication failure.
func isAbort(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		source.IsAuthError(err)
}
