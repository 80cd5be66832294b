package fetch_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nhle/mailvault/internal/breaker"
	"github.com/nhle/mailvault/internal/fetch"
	"github.com/nhle/mailvault/internal/ratelimit"
	"github.com/nhle/mailvault/internal/source"
	"github.com/nhle/mailvault/tests/testutil"
)

func fastRetry(attempts int) fetch.RetryPolicy {
	return fetch.RetryPolicy{
		MaxAttempts: attempts,
		BaseDelay:   time.Millisecond,
		MaxDelay:    10 * time.Millisecond,
		Multiplier:  2.0,
	}
}

func newBatchClient(src source.RecordSource, maxBatch int, retry fetch.RetryPolicy, fallback fetch.FallbackPolicy) *fetch.BatchClient {
	return fetch.NewBatchClient(
		src,
		ratelimit.New(1000, 1e6),
		breaker.New(1000, time.Minute, 1),
		retry,
		maxBatch,
		fallback,
		zap.NewNop(),
	)
}

func ids(fs *testutil.FakeSource) []string {
	return append([]string(nil), fs.IDs...)
}

func TestSubmitGroupsIntoBoundedBatches(t *testing.T) {
	src := testutil.NewFakeSource(7)
	c := newBatchClient(src, 3, fastRetry(3), fetch.FallbackNone)

	res, err := c.Submit(context.Background(), ids(src), source.FormatFull)
	require.NoError(t, err)
	assert.Len(t, res.Records, 7)
	assert.Empty(t, res.Failed)

	batches := src.Batches()
	require.Len(t, batches, 3)
	assert.Len(t, batches[0], 3)
	assert.Len(t, batches[1], 3)
	assert.Len(t, batches[2], 1)
}

func TestPerIDTransientFailureIsRetried(t *testing.T) {
	src := testutil.NewFakeSource(3)
	src.TransientIDs["2"] = 1
	c := newBatchClient(src, 3, fastRetry(3), fetch.FallbackNone)

	res, err := c.Submit(context.Background(), ids(src), source.FormatFull)
	require.NoError(t, err)
	assert.Len(t, res.Records, 3)
	assert.Empty(t, res.Failed)

	// The retry resubmits only the failed id, not its already-resolved
	// siblings.
	batches := src.Batches()
	require.Len(t, batches, 2)
	assert.Equal(t, []string{"2"}, batches[1])
	assert.Equal(t, 1, src.FetchCount("1"))
	assert.Equal(t, 1, src.FetchCount("2"))
}

func TestPerIDPermanentFailureSurfacesImmediately(t *testing.T) {
	src := testutil.NewFakeSource(3)
	src.PermanentIDs["3"] = true
	c := newBatchClient(src, 3, fastRetry(3), fetch.FallbackNone)

	res, err := c.Submit(context.Background(), ids(src), source.FormatFull)
	require.NoError(t, err)
	assert.Len(t, res.Records, 2)
	require.Contains(t, res.Failed, "3")
	assert.True(t, source.IsPermanent(res.Failed["3"]))
	assert.Len(t, src.Batches(), 1, "permanent failures consume no retry attempts")
}

func TestWholeCallTransientFailureIsRetried(t *testing.T) {
	src := testutil.NewFakeSource(3)
	src.FailCalls = 1
	c := newBatchClient(src, 3, fastRetry(3), fetch.FallbackNone)

	res, err := c.Submit(context.Background(), ids(src), source.FormatFull)
	require.NoError(t, err)
	assert.Len(t, res.Records, 3)
	assert.Len(t, src.Batches(), 2)
}

func TestExhaustedBatchSplitsInHalf(t *testing.T) {
	src := testutil.NewFakeSource(4)
	src.FailCalls = 2
	c := newBatchClient(src, 4, fastRetry(2), fetch.FallbackSplit)

	res, err := c.Submit(context.Background(), ids(src), source.FormatFull)
	require.NoError(t, err)
	assert.Len(t, res.Records, 4)
	assert.Empty(t, res.Failed)

	// Two failed whole-batch attempts, then each half succeeds.
	batches := src.Batches()
	require.Len(t, batches, 4)
	assert.Len(t, batches[0], 4)
	assert.Len(t, batches[1], 4)
	assert.Len(t, batches[2], 2)
	assert.Len(t, batches[3], 2)
}

func TestExhaustedBatchFallsBackSequentially(t *testing.T) {
	src := testutil.NewFakeSource(3)
	src.FailCalls = 1
	c := newBatchClient(src, 3, fastRetry(1), fetch.FallbackSequential)

	res, err := c.Submit(context.Background(), ids(src), source.FormatFull)
	require.NoError(t, err)
	assert.Len(t, res.Records, 3)

	batches := src.Batches()
	require.Len(t, batches, 4)
	for _, b := range batches[1:] {
		assert.Len(t, b, 1)
	}
}

func TestExhaustedBatchWithoutFallbackFailsEveryID(t *testing.T) {
	src := testutil.NewFakeSource(3)
	src.FailCalls = 10
	c := newBatchClient(src, 3, fastRetry(2), fetch.FallbackNone)

	res, err := c.Submit(context.Background(), ids(src), source.FormatFull)
	require.NoError(t, err)
	assert.Empty(t, res.Records)
	require.Len(t, res.Failed, 3, "every id resolves to an outcome, none are dropped")
	for id, ferr := range res.Failed {
		assert.Contains(t, ferr.Error(), "retries exhausted", "id %s", id)
	}
	assert.Len(t, src.Batches(), 2)
}

func TestSplitFallbackKeepsResolvedOutcomes(t *testing.T) {
	// The first call resolves ids 1 and 3 but reports 2 as transient; the
	// remaining attempts for {2} fail wholesale and the split bottoms out
	// at a single id.
	src := testutil.NewFakeSource(3)
	src.TransientIDs["2"] = 5
	c := newBatchClient(src, 3, fastRetry(2), fetch.FallbackSplit)

	res, err := c.Submit(context.Background(), ids(src), source.FormatFull)
	require.NoError(t, err)
	assert.Len(t, res.Records, 2)
	require.Contains(t, res.Failed, "2")
	assert.Contains(t, res.Failed["2"].Error(), "retries exhausted")

	// Ids 1 and 3 were fetched exactly once; the fallback never refetched
	// them.
	assert.Equal(t, 1, src.FetchCount("1"))
	assert.Equal(t, 1, src.FetchCount("3"))
}

func TestOpenCircuitPausesDispatchUntilCooldown(t *testing.T) {
	src := testutil.NewFakeSource(6)
	brk := breaker.New(1, 100*time.Millisecond, 1)
	brk.RecordFailure(breaker.Retryable)
	require.Equal(t, breaker.Open, brk.Phase())

	c := fetch.NewBatchClient(src, ratelimit.New(1000, 1e6), brk, fastRetry(2), 3, fetch.FallbackNone, zap.NewNop())

	start := time.Now()
	res, err := c.Submit(context.Background(), ids(src), source.FormatFull)
	require.NoError(t, err)

	// Dispatch waited out the cooldown, the probe closed the circuit, and
	// every id resolved successfully; the pause consumed no retry budget
	// and nothing was treated as a permanent failure.
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	assert.Len(t, res.Records, 6)
	assert.Empty(t, res.Failed, "a cooling-down circuit must not resolve ids as failures")
	assert.Equal(t, breaker.Closed, brk.Phase())
	assert.Len(t, src.Batches(), 2)
}

func TestOpenCircuitWaitHonorsCancellation(t *testing.T) {
	src := testutil.NewFakeSource(3)
	brk := breaker.New(1, time.Minute, 1)
	brk.RecordFailure(breaker.Retryable)

	c := fetch.NewBatchClient(src, ratelimit.New(1000, 1e6), brk, fastRetry(2), 3, fetch.FallbackNone, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	res, err := c.Submit(ctx, ids(src), source.FormatFull)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Nil(t, res)
	assert.Empty(t, src.Batches(), "an open circuit must not generate network calls")
}

func TestAuthFailureAbortsSubmit(t *testing.T) {
	src := &authFailSource{}
	c := newBatchClient(src, 3, fastRetry(3), fetch.FallbackSplit)

	res, err := c.Submit(context.Background(), []string{"1", "2"}, source.FormatFull)
	require.Error(t, err)
	assert.Nil(t, res)
	assert.True(t, source.IsAuthError(err))
}

func TestCancelledContextAbortsSubmit(t *testing.T) {
	src := testutil.NewFakeSource(3)
	c := newBatchClient(src, 3, fastRetry(3), fetch.FallbackNone)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Submit(ctx, ids(src), source.FormatFull)
	require.ErrorIs(t, err, context.Canceled)
}

// authFailSource fails every fetch with an expired-session error.
type authFailSource struct{}

func (s *authFailSource) ListPage(context.Context, string, string, int) (*source.Page, error) {
	return nil, errors.New("not implemented")
}

func (s *authFailSource) FetchBatch(context.Context, []string, source.Format) (*source.BatchResult, error) {
	return nil, &source.AuthError{Message: "session expired"}
}
