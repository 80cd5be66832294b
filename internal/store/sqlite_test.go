package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailvault/internal/model"
	"github.com/nhle/mailvault/internal/store"
	"github.com/nhle/mailvault/tests/testutil"
)

func TestAppendIsIdempotentPerRecordAndQuery(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	entry := model.DeadLetterEntry{
		RecordID:      "120",
		Query:         "unseen",
		FailureReason: "not_found",
		RawError:      "UID 120 not present in mailbox",
	}
	require.NoError(t, s.Append(ctx, entry))

	entry.FailureReason = "permission_denied"
	require.NoError(t, s.Append(ctx, entry))
	require.NoError(t, s.Append(ctx, entry))

	entries, err := s.List(ctx, store.DeadLetterFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1, "re-appending must not insert a duplicate")

	got := entries[0]
	assert.Equal(t, "120", got.RecordID)
	assert.Equal(t, 3, got.AttemptCount)
	assert.Equal(t, "permission_denied", got.FailureReason, "reason reflects the latest failure")
	assert.False(t, got.LastSeen.Before(got.FirstSeen))
}

func TestAppendSameRecordDifferentQueries(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, model.DeadLetterEntry{
		RecordID: "7", Query: "unseen", FailureReason: "not_found",
	}))
	require.NoError(t, s.Append(ctx, model.DeadLetterEntry{
		RecordID: "7", Query: "from:alerts", FailureReason: "not_found",
	}))

	n, err := s.Count(ctx, "unseen")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = s.Count(ctx, "from:alerts")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestListFilters(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	seed := []model.DeadLetterEntry{
		{RecordID: "1", Query: "unseen", FailureReason: "not_found"},
		{RecordID: "2", Query: "unseen", FailureReason: "permission_denied"},
		{RecordID: "3", Query: "from:alerts", FailureReason: "not_found"},
	}
	for _, e := range seed {
		require.NoError(t, s.Append(ctx, e))
	}

	query := "unseen"
	entries, err := s.List(ctx, store.DeadLetterFilter{Query: &query})
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	reason := "not_found"
	entries, err = s.List(ctx, store.DeadLetterFilter{Reason: &reason})
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	entries, err = s.List(ctx, store.DeadLetterFilter{Query: &query, Reason: &reason})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "1", entries[0].RecordID)

	entries, err = s.List(ctx, store.DeadLetterFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestRequeueRemovesOnlyPresentIDs(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, model.DeadLetterEntry{
		RecordID: "10", Query: "unseen", FailureReason: "not_found",
	}))
	require.NoError(t, s.Append(ctx, model.DeadLetterEntry{
		RecordID: "11", Query: "unseen", FailureReason: "not_found",
	}))

	requeued, err := s.Requeue(ctx, "unseen", []string{"10", "99"})
	require.NoError(t, err)
	assert.Equal(t, []string{"10"}, requeued)

	n, err := s.Count(ctx, "unseen")
	require.NoError(t, err)
	assert.Equal(t, 1, n, "requeued entries are removed so a future run retries them")

	// Requeueing ids that are all absent is not an error.
	requeued, err = s.Requeue(ctx, "unseen", []string{"99"})
	require.NoError(t, err)
	assert.Empty(t, requeued)
}

func TestMessageIndexRoundTrip(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	sent := time.Date(2026, 8, 1, 12, 30, 0, 0, time.UTC)
	msg := store.IndexedMessage{
		RecordID:  "42",
		SyncID:    "run-1",
		Query:     "unseen",
		Path:      "/archive/42.eml",
		SizeBytes: 2048,
		Subject:   "Invoice overdue",
		Sender:    "billing@example.com",
		SentAt:    &sent,
		FetchedAt: time.Now().UTC(),
	}
	require.NoError(t, s.UpsertMessage(ctx, msg))

	got, err := s.GetMessage(ctx, "42")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "run-1", got.SyncID)
	assert.Equal(t, "/archive/42.eml", got.Path)
	assert.Equal(t, int64(2048), got.SizeBytes)
	assert.Equal(t, "Invoice overdue", got.Subject)
	require.NotNil(t, got.SentAt)
	assert.True(t, got.SentAt.Equal(sent))

	// Upsert replaces the row for a re-fetched record.
	msg.Path = "/archive/42-v2.eml"
	require.NoError(t, s.UpsertMessage(ctx, msg))
	got, err = s.GetMessage(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, "/archive/42-v2.eml", got.Path)

	n, err := s.CountMessages(ctx, "unseen")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestGetMessageAbsent(t *testing.T) {
	s := testutil.NewTestStore(t)

	got, err := s.GetMessage(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, got)
}
