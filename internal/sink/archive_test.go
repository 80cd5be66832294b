package sink_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nhle/mailvault/internal/sink"
	"github.com/nhle/mailvault/internal/source"
	"github.com/nhle/mailvault/tests/testutil"
)

const rawMessage = "From: Alice <alice@example.com>\r\n" +
	"To: bob@example.com\r\n" +
	"Subject: Quarterly invoice\r\n" +
	"Date: Tue, 14 Jul 2026 10:30:00 +0000\r\n" +
	"Content-Type: text/plain\r\n" +
	"\r\n" +
	"Please find the invoice attached.\r\n"

func TestStoreArchivesPayloadAndIndexesIt(t *testing.T) {
	dir := t.TempDir()
	db := testutil.NewTestStore(t)
	a, err := sink.NewArchive(dir, db, zap.NewNop())
	require.NoError(t, err)

	ctx := context.Background()
	rec := source.Record{ID: "42", Payload: []byte(rawMessage)}
	require.NoError(t, a.Store(ctx, "run-1", "unseen", rec))

	data, err := os.ReadFile(filepath.Join(dir, "42.eml"))
	require.NoError(t, err)
	assert.Equal(t, rawMessage, string(data))

	msg, err := db.GetMessage(ctx, "42")
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "run-1", msg.SyncID)
	assert.Equal(t, "unseen", msg.Query)
	assert.Equal(t, int64(len(rawMessage)), msg.SizeBytes)
	assert.Equal(t, "Quarterly invoice", msg.Subject)
	assert.Equal(t, "Alice", msg.Sender)
	require.NotNil(t, msg.SentAt)
	assert.Equal(t, 2026, msg.SentAt.Year())
}

func TestStoreIsIdempotentPerRecord(t *testing.T) {
	dir := t.TempDir()
	db := testutil.NewTestStore(t)
	a, err := sink.NewArchive(dir, db, zap.NewNop())
	require.NoError(t, err)

	ctx := context.Background()
	rec := source.Record{ID: "7", Payload: []byte(rawMessage)}
	require.NoError(t, a.Store(ctx, "run-1", "unseen", rec))
	require.NoError(t, a.Store(ctx, "run-2", "unseen", rec))

	n, err := db.CountMessages(ctx, "unseen")
	require.NoError(t, err)
	assert.Equal(t, 1, n, "re-archiving replaces the row rather than duplicating it")

	msg, err := db.GetMessage(ctx, "7")
	require.NoError(t, err)
	assert.Equal(t, "run-2", msg.SyncID)
}

func TestStoreSanitizesRecordIDs(t *testing.T) {
	dir := t.TempDir()
	db := testutil.NewTestStore(t)
	a, err := sink.NewArchive(dir, db, zap.NewNop())
	require.NoError(t, err)

	rec := source.Record{ID: `a/b:c`, Payload: []byte("payload")}
	require.NoError(t, a.Store(context.Background(), "run-1", "unseen", rec))

	_, err = os.Stat(filepath.Join(dir, "a_b_c.eml"))
	assert.NoError(t, err)
}

func TestStoreLeavesNoPartialFiles(t *testing.T) {
	dir := t.TempDir()
	db := testutil.NewTestStore(t)
	a, err := sink.NewArchive(dir, db, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, a.Store(context.Background(), "run-1", "unseen",
		source.Record{ID: "1", Payload: []byte(rawMessage)}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".partial-")
	}
}
