package checkpoint

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailvault/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestCreateAndGet(t *testing.T) {
	s := newTestStore(t)

	cp, err := s.Create("from:billing", "/archive", map[string]string{"host": "mail.example.com"})
	require.NoError(t, err)
	assert.NotEmpty(t, cp.SyncID)
	assert.Equal(t, model.StateRunning, cp.State)
	assert.Equal(t, model.SchemaVersion, cp.SchemaVersion)

	got, err := s.Get(cp.SyncID)
	require.NoError(t, err)
	assert.Equal(t, cp.SyncID, got.SyncID)
	assert.Equal(t, "from:billing", got.Query)
	assert.Equal(t, "/archive", got.OutputLocation)
	assert.Equal(t, "mail.example.com", got.Metadata["host"])
}

func TestGetMissing(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Get("no-such-id")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateRejectsSecondActiveRun(t *testing.T) {
	s := newTestStore(t)

	first, err := s.Create("unseen", "/archive", nil)
	require.NoError(t, err)

	_, err = s.Create("unseen", "/archive", nil)
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	// A different output location is a different target.
	_, err = s.Create("unseen", "/other", nil)
	assert.NoError(t, err)

	// Once the first run is terminal the target is free again.
	require.NoError(t, s.MarkCompleted(first))
	_, err = s.Create("unseen", "/archive", nil)
	assert.NoError(t, err)
}

func TestReopenReturnsInterruptedCheckpointToRunning(t *testing.T) {
	s := newTestStore(t)

	cp, err := s.Create("unseen", "/archive", nil)
	require.NoError(t, err)
	require.NoError(t, s.UpdateProgress(cp, 40, 1, "40", model.Cursor{PageToken: "0", Skip: 40}))
	require.NoError(t, s.MarkInterrupted(cp))

	require.NoError(t, s.Reopen(cp))
	assert.Equal(t, model.StateRunning, cp.State)

	got, err := s.Get(cp.SyncID)
	require.NoError(t, err)
	assert.Equal(t, model.StateRunning, got.State)
	assert.Equal(t, 40, got.ProcessedCount, "reopening keeps the prior progress")
}

func TestReopenRefusedWhileAnotherRunIsActive(t *testing.T) {
	s := newTestStore(t)

	cp, err := s.Create("unseen", "/archive", nil)
	require.NoError(t, err)
	require.NoError(t, s.MarkInterrupted(cp))

	active, err := s.Create("unseen", "/archive", nil)
	require.NoError(t, err)

	err = s.Reopen(cp)
	require.ErrorIs(t, err, ErrAlreadyRunning)

	// The refusal leaves both checkpoints as they were.
	got, err := s.Get(cp.SyncID)
	require.NoError(t, err)
	assert.Equal(t, model.StateInterrupted, got.State)
	got, err = s.Get(active.SyncID)
	require.NoError(t, err)
	assert.Equal(t, model.StateRunning, got.State)
}

func TestReopenAllowedWhenActiveRunTargetsOtherOutput(t *testing.T) {
	s := newTestStore(t)

	cp, err := s.Create("unseen", "/archive", nil)
	require.NoError(t, err)
	require.NoError(t, s.MarkInterrupted(cp))

	_, err = s.Create("unseen", "/elsewhere", nil)
	require.NoError(t, err)

	require.NoError(t, s.Reopen(cp))
}

func TestUpdateProgressPersists(t *testing.T) {
	s := newTestStore(t)

	cp, err := s.Create("unseen", "/archive", nil)
	require.NoError(t, err)

	cursor := model.Cursor{PageToken: "100", Skip: 30}
	require.NoError(t, s.UpdateProgress(cp, 130, 2, "847", cursor))

	got, err := s.Get(cp.SyncID)
	require.NoError(t, err)
	assert.Equal(t, 130, got.ProcessedCount)
	assert.Equal(t, 2, got.QuarantinedCount)
	assert.Equal(t, "847", got.LastRecordID)
	assert.Equal(t, cursor, got.Cursor)
}

func TestUpdateProgressNeverMovesBackwards(t *testing.T) {
	s := newTestStore(t)

	cp, err := s.Create("unseen", "/archive", nil)
	require.NoError(t, err)
	require.NoError(t, s.UpdateProgress(cp, 50, 0, "50", model.Cursor{}))

	err = s.UpdateProgress(cp, 49, 0, "49", model.Cursor{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "moved backwards")
}

func TestUpdateProgressOnTerminalCheckpoint(t *testing.T) {
	s := newTestStore(t)

	cp, err := s.Create("unseen", "/archive", nil)
	require.NoError(t, err)
	require.NoError(t, s.MarkCompleted(cp))

	err = s.UpdateProgress(cp, 10, 0, "10", model.Cursor{})
	assert.Error(t, err)
}

func TestTerminalMarksAreIdempotent(t *testing.T) {
	s := newTestStore(t)

	cp, err := s.Create("unseen", "/archive", nil)
	require.NoError(t, err)
	require.NoError(t, s.MarkInterrupted(cp))

	// Re-marking a terminal checkpoint, with any state, is a no-op.
	require.NoError(t, s.MarkInterrupted(cp))
	require.NoError(t, s.MarkFailed(cp))
	require.NoError(t, s.MarkCompleted(cp))

	got, err := s.Get(cp.SyncID)
	require.NoError(t, err)
	assert.Equal(t, model.StateInterrupted, got.State)
}

func TestLatestResumable(t *testing.T) {
	s := newTestStore(t)
	stale := 72 * time.Hour

	// Nothing to resume yet.
	got, err := s.LatestResumable("unseen", stale)
	require.NoError(t, err)
	assert.Nil(t, got)

	older, err := s.Create("unseen", "/a", nil)
	require.NoError(t, err)
	require.NoError(t, s.MarkInterrupted(older))
	older.UpdatedAt = time.Now().UTC().Add(-time.Hour)
	require.NoError(t, s.persist(older))

	newer, err := s.Create("unseen", "/b", nil)
	require.NoError(t, err)
	require.NoError(t, s.UpdateProgress(newer, 40, 1, "40", model.Cursor{}))
	require.NoError(t, s.MarkInterrupted(newer))

	// A completed run and a different query are never candidates.
	done, err := s.Create("unseen", "/c", nil)
	require.NoError(t, err)
	require.NoError(t, s.MarkCompleted(done))
	other, err := s.Create("from:alerts", "/a", nil)
	require.NoError(t, err)
	require.NoError(t, s.MarkInterrupted(other))

	got, err = s.LatestResumable("unseen", stale)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, newer.SyncID, got.SyncID)
	assert.Equal(t, 40, got.ProcessedCount)
}

func TestLatestResumableSkipsStale(t *testing.T) {
	s := newTestStore(t)

	cp, err := s.Create("unseen", "/a", nil)
	require.NoError(t, err)
	require.NoError(t, s.MarkInterrupted(cp))
	cp.UpdatedAt = time.Now().UTC().Add(-80 * time.Hour)
	require.NoError(t, s.persist(cp))

	got, err := s.LatestResumable("unseen", 72*time.Hour)
	require.NoError(t, err)
	assert.Nil(t, got, "a checkpoint past the staleness window must not resume")
}

func TestLatestResumableSkipsOtherSchemaVersions(t *testing.T) {
	s := newTestStore(t)

	cp, err := s.Create("unseen", "/a", nil)
	require.NoError(t, err)
	require.NoError(t, s.MarkInterrupted(cp))
	cp.SchemaVersion = model.SchemaVersion + 1
	require.NoError(t, s.persist(cp))

	got, err := s.LatestResumable("unseen", 72*time.Hour)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestListSkipsMalformedFiles(t *testing.T) {
	s := newTestStore(t)

	cp, err := s.Create("unseen", "/a", nil)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(s.dir, "garbage.json"), []byte("{not json"), 0o644))

	cps, err := s.List()
	require.NoError(t, err)
	require.Len(t, cps, 1)
	assert.Equal(t, cp.SyncID, cps[0].SyncID)
}

func TestCleanupStale(t *testing.T) {
	s := newTestStore(t)

	old, err := s.Create("unseen", "/a", nil)
	require.NoError(t, err)
	require.NoError(t, s.MarkCompleted(old))
	old.UpdatedAt = time.Now().UTC().Add(-40 * 24 * time.Hour)
	require.NoError(t, s.persist(old))

	recent, err := s.Create("unseen", "/b", nil)
	require.NoError(t, err)
	require.NoError(t, s.MarkCompleted(recent))

	// Interrupted checkpoints carry resume state and are never cleaned up.
	interrupted, err := s.Create("unseen", "/c", nil)
	require.NoError(t, err)
	require.NoError(t, s.MarkInterrupted(interrupted))
	interrupted.UpdatedAt = time.Now().UTC().Add(-40 * 24 * time.Hour)
	require.NoError(t, s.persist(interrupted))

	removed, err := s.CleanupStale(30 * 24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = s.Get(old.SyncID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Get(recent.SyncID)
	assert.NoError(t, err)
	_, err = s.Get(interrupted.SyncID)
	assert.NoError(t, err)
}
