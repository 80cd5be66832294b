// Package checkpoint persists sync run progress as one JSON document per
// run, replaced atomically on every update so that a crash can never leave
// a partially-written checkpoint behind.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nhle/mailvault/internal/model"
)

// ErrAlreadyRunning is returned by Create when a non-terminal checkpoint
// already exists for the same (query, output location) pair.
var ErrAlreadyRunning = errors.New("a sync run is already active for this query and output")

// ErrNotFound is returned when no checkpoint exists for a sync id.
var ErrNotFound = errors.New("checkpoint not found")

// Store keeps checkpoints as <sync_id>.json files under a single directory.
type Store struct {
	dir string
}

// NewStore opens (or creates) the checkpoint directory.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating checkpoint directory %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

// Create starts a new checkpoint for a run. It fails with ErrAlreadyRunning
// when a non-terminal checkpoint exists for the same query and output
// location; exactly one run may be active per target at a time.
func (s *Store) Create(query, outputLocation string, metadata map[string]string) (*model.SyncCheckpoint, error) {
	existing, err := s.List()
	if err != nil {
		return nil, err
	}
	for _, cp := range existing {
		if cp.Query == query && cp.OutputLocation == outputLocation && !cp.State.Terminal() {
			return nil, fmt.Errorf("%w (sync_id %s)", ErrAlreadyRunning, cp.SyncID)
		}
	}

	now := time.Now().UTC()
	cp := &model.SyncCheckpoint{
		SyncID:         uuid.NewString(),
		SchemaVersion:  model.SchemaVersion,
		Query:          query,
		OutputLocation: outputLocation,
		State:          model.StateRunning,
		CreatedAt:      now,
		UpdatedAt:      now,
		Metadata:       metadata,
	}
	if err := s.persist(cp); err != nil {
		return nil, err
	}
	return cp, nil
}

// Reopen returns an interrupted checkpoint to the Running state so a
// resumed run owns it again. Like Create, it refuses with ErrAlreadyRunning
// when another non-terminal checkpoint exists for the same query and output
// location; a resume must not sidestep the one-active-run-per-target rule.
func (s *Store) Reopen(cp *model.SyncCheckpoint) error {
	existing, err := s.List()
	if err != nil {
		return err
	}
	for _, other := range existing {
		if other.SyncID != cp.SyncID && other.Query == cp.Query &&
			other.OutputLocation == cp.OutputLocation && !other.State.Terminal() {
			return fmt.Errorf("%w (sync_id %s)", ErrAlreadyRunning, other.SyncID)
		}
	}

	cp.State = model.StateRunning
	cp.UpdatedAt = time.Now().UTC()
	return s.persist(cp)
}

// Get loads the checkpoint for a sync id.
func (s *Store) Get(syncID string) (*model.SyncCheckpoint, error) {
	return s.load(s.path(syncID))
}

// List returns every checkpoint in the store.
func (s *Store) List() ([]*model.SyncCheckpoint, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("reading checkpoint directory: %w", err)
	}

	var cps []*model.SyncCheckpoint
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		cp, err := s.load(filepath.Join(s.dir, e.Name()))
		if err != nil {
			// A malformed file must not block every other run; skip it.
			continue
		}
		cps = append(cps, cp)
	}
	return cps, nil
}

// LatestResumable returns the most recently updated interrupted checkpoint
// for the query that is still inside the staleness window, or nil when no
// such checkpoint exists.
func (s *Store) LatestResumable(query string, staleAfter time.Duration) (*model.SyncCheckpoint, error) {
	cps, err := s.List()
	if err != nil {
		return nil, err
	}

	var candidates []*model.SyncCheckpoint
	for _, cp := range cps {
		if cp.Query == query && cp.Resumable(staleAfter) {
			candidates = append(candidates, cp)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].UpdatedAt.After(candidates[j].UpdatedAt)
	})
	return candidates[0], nil
}

// UpdateProgress records new progress and persists the checkpoint before
// returning. processed_count never moves backwards.
func (s *Store) UpdateProgress(cp *model.SyncCheckpoint, processed, quarantined int, lastRecordID string, cursor model.Cursor) error {
	if cp.State.Terminal() {
		return fmt.Errorf("checkpoint %s is already %s", cp.SyncID, cp.State)
	}
	if processed < cp.ProcessedCount {
		return fmt.Errorf("processed count moved backwards: %d -> %d", cp.ProcessedCount, processed)
	}

	cp.ProcessedCount = processed
	cp.QuarantinedCount = quarantined
	cp.LastRecordID = lastRecordID
	cp.Cursor = cursor
	cp.UpdatedAt = time.Now().UTC()
	return s.persist(cp)
}

// SetTotalEstimate records the remote's result set size estimate.
func (s *Store) SetTotalEstimate(cp *model.SyncCheckpoint, total int) error {
	cp.TotalEstimate = total
	cp.UpdatedAt = time.Now().UTC()
	return s.persist(cp)
}

// MarkCompleted transitions the checkpoint to Completed. Re-marking a
// terminal checkpoint is a no-op.
func (s *Store) MarkCompleted(cp *model.SyncCheckpoint) error {
	return s.markTerminal(cp, model.StateCompleted)
}

// MarkInterrupted transitions the checkpoint to Interrupted. Re-marking a
// terminal checkpoint is a no-op.
func (s *Store) MarkInterrupted(cp *model.SyncCheckpoint) error {
	return s.markTerminal(cp, model.StateInterrupted)
}

// MarkFailed transitions the checkpoint to Failed. Re-marking a terminal
// checkpoint is a no-op.
func (s *Store) MarkFailed(cp *model.SyncCheckpoint) error {
	return s.markTerminal(cp, model.StateFailed)
}

func (s *Store) markTerminal(cp *model.SyncCheckpoint, state model.SyncState) error {
	if cp.State.Terminal() {
		return nil
	}
	cp.State = state
	cp.UpdatedAt = time.Now().UTC()
	return s.persist(cp)
}

// CleanupStale deletes Completed checkpoints older than retention.
// Interrupted and Failed checkpoints are never deleted automatically; they
// carry resume state and failure evidence an operator may still need.
func (s *Store) CleanupStale(retention time.Duration) (int, error) {
	cps, err := s.List()
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().UTC().Add(-retention)
	removed := 0
	for _, cp := range cps {
		if cp.State != model.StateCompleted || cp.UpdatedAt.After(cutoff) {
			continue
		}
		if err := os.Remove(s.path(cp.SyncID)); err != nil {
			return removed, fmt.Errorf("removing checkpoint %s: %w", cp.SyncID, err)
		}
		removed++
	}
	return removed, nil
}

func (s *Store) path(syncID string) string {
	return filepath.Join(s.dir, syncID+".json")
}

func (s *Store) load(path string) (*model.SyncCheckpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading checkpoint %s: %w", path, err)
	}

	var cp model.SyncCheckpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("parsing checkpoint %s: %w", path, err)
	}
	return &cp, nil
}

// persist writes the checkpoint to a temp file in the same directory and
// renames it over the final path. The rename is atomic, so a crash between
// the two steps leaves the previous valid checkpoint intact.
func (s *Store) persist(cp *model.SyncCheckpoint) error {
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding checkpoint %s: %w", cp.SyncID, err)
	}

	tmp, err := os.CreateTemp(s.dir, cp.SyncID+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp checkpoint file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing checkpoint %s: %w", cp.SyncID, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("syncing checkpoint %s: %w", cp.SyncID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing checkpoint %s: %w", cp.SyncID, err)
	}

	if err := os.Rename(tmpPath, s.path(cp.SyncID)); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replacing checkpoint %s: %w", cp.SyncID, err)
	}
	return nil
}
