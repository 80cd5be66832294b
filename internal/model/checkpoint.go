package model

import "time"

// SchemaVersion is the checkpoint format version. A checkpoint written by a
// different version is never resumed.
const SchemaVersion = 1

// SyncState is the lifecycle state of a sync run's checkpoint.
type SyncState string

const (
	// StateRunning marks a run that is currently in progress.
	StateRunning SyncState = "running"

	// StateCompleted marks a run that fetched every id in its target set.
	StateCompleted SyncState = "completed"

	// StateInterrupted marks a run that was cancelled or crashed before
	// completion; interrupted checkpoints are candidates for resumption.
	StateInterrupted SyncState = "interrupted"

	// StateFailed marks a run aborted by an orchestration error.
	StateFailed SyncState = "failed"
)

// Terminal reports whether the state is final. A checkpoint reaches a
// terminal state exactly once; re-marking is a no-op.
func (s SyncState) Terminal() bool {
	return s == StateCompleted || s == StateInterrupted || s == StateFailed
}

// Cursor records where a run's listing left off: the page token to resume
// listing from, plus how many ids at the head of that page already have a
// final outcome and must not be re-dispatched.
type Cursor struct {
	// PageToken is the opaque listing token for the next page to request.
	// Empty means listing starts from the beginning.
	PageToken string `json:"page_token"`

	// Skip is the number of ids at the head of that page that are already
	// processed.
	Skip int `json:"skip"`
}

// SyncCheckpoint is the durable progress record for one sync run.
// It is created when a run starts, mutated only by the sync coordinator,
// and becomes terminal exactly once.
type SyncCheckpoint struct {
	// SyncID uniquely identifies this run.
	SyncID string `json:"sync_id"`

	// SchemaVersion is the checkpoint format version this record was
	// written with.
	SchemaVersion int `json:"schema_version"`

	// Query is the remote search expression whose result set this run
	// is fetching.
	Query string `json:"query"`

	// OutputLocation is the destination the fetched records are written to.
	OutputLocation string `json:"output_location"`

	// State is the run lifecycle state.
	State SyncState `json:"state"`

	// Cursor marks where listing resumes after an interruption.
	Cursor Cursor `json:"cursor"`

	// ProcessedCount is the number of ids with a final outcome: successful
	// fetches plus dead-lettered ids. It is monotonically non-decreasing
	// while the run is active.
	ProcessedCount int `json:"processed_count"`

	// QuarantinedCount is the number of ids routed to the dead letter
	// queue during this run.
	QuarantinedCount int `json:"quarantined_count"`

	// TotalEstimate is the remote's estimate of the result set size,
	// zero when unknown.
	TotalEstimate int `json:"total_estimate,omitempty"`

	// LastRecordID is the id of the most recent record inside the
	// contiguous completed prefix.
	LastRecordID string `json:"last_record_id"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Metadata holds caller-supplied key-value context for the run.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Resumable reports whether the checkpoint can seed a resumed run: it must
// have been interrupted, match the current schema version, and not be older
// than the staleness window.
func (c *SyncCheckpoint) Resumable(staleAfter time.Duration) bool {
	if c.State != StateInterrupted {
		return false
	}
	if c.SchemaVersion != SchemaVersion {
		return false
	}
	return time.Since(c.UpdatedAt) <= staleAfter
}
