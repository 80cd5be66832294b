package model

import "time"

// DeadLetterEntry records a single record id that permanently failed to
// fetch. Entries are keyed by (record_id, query): appending the same id
// again increments AttemptCount and refreshes LastSeen instead of
// duplicating the row.
type DeadLetterEntry struct {
	// RecordID is the remote identifier of the failed record.
	RecordID string `db:"record_id" json:"record_id"`

	// Query is the search expression of the run that quarantined the record.
	Query string `db:"query" json:"query"`

	// FailureReason is a short machine-readable classification
	// (e.g. "not_found", "permission_denied", "retries_exhausted").
	FailureReason string `db:"failure_reason" json:"failure_reason"`

	// AttemptCount is how many runs have quarantined this record.
	AttemptCount int `db:"attempt_count" json:"attempt_count"`

	// FirstSeen is when the record first failed permanently.
	FirstSeen time.Time `db:"first_seen" json:"first_seen"`

	// LastSeen is when the record most recently failed.
	LastSeen time.Time `db:"last_seen" json:"last_seen"`

	// RawError is the full text of the underlying error, kept for
	// operator inspection.
	RawError string `db:"raw_error" json:"raw_error"`
}
