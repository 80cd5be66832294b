package store

import (
	"context"
	"time"

	"github.com/nhle/mailvault/internal/model"
)

// DeadLetterFilter controls filtering and pagination for dead letter queries.
type DeadLetterFilter struct {
	// Query restricts entries to one sync query; nil matches all.
	Query *string

	// Reason restricts entries to one failure classification; nil
	// matches all.
	Reason *string

	// Since restricts entries to those last seen after this time.
	Since *time.Time

	Limit  int
	Offset int
}

// IndexedMessage is one archived message's index row: where the raw payload
// landed and when it was fetched. The payload itself lives on disk.
type IndexedMessage struct {
	RecordID  string     `db:"record_id"`
	SyncID    string     `db:"sync_id"`
	Query     string     `db:"query"`
	Path      string     `db:"path"`
	SizeBytes int64      `db:"size_bytes"`
	Subject   string     `db:"subject"`
	Sender    string     `db:"sender"`
	SentAt    *time.Time `db:"sent_at"`
	FetchedAt time.Time  `db:"fetched_at"`
}

// DeadLetterStore is the durable record of permanently-failed record ids.
// Append is idempotent per (record id, query).
type DeadLetterStore interface {
	// Append records a permanent failure. Appending an id that is
	// already present increments its attempt count and refreshes its
	// last-seen time instead of inserting a duplicate.
	Append(ctx context.Context, entry model.DeadLetterEntry) error

	// List returns entries matching the filter, most recent first.
	List(ctx context.Context, filter DeadLetterFilter) ([]model.DeadLetterEntry, error)

	// Count returns the number of entries for a query.
	Count(ctx context.Context, query string) (int, error)

	// Requeue removes the given record ids for a query and returns the
	// ids that were actually present, for inclusion in a future sync
	// pass. It performs no fetching itself.
	Requeue(ctx context.Context, query string, recordIDs []string) ([]string, error)
}

// MessageIndex records where each successfully archived message landed.
type MessageIndex interface {
	// UpsertMessage inserts or replaces the index row for a record.
	UpsertMessage(ctx context.Context, msg IndexedMessage) error

	// GetMessage returns the index row for a record id, or nil when the
	// record has not been archived.
	GetMessage(ctx context.Context, recordID string) (*IndexedMessage, error)

	// CountMessages returns the number of archived messages for a query.
	CountMessages(ctx context.Context, query string) (int, error)
}

// Store is the combined durable store backing the dead letter queue and the
// message index.
type Store interface {
	DeadLetterStore
	MessageIndex

	Close() error
}
