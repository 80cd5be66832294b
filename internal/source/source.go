// Package source defines the contract between the sync engine and the
// remote record service: a paginated id listing plus a batched detail
// fetch, with a shared error taxonomy. Concrete transports (IMAP, HTTP
// APIs) live in subpackages; the engine only sees these interfaces.
package source

import "context"

// Format is a hint for how much of each record the detail call returns.
type Format string

const (
	// FormatFull requests the complete raw record.
	FormatFull Format = "full"

	// FormatMetadata requests headers/envelope only.
	FormatMetadata Format = "metadata"
)

// Page is one page of record identifiers from a listing call.
type Page struct {
	// IDs are the record identifiers in the remote's listing order.
	IDs []string

	// NextToken requests the following page; empty means the listing
	// is exhausted.
	NextToken string

	// TotalEstimate is the remote's estimate of the full result set
	// size, zero when the remote does not report one.
	TotalEstimate int
}

// Record is one fetched record: an opaque payload the engine hands to the
// sink without inspecting.
type Record struct {
	// ID is the record's remote identifier.
	ID string

	// Payload is the raw record content.
	Payload []byte
}

// BatchResult holds the per-id outcomes of one batched detail call. Every
// id submitted appears in exactly one of the two maps.
type BatchResult struct {
	// Records maps record id to its fetched payload.
	Records map[string]Record

	// Failed maps record id to its typed error. A failure here never
	// affects sibling ids from the same batch.
	Failed map[string]error
}

// NewBatchResult creates an empty result sized for n ids.
func NewBatchResult(n int) *BatchResult {
	return &BatchResult{
		Records: make(map[string]Record, n),
		Failed:  make(map[string]error),
	}
}

// Merge folds other's outcomes into r.
func (r *BatchResult) Merge(other *BatchResult) {
	for id, rec := range other.Records {
		r.Records[id] = rec
	}
	for id, err := range other.Failed {
		r.Failed[id] = err
	}
}

// RecordSource is the remote record service: a paginated listing call and a
// batched detail call. Implementations classify their failures with the
// package error types; the engine's retry and dead-letter behavior follows
// from that classification.
type RecordSource interface {
	// ListPage returns one page of record ids matching query. An empty
	// pageToken requests the first page.
	ListPage(ctx context.Context, query, pageToken string, pageSize int) (*Page, error)

	// FetchBatch retrieves up to the transport's batch limit of records
	// in one physical request. Each id resolves independently: a missing
	// or malformed record yields a per-id error in the result, not a
	// call-level failure. A returned error means the whole call failed
	// and no per-id outcome is known.
	FetchBatch(ctx context.Context, ids []string, format Format) (*BatchResult, error)
}

// CredentialProvider supplies the transport session secret for a run. The
// engine calls it once per run and never manages the authorization flow.
type CredentialProvider interface {
	// Credential returns the secret stored under key.
	Credential(key string) (string, error)
}
