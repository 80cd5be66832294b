// Package sink receives successfully fetched records for downstream
// storage. The engine hands payloads off without inspecting their content.
package sink

import (
	"context"

	"github.com/nhle/mailvault/internal/source"
)

// RecordSink receives every successfully fetched record exactly once per
// run. Implementations must be safe for concurrent use: scheduler workers
// call Store from multiple goroutines.
type RecordSink interface {
	// Store persists one record. An error here is treated as an
	// orchestration failure: progress must not advance past a record
	// that was fetched but not stored.
	Store(ctx context.Context, syncID, query string, rec source.Record) error
}
