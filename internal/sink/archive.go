package sink

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nhle/mailvault/internal/source"
	"github.com/nhle/mailvault/internal/store"
)

// Archive writes each record's raw payload to a file under the output
// directory and records an index row in the message store. Files are
// written via temp-then-rename so a crash never leaves a truncated
// message behind.
type Archive struct {
	root  string
	index store.MessageIndex
	log   *zap.Logger
}

// NewArchive creates an Archive rooted at dir, creating it if needed.
func NewArchive(dir string, index store.MessageIndex, log *zap.Logger) (*Archive, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating archive directory %s: %w", dir, err)
	}
	return &Archive{root: dir, index: index, log: log}, nil
}

// Store writes the record to <root>/<id>.eml and indexes it.
func (a *Archive) Store(ctx context.Context, syncID, query string, rec source.Record) error {
	path := filepath.Join(a.root, sanitize(rec.ID)+".eml")

	tmp, err := os.CreateTemp(a.root, ".partial-*")
	if err != nil {
		return fmt.Errorf("creating temp file for record %s: %w", rec.ID, err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(rec.Payload); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing record %s: %w", rec.ID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing record %s: %w", rec.ID, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("archiving record %s: %w", rec.ID, err)
	}

	sum := summarizeHeaders(rec.Payload)
	err = a.index.UpsertMessage(ctx, store.IndexedMessage{
		RecordID:  rec.ID,
		SyncID:    syncID,
		Query:     query,
		Path:      path,
		SizeBytes: int64(len(rec.Payload)),
		Subject:   sum.subject,
		Sender:    sum.sender,
		SentAt:    sum.sentAt,
		FetchedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("indexing record %s: %w", rec.ID, err)
	}

	a.log.Debug("archived record",
		zap.String("record_id", rec.ID),
		zap.Int("bytes", len(rec.Payload)))
	return nil
}

// sanitize makes a record id safe to use as a file name.
func sanitize(id string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, id)
}
