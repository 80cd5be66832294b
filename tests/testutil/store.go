package testutil

import (
	"path/filepath"
	"testing"

	"github.com/nhle/mailvault/internal/store"
)

// NewTestStore creates a SQLiteStore backed by a throwaway database file
// with all migrations applied. It automatically closes the store when the
// test completes. A file is used rather than :memory: because the
// connection pool would give each connection its own empty in-memory
// database.
func NewTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()

	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("creating test store: %v", err)
	}

	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("closing test store: %v", err)
		}
	})

	return s
}
