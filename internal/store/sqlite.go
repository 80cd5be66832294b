package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/nhle/mailvault/internal/model"
)

// SQLiteStore implements the Store interface using a local SQLite database.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath,
// enables WAL mode, and runs any pending schema migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// runMigrations checks the current schema version and applies any
// outstanding migrations in order.
func (s *SQLiteStore) runMigrations() error {
	currentVersion := 0

	var tableCount int
	err := s.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		err = s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// Append records a permanent failure, incrementing the attempt count when
// the (record_id, query) pair is already present.
func (s *SQLiteStore) Append(ctx context.Context, entry model.DeadLetterEntry) error {
	if entry.FirstSeen.IsZero() {
		entry.FirstSeen = time.Now().UTC()
	}
	if entry.LastSeen.IsZero() {
		entry.LastSeen = entry.FirstSeen
	}

	const query = `
		INSERT INTO dead_letters (
			record_id, query, failure_reason, attempt_count,
			first_seen, last_seen, raw_error
		) VALUES (?, ?, ?, 1, ?, ?, ?)
		ON CONFLICT(record_id, query) DO UPDATE SET
			attempt_count  = attempt_count + 1,
			failure_reason = excluded.failure_reason,
			last_seen      = excluded.last_seen,
			raw_error      = excluded.raw_error`

	_, err := s.db.ExecContext(ctx, query,
		entry.RecordID, entry.Query, entry.FailureReason,
		entry.FirstSeen, entry.LastSeen, entry.RawError,
	)
	if err != nil {
		return fmt.Errorf("appending dead letter %s: %w", entry.RecordID, err)
	}
	return nil
}

// List returns dead letter entries matching the filter, most recent first.
func (s *SQLiteStore) List(ctx context.Context, filter DeadLetterFilter) ([]model.DeadLetterEntry, error) {
	var conditions []string
	var args []any

	if filter.Query != nil {
		conditions = append(conditions, "query = ?")
		args = append(args, *filter.Query)
	}
	if filter.Reason != nil {
		conditions = append(conditions, "failure_reason = ?")
		args = append(args, *filter.Reason)
	}
	if filter.Since != nil {
		conditions = append(conditions, "last_seen >= ?")
		args = append(args, *filter.Since)
	}

	query := "SELECT record_id, query, failure_reason, attempt_count, first_seen, last_seen, raw_error FROM dead_letters"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY last_seen DESC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, filter.Offset)
		}
	}

	var entries []model.DeadLetterEntry
	if err := s.db.SelectContext(ctx, &entries, query, args...); err != nil {
		return nil, fmt.Errorf("listing dead letters: %w", err)
	}
	return entries, nil
}

// Count returns the number of dead letter entries for a query.
func (s *SQLiteStore) Count(ctx context.Context, query string) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count,
		"SELECT COUNT(*) FROM dead_letters WHERE query = ?", query)
	if err != nil {
		return 0, fmt.Errorf("counting dead letters: %w", err)
	}
	return count, nil
}

// Requeue removes the given record ids for a query and returns the ids that
// were actually present.
func (s *SQLiteStore) Requeue(ctx context.Context, query string, recordIDs []string) ([]string, error) {
	if len(recordIDs) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	sel, args, err := sqlx.In(
		"SELECT record_id FROM dead_letters WHERE query = ? AND record_id IN (?)",
		query, recordIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("building requeue query: %w", err)
	}

	var present []string
	if err := tx.SelectContext(ctx, &present, tx.Rebind(sel), args...); err != nil {
		return nil, fmt.Errorf("selecting requeue candidates: %w", err)
	}
	if len(present) == 0 {
		return nil, tx.Commit()
	}

	del, args, err := sqlx.In(
		"DELETE FROM dead_letters WHERE query = ? AND record_id IN (?)",
		query, present,
	)
	if err != nil {
		return nil, fmt.Errorf("building requeue delete: %w", err)
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(del), args...); err != nil {
		return nil, fmt.Errorf("deleting requeued entries: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing requeue: %w", err)
	}
	return present, nil
}

// UpsertMessage inserts or replaces the index row for an archived record.
func (s *SQLiteStore) UpsertMessage(ctx context.Context, msg IndexedMessage) error {
	const query = `
		INSERT OR REPLACE INTO messages (
			record_id, sync_id, query, path, size_bytes,
			subject, sender, sent_at, fetched_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		msg.RecordID, msg.SyncID, msg.Query, msg.Path, msg.SizeBytes,
		msg.Subject, msg.Sender, msg.SentAt, msg.FetchedAt,
	)
	if err != nil {
		return fmt.Errorf("indexing message %s: %w", msg.RecordID, err)
	}
	return nil
}

// GetMessage returns the index row for a record id, or nil when absent.
func (s *SQLiteStore) GetMessage(ctx context.Context, recordID string) (*IndexedMessage, error) {
	var msg IndexedMessage
	err := s.db.GetContext(ctx, &msg,
		"SELECT record_id, sync_id, query, path, size_bytes, subject, sender, sent_at, fetched_at FROM messages WHERE record_id = ?",
		recordID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting message %s: %w", recordID, err)
	}
	return &msg, nil
}

// CountMessages returns the number of archived messages for a query.
func (s *SQLiteStore) CountMessages(ctx context.Context, query string) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count,
		"SELECT COUNT(*) FROM messages WHERE query = ?", query)
	if err != nil {
		return 0, fmt.Errorf("counting messages: %w", err)
	}
	return count, nil
}
