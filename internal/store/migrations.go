package store

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations.
// Each migration's version must be sequential starting from 1.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS dead_letters (
	record_id      TEXT NOT NULL,
	query          TEXT NOT NULL,
	failure_reason TEXT NOT NULL,
	attempt_count  INTEGER NOT NULL DEFAULT 1,
	first_seen     DATETIME NOT NULL,
	last_seen      DATETIME NOT NULL,
	raw_error      TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (record_id, query)
);

CREATE TABLE IF NOT EXISTS messages (
	record_id  TEXT PRIMARY KEY,
	sync_id    TEXT NOT NULL,
	query      TEXT NOT NULL,
	path       TEXT NOT NULL,
	size_bytes INTEGER NOT NULL DEFAULT 0,
	subject    TEXT NOT NULL DEFAULT '',
	sender     TEXT NOT NULL DEFAULT '',
	sent_at    DATETIME,
	fetched_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_dead_letters_query ON dead_letters(query);
CREATE INDEX IF NOT EXISTS idx_dead_letters_reason ON dead_letters(failure_reason);
CREATE INDEX IF NOT EXISTS idx_messages_query ON messages(query);
CREATE INDEX IF NOT EXISTS idx_messages_sync_id ON messages(sync_id);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
}
