// Package sqlite implements internal/store's interfaces on top of
// modernc.org/sqlite, a pure-Go sqlite3 driver. A single *sql.DB in WAL mode
// is shared by every store; the scheduler relies on sqlite's own locking for
// the at-most-one-running claim (internal/store/sqlite/runs.go), not on an
// in-process mutex, so the schema stays safe under future multi-process
// inspection tools (e.g. a CLI reading the database while the server runs).
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// DB wraps the shared database handle for every store.
type DB struct {
	sql *sql.DB
}

// Open opens (creating if necessary) the sqlite database at path, enables
// WAL mode and foreign keys, and applies the schema.
func Open(ctx context.Context, path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}
	// Single writer semantics: at-most-one-running is enforced by a claim
	// statement, not by serializing all writes, so allow a small pool.
	sqlDB.SetMaxOpenConns(8)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := sqlDB.ExecContext(ctx, pragma); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("applying %q: %w", pragma, err)
		}
	}

	db := &DB{sql: sqlDB}
	if err := db.migrate(ctx); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// Close closes the underlying database handle.
func (db *DB) Close() error { return db.sql.Close() }

const schema = `
CREATE TABLE IF NOT EXISTS threads (
	id                    TEXT PRIMARY KEY,
	scope                 TEXT NOT NULL DEFAULT 'project',
	project_id            TEXT NOT NULL DEFAULT '',
	workorder_id          TEXT NOT NULL DEFAULT '',
	portfolio             TEXT NOT NULL,
	project               TEXT NOT NULL,
	slug                  TEXT NOT NULL,
	branch                TEXT NOT NULL,
	base_branch           TEXT NOT NULL,
	title                 TEXT NOT NULL DEFAULT '',
	state                 TEXT NOT NULL,
	default_context_depth TEXT NOT NULL DEFAULT 'messages',
	default_access_json   TEXT NOT NULL DEFAULT '{}',
	pending_changes       INTEGER NOT NULL DEFAULT 0,
	last_ack_at           TEXT,
	created_at            TEXT NOT NULL,
	updated_at            TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id                TEXT PRIMARY KEY,
	thread_id         TEXT NOT NULL REFERENCES threads(id),
	run_id            TEXT NOT NULL DEFAULT '',
	role              TEXT NOT NULL,
	text              TEXT NOT NULL,
	needs_user_input  INTEGER NOT NULL DEFAULT 0,
	created_at        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(thread_id, created_at);

CREATE TABLE IF NOT EXISTS actions (
	id         TEXT PRIMARY KEY,
	thread_id  TEXT NOT NULL REFERENCES threads(id),
	run_id     TEXT NOT NULL DEFAULT '',
	kind       TEXT NOT NULL,
	payload    TEXT NOT NULL,
	status     TEXT NOT NULL,
	created_at TEXT NOT NULL,
	applied_at TEXT
);

CREATE TABLE IF NOT EXISTS action_ledger (
	id             TEXT PRIMARY KEY,
	action_id      TEXT NOT NULL REFERENCES actions(id),
	thread_id      TEXT NOT NULL,
	action_kind    TEXT NOT NULL DEFAULT '',
	action_payload TEXT NOT NULL DEFAULT '',
	decision       TEXT NOT NULL,
	reason         TEXT NOT NULL,
	applied_at     TEXT NOT NULL DEFAULT '',
	undo_payload   TEXT NOT NULL DEFAULT '',
	undone_at      TEXT,
	error          TEXT NOT NULL DEFAULT '',
	created_at     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ledger_thread ON action_ledger(thread_id, created_at);

CREATE TABLE IF NOT EXISTS runs (
	id            TEXT PRIMARY KEY,
	thread_id     TEXT NOT NULL REFERENCES threads(id),
	state         TEXT NOT NULL,
	prompt        TEXT NOT NULL,
	harness       TEXT NOT NULL,
	context_depth TEXT NOT NULL DEFAULT 'messages',
	access_json   TEXT NOT NULL DEFAULT '{}',
	cwd           TEXT NOT NULL DEFAULT '',
	log_path      TEXT NOT NULL DEFAULT '',
	error         TEXT NOT NULL DEFAULT '',
	num_turns     INTEGER NOT NULL DEFAULT 0,
	duration_ms   INTEGER NOT NULL DEFAULT 0,
	queued_at     TEXT NOT NULL,
	started_at    TEXT,
	ended_at      TEXT
);
CREATE INDEX IF NOT EXISTS idx_runs_thread_state ON runs(thread_id, state, queued_at);

CREATE TABLE IF NOT EXISTS run_commands (
	id         TEXT PRIMARY KEY,
	run_id     TEXT NOT NULL REFERENCES runs(id),
	seq        INTEGER NOT NULL,
	argv       TEXT NOT NULL,
	cwd        TEXT NOT NULL DEFAULT '',
	allowed    INTEGER NOT NULL,
	reason     TEXT NOT NULL DEFAULT '',
	exit_code  INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_run_commands_run_seq ON run_commands(run_id, seq);

CREATE TABLE IF NOT EXISTS pending_sends (
	id         TEXT PRIMARY KEY,
	thread_id  TEXT NOT NULL REFERENCES threads(id),
	text       TEXT NOT NULL,
	reason     TEXT NOT NULL,
	status     TEXT NOT NULL,
	dedupe_key TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_pending_sends_key ON pending_sends(thread_id, dedupe_key, status);

CREATE TABLE IF NOT EXISTS thread_summaries (
	id               TEXT PRIMARY KEY,
	thread_id        TEXT NOT NULL REFERENCES threads(id),
	up_to_message_id TEXT NOT NULL,
	text             TEXT NOT NULL,
	messages_folded  INTEGER NOT NULL,
	created_at       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_summaries_thread ON thread_summaries(thread_id, created_at);
`

func (db *DB) migrate(ctx context.Context) error {
	if _, err := db.sql.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}
	return nil
}
