// Package store provides SQLite-backed persistence for the shift ledger,
// the sync queue and the workflow state.
package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// schemaV1 defines the initial database schema.
const schemaV1 = `
CREATE TABLE IF NOT EXISTS ledger_events (
	seq             INTEGER PRIMARY KEY,
	id              TEXT NOT NULL UNIQUE,
	device_id       TEXT NOT NULL DEFAULT '',
	timestamp       TEXT NOT NULL,
	event_type      TEXT NOT NULL,
	operator_id     TEXT NOT NULL DEFAULT '',
	rig_id          INTEGER,
	payload_json    TEXT NOT NULL DEFAULT '{}',
	digest          TEXT NOT NULL,
	previous_digest TEXT NOT NULL,
	sync_status     TEXT NOT NULL DEFAULT 'pending'
);
CREATE INDEX IF NOT EXISTS idx_ledger_status ON ledger_events(sync_status);

CREATE TABLE IF NOT EXISTS sync_entries (
	event_id          TEXT PRIMARY KEY,
	event_type        TEXT NOT NULL,
	payload_json      TEXT NOT NULL DEFAULT '{}',
	sync_status       TEXT NOT NULL DEFAULT 'pending',
	retry_count       INTEGER NOT NULL DEFAULT 0,
	last_attempt_ms   INTEGER NOT NULL DEFAULT 0,
	enqueued_at_ms    INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS shift_state (
	device_id       TEXT PRIMARY KEY,
	current_step    INTEGER NOT NULL DEFAULT 0,
	locked          INTEGER NOT NULL DEFAULT 0,
	last_error      TEXT NOT NULL DEFAULT '',
	operator_id     TEXT NOT NULL DEFAULT '',
	rig_id          INTEGER,
	shift_active    INTEGER NOT NULL DEFAULT 0,
	updated_at_unix INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS step_snapshots (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	device_id     TEXT NOT NULL,
	step          INTEGER NOT NULL,
	snapshot_json TEXT NOT NULL DEFAULT '{}',
	checksum      TEXT NOT NULL DEFAULT '',
	created_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_snapshots_device_step ON step_snapshots(device_id, step);

CREATE TABLE IF NOT EXISTS audit_records (
	id            TEXT PRIMARY KEY,
	device_id     TEXT NOT NULL,
	category      TEXT NOT NULL,
	actor         TEXT NOT NULL DEFAULT '',
	action        TEXT NOT NULL,
	request_json  TEXT NOT NULL DEFAULT '{}',
	decision_json TEXT NOT NULL DEFAULT '{}',
	severity      TEXT NOT NULL DEFAULT 'info',
	created_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_device ON audit_records(device_id);
`

// NewDB opens a SQLite database at the given path with recommended pragmas
// and runs the V1 schema migration.
func NewDB(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Limit connections to 1 for SQLite (WAL allows concurrent reads but single writer).
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return db, nil
}

func migrate(db *sql.DB) error {
	_, err := db.ExecContext(context.Background(), schemaV1)
	return err
}

func nullInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

func intPtr(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}
