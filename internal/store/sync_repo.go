package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/fieldcrew/rigshift/internal/domain"
)

// SyncRepo handles persistence for sync queue entries, keyed by event id.
type SyncRepo struct{}

// Upsert inserts or replaces an entry. Replacing keeps the original row
// position so List preserves enqueue order.
func (r *SyncRepo) Upsert(ctx context.Context, db *sql.DB, e domain.SyncEntry) error {
	const q = `INSERT INTO sync_entries (event_id, event_type, payload_json, sync_status, retry_count, last_attempt_ms, enqueued_at_ms)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(event_id) DO UPDATE SET
	sync_status = excluded.sync_status,
	retry_count = excluded.retry_count,
	last_attempt_ms = excluded.last_attempt_ms`
	_, err := db.ExecContext(ctx, q,
		e.EventID,
		e.Type,
		string(e.Payload),
		string(e.SyncStatus),
		e.RetryCount,
		unixMilli(e.LastAttemptTime),
		unixMilli(e.EnqueuedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert sync entry: %w", err)
	}
	return nil
}

// Delete removes an entry. Deleting a missing entry is not an error.
func (r *SyncRepo) Delete(ctx context.Context, db *sql.DB, eventID string) error {
	if _, err := db.ExecContext(ctx, `DELETE FROM sync_entries WHERE event_id = ?`, eventID); err != nil {
		return fmt.Errorf("delete sync entry: %w", err)
	}
	return nil
}

// List returns all entries in enqueue order.
func (r *SyncRepo) List(ctx context.Context, db *sql.DB) ([]domain.SyncEntry, error) {
	const q = `SELECT event_id, event_type, payload_json, sync_status, retry_count, last_attempt_ms, enqueued_at_ms
FROM sync_entries
ORDER BY rowid ASC`

	rows, err := db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list sync entries: %w", err)
	}
	defer rows.Close()

	var entries []domain.SyncEntry
	for rows.Next() {
		var e domain.SyncEntry
		var payload, status string
		var lastAttempt, enqueued int64
		if err := rows.Scan(&e.EventID, &e.Type, &payload, &status, &e.RetryCount, &lastAttempt, &enqueued); err != nil {
			return nil, fmt.Errorf("scan sync entry: %w", err)
		}
		e.Payload = []byte(payload)
		e.SyncStatus = domain.SyncStatus(status)
		e.LastAttemptTime = fromMilli(lastAttempt)
		e.EnqueuedAt = fromMilli(enqueued)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
