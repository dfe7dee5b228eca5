package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/fieldcrew/rigshift/internal/domain"
)

// EventRepo handles persistence for ledger events. Rows are append-only
// except for sync_status.
type EventRepo struct{}

// Append inserts a ledger event.
func (r *EventRepo) Append(ctx context.Context, db *sql.DB, ev domain.Event) error {
	const q = `INSERT INTO ledger_events (seq, id, device_id, timestamp, event_type, operator_id, rig_id, payload_json, digest, previous_digest, sync_status)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := db.ExecContext(ctx, q,
		ev.Seq,
		ev.ID,
		ev.DeviceID,
		ev.Timestamp,
		ev.Type,
		ev.OperatorID,
		nullInt(ev.RigID),
		string(ev.Payload),
		ev.Digest,
		ev.PreviousDigest,
		string(ev.SyncStatus),
	)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// UpdateSyncStatus changes the sync status of one event. It returns
// ErrEventNotFound when no row matches.
func (r *EventRepo) UpdateSyncStatus(ctx context.Context, db *sql.DB, id string, status domain.SyncStatus) error {
	res, err := db.ExecContext(ctx, `UPDATE ledger_events SET sync_status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("update event status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrEventNotFound
	}
	return nil
}

// List returns events with seq greater than sinceSeq in chain order.
func (r *EventRepo) List(ctx context.Context, db *sql.DB, sinceSeq int64) ([]domain.Event, error) {
	const q = `SELECT seq, id, device_id, timestamp, event_type, operator_id, rig_id, payload_json, digest, previous_digest, sync_status
FROM ledger_events
WHERE seq > ?
ORDER BY seq ASC`

	rows, err := db.QueryContext(ctx, q, sinceSeq)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		var e domain.Event
		var rig sql.NullInt64
		var payload, status string
		if err := rows.Scan(&e.Seq, &e.ID, &e.DeviceID, &e.Timestamp, &e.Type, &e.OperatorID,
			&rig, &payload, &e.Digest, &e.PreviousDigest, &status); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.RigID = intPtr(rig)
		e.Payload = []byte(payload)
		e.SyncStatus = domain.SyncStatus(status)
		events = append(events, e)
	}
	return events, rows.Err()
}
