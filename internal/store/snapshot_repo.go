package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/fieldcrew/rigshift/internal/domain"
)

// SnapshotRepo handles persistence for StepSnapshot records.
type SnapshotRepo struct{}

// Save inserts a step snapshot.
func (r *SnapshotRepo) Save(ctx context.Context, db *sql.DB, snap domain.StepSnapshot) error {
	const q = `INSERT INTO step_snapshots (device_id, step, snapshot_json, checksum, created_at)
VALUES (?, ?, ?, ?, ?)`
	_, err := db.ExecContext(ctx, q,
		snap.DeviceID,
		int(snap.Step),
		snap.SnapshotJSON,
		snap.Checksum,
		snap.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// GetLatest returns the most recent snapshot for a device and step.
// Returns nil if no snapshot exists.
func (r *SnapshotRepo) GetLatest(ctx context.Context, db *sql.DB, deviceID string, step domain.Step) (*domain.StepSnapshot, error) {
	const q = `SELECT id, device_id, step, snapshot_json, checksum, created_at
FROM step_snapshots
WHERE device_id = ? AND step = ?
ORDER BY id DESC
LIMIT 1`

	row := db.QueryRowContext(ctx, q, deviceID, int(step))

	var s domain.StepSnapshot
	var st int
	err := row.Scan(&s.ID, &s.DeviceID, &st, &s.SnapshotJSON, &s.Checksum, &s.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get latest snapshot: %w", err)
	}
	s.Step = domain.Step(st)
	return &s, nil
}
