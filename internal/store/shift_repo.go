package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/fieldcrew/rigshift/internal/domain"
)

// ShiftRepo handles persistence for the single ShiftState row per device.
type ShiftRepo struct{}

// Save writes the device's shift state, replacing any previous row.
func (r *ShiftRepo) Save(ctx context.Context, db *sql.DB, s domain.ShiftState) error {
	const q = `INSERT INTO shift_state (device_id, current_step, locked, last_error, operator_id, rig_id, shift_active, updated_at_unix)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(device_id) DO UPDATE SET
	current_step = excluded.current_step,
	locked = excluded.locked,
	last_error = excluded.last_error,
	operator_id = excluded.operator_id,
	rig_id = excluded.rig_id,
	shift_active = excluded.shift_active,
	updated_at_unix = excluded.updated_at_unix`
	_, err := db.ExecContext(ctx, q,
		s.DeviceID,
		int(s.CurrentStep),
		s.Locked,
		s.LastError,
		s.OperatorID,
		nullInt(s.RigID),
		s.ShiftActive,
		s.UpdatedAtUnix,
	)
	if err != nil {
		return fmt.Errorf("save shift state: %w", err)
	}
	return nil
}

// Get returns the device's shift state, or nil if none was saved.
func (r *ShiftRepo) Get(ctx context.Context, db *sql.DB, deviceID string) (*domain.ShiftState, error) {
	const q = `SELECT device_id, current_step, locked, last_error, operator_id, rig_id, shift_active, updated_at_unix
FROM shift_state WHERE device_id = ?`

	var s domain.ShiftState
	var step int
	var rig sql.NullInt64
	err := db.QueryRowContext(ctx, q, deviceID).Scan(&s.DeviceID, &step, &s.Locked, &s.LastError,
		&s.OperatorID, &rig, &s.ShiftActive, &s.UpdatedAtUnix)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get shift state: %w", err)
	}
	s.CurrentStep = domain.Step(step)
	if !s.CurrentStep.Valid() {
		return nil, domain.NewEngineError(domain.ErrInvalidStep.Code, fmt.Sprintf("stored step %d out of range", step))
	}
	s.RigID = intPtr(rig)
	return &s, nil
}
