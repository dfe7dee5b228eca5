package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/fieldcrew/rigshift/internal/domain"
)

// Journal binds the repos to one database so the ledger, the sync queue and
// the workflow machine can persist through it.
type Journal struct {
	DB       *sql.DB
	DeviceID string

	events    EventRepo
	entries   SyncRepo
	shifts    ShiftRepo
	snapshots SnapshotRepo
	audits    AuditRepo
}

// NewJournal creates a Journal over db.
func NewJournal(db *sql.DB, deviceID string) *Journal {
	return &Journal{DB: db, DeviceID: deviceID}
}

func (j *Journal) AppendEvent(ctx context.Context, ev domain.Event) error {
	return j.events.Append(ctx, j.DB, ev)
}

func (j *Journal) UpdateEventStatus(ctx context.Context, id string, status domain.SyncStatus) error {
	return j.events.UpdateSyncStatus(ctx, j.DB, id, status)
}

func (j *Journal) UpsertEntry(ctx context.Context, e domain.SyncEntry) error {
	return j.entries.Upsert(ctx, j.DB, e)
}

func (j *Journal) DeleteEntry(ctx context.Context, eventID string) error {
	return j.entries.Delete(ctx, j.DB, eventID)
}

func (j *Journal) SaveState(ctx context.Context, s domain.ShiftState) error {
	return j.shifts.Save(ctx, j.DB, s)
}

func (j *Journal) SaveSnapshot(ctx context.Context, s domain.StepSnapshot) error {
	return j.snapshots.Save(ctx, j.DB, s)
}

func (j *Journal) RecordAudit(ctx context.Context, r domain.AuditRecord) error {
	return j.audits.Record(ctx, j.DB, r)
}

// LatestSnapshot returns the newest snapshot taken on entering step.
func (j *Journal) LatestSnapshot(ctx context.Context, step domain.Step) (*domain.StepSnapshot, error) {
	return j.snapshots.GetLatest(ctx, j.DB, j.DeviceID, step)
}

// Audits returns the device's audit trail.
func (j *Journal) Audits(ctx context.Context) ([]domain.AuditRecord, error) {
	return j.audits.List(ctx, j.DB, j.DeviceID)
}

// Saved is everything read back at boot.
type Saved struct {
	Events  []domain.Event
	Entries []domain.SyncEntry
	Shift   *domain.ShiftState
}

// Load reads events, sync entries and the shift state, in that order.
func (j *Journal) Load(ctx context.Context) (Saved, error) {
	var s Saved
	var err error
	if s.Events, err = j.events.List(ctx, j.DB, 0); err != nil {
		return s, domain.WrapEngineError(domain.ErrStoreQuery.Code, "load events", err)
	}
	if s.Entries, err = j.entries.List(ctx, j.DB); err != nil {
		return s, domain.WrapEngineError(domain.ErrStoreQuery.Code, "load sync entries", err)
	}
	if s.Shift, err = j.shifts.Get(ctx, j.DB, j.DeviceID); err != nil {
		return s, fmt.Errorf("load shift state: %w", err)
	}
	return s, nil
}
