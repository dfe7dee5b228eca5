package store

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"

	"github.com/fieldcrew/rigshift/internal/domain"
	"github.com/fieldcrew/rigshift/internal/ledger"
	"github.com/fieldcrew/rigshift/internal/syncq"
)

func TestJournal_LedgerSurvivesRestart(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	j := NewJournal(db, "dev-1")
	link := syncq.NewLink(false)

	l := ledger.New(ledger.Options{DeviceID: "dev-1", Link: link, Journal: j, Logger: zerolog.Nop()})
	q := syncq.NewQueue(syncq.Options{Events: l, Link: link, Journal: j, Logger: zerolog.Nop()})

	rig := 1
	for i := 0; i < 3; i++ {
		ev, err := l.Append(ctx, domain.EventStepComplete, map[string]int{"step": i}, "1", &rig)
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		q.Enqueue(ctx, ev.ID, ev.Type, ev.Payload)
	}
	first := l.Events()[0].ID
	q.UpdateSyncStatus(ctx, first, domain.SyncSynced)

	saved, err := j.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(saved.Events) != 3 || len(saved.Entries) != 3 {
		t.Fatalf("loaded %d events, %d entries; want 3 and 3", len(saved.Events), len(saved.Entries))
	}
	if saved.Events[0].SyncStatus != domain.SyncSynced {
		t.Errorf("mirrored status = %q, want synced", saved.Events[0].SyncStatus)
	}

	restored := ledger.New(ledger.Options{DeviceID: "dev-1", Link: link})
	if err := restored.Restore(saved.Events); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if restored.Head() != l.Head() {
		t.Errorf("restored head = %s, want %s", restored.Head(), l.Head())
	}
	var payload map[string]int
	if err := json.Unmarshal(saved.Events[2].Payload, &payload); err != nil || payload["step"] != 2 {
		t.Errorf("payload = %s, err %v", saved.Events[2].Payload, err)
	}
}

func TestJournal_TamperedRowFailsRestore(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	j := NewJournal(db, "dev-1")

	l := ledger.New(ledger.Options{DeviceID: "dev-1", Journal: j})
	for i := 0; i < 3; i++ {
		if _, err := l.Append(ctx, domain.EventShiftToggled, map[string]bool{"active": i%2 == 0}, "1", nil); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if _, err := db.ExecContext(ctx, `UPDATE ledger_events SET payload_json = '{"active":false}' WHERE seq = 1`); err != nil {
		t.Fatalf("tamper: %v", err)
	}

	saved, err := j.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	err = ledger.New(ledger.Options{}).Restore(saved.Events)
	if err == nil {
		t.Fatal("expected integrity error after tampering")
	}
	ie, ok := err.(*ledger.IntegrityError)
	if !ok {
		t.Fatalf("err = %T, want *ledger.IntegrityError", err)
	}
	if ie.Index != 0 {
		t.Errorf("Index = %d, want 0", ie.Index)
	}
}

func TestJournal_StateSnapshotAudit(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	j := NewJournal(db, "dev-1")

	if err := j.SaveState(ctx, domain.ShiftState{DeviceID: "dev-1", CurrentStep: domain.StepInspection}); err != nil {
		t.Fatalf("SaveState: %v", err)
	}
	if err := j.SaveSnapshot(ctx, domain.StepSnapshot{DeviceID: "dev-1", Step: domain.StepInspection, SnapshotJSON: "{}", Checksum: "abc", CreatedAt: 1}); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}
	if err := j.RecordAudit(ctx, domain.AuditRecord{ID: "aud-1", DeviceID: "dev-1", Category: "workflow", Action: "lock", RequestJSON: "{}", DecisionJSON: "{}", Severity: "warning", CreatedAt: 1}); err != nil {
		t.Fatalf("RecordAudit: %v", err)
	}

	saved, err := j.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if saved.Shift == nil || saved.Shift.CurrentStep != domain.StepInspection {
		t.Errorf("Shift = %+v", saved.Shift)
	}
	snap, err := j.LatestSnapshot(ctx, domain.StepInspection)
	if err != nil || snap == nil || snap.Checksum != "abc" {
		t.Errorf("LatestSnapshot = %+v, %v", snap, err)
	}
	audits, err := j.Audits(ctx)
	if err != nil || len(audits) != 1 {
		t.Errorf("Audits = %d, %v", len(audits), err)
	}
}
