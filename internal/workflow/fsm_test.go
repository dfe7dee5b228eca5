package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fieldcrew/rigshift/internal/catalog"
	"github.com/fieldcrew/rigshift/internal/domain"
	"github.com/fieldcrew/rigshift/internal/gates"
	"github.com/fieldcrew/rigshift/internal/hashchain"
	"github.com/fieldcrew/rigshift/internal/ledger"
	"github.com/fieldcrew/rigshift/internal/syncq"
)

type memJournal struct {
	mu        sync.Mutex
	states    []domain.ShiftState
	snapshots []domain.StepSnapshot
	audits    []domain.AuditRecord
}

func (j *memJournal) SaveState(_ context.Context, s domain.ShiftState) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.states = append(j.states, s)
	return nil
}

func (j *memJournal) SaveSnapshot(_ context.Context, s domain.StepSnapshot) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.snapshots = append(j.snapshots, s)
	return nil
}

func (j *memJournal) RecordAudit(_ context.Context, r domain.AuditRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.audits = append(j.audits, r)
	return nil
}

type countingQueue struct {
	ids []string
}

func (q *countingQueue) Enqueue(_ context.Context, id, typ string, _ json.RawMessage) domain.SyncEntry {
	q.ids = append(q.ids, id)
	return domain.SyncEntry{EventID: id, Type: typ, SyncStatus: domain.SyncPending}
}

type thresholdPolicy struct {
	kind  string
	limit int
	seen  int
}

func (p *thresholdPolicy) Observe(kind string, _ time.Time) bool {
	if kind != p.kind {
		return false
	}
	p.seen++
	return p.seen >= p.limit
}

// flakyLedgerJournal fails the next `failures` appends of events of type failType.
type flakyLedgerJournal struct {
	failType string
	failures int
}

func (j *flakyLedgerJournal) AppendEvent(_ context.Context, ev domain.Event) error {
	if ev.Type == j.failType && j.failures > 0 {
		j.failures--
		return errors.New("disk full")
	}
	return nil
}

func (j *flakyLedgerJournal) UpdateEventStatus(context.Context, string, domain.SyncStatus) error {
	return nil
}

func withLedgerJournal(j ledger.Journal) func(*Options) {
	return func(o *Options) {
		o.Ledger = ledger.New(ledger.Options{DeviceID: "dev-test", Journal: j})
	}
}

type fixture struct {
	m       *Machine
	ledger  *ledger.Ledger
	link    *syncq.Link
	queue   *countingQueue
	journal *memJournal
	cat     *catalog.Catalog
}

func newFixture(t *testing.T, mutate func(*Options)) *fixture {
	t.Helper()
	cat, err := catalog.Default()
	if err != nil {
		t.Fatalf("catalog.Default: %v", err)
	}
	f := &fixture{
		link:    syncq.NewLink(true),
		queue:   &countingQueue{},
		journal: &memJournal{},
		cat:     cat,
	}
	f.ledger = ledger.New(ledger.Options{DeviceID: "dev-test", Link: f.link})
	opts := Options{
		DeviceID:  "dev-test",
		Catalog:   cat,
		Ledger:    f.ledger,
		Warehouse: gates.NewWarehouse(cat.WarehouseItems),
		Queue:     f.queue,
		Journal:   f.journal,
	}
	if mutate != nil {
		mutate(&opts)
	}
	f.ledger = opts.Ledger
	f.m = NewMachine(opts)
	return f
}

func photo(name string) domain.PhotoRef {
	return domain.PhotoRef{Ref: "file://" + name + ".jpg", Timestamp: time.Now(), SizeBytes: 1024}
}

func (f *fixture) advance(t *testing.T, want domain.Step) {
	t.Helper()
	res, err := f.m.GoToNextStep(context.Background())
	if err != nil {
		t.Fatalf("GoToNextStep: %v", err)
	}
	if !res.OK {
		t.Fatalf("GoToNextStep rejected: %s", res.Error)
	}
	if got := f.m.State().CurrentStep; got != want {
		t.Fatalf("step = %s, want %s", got, want)
	}
}

// walkTo drives the machine through every gate with rig 1 until it reaches target.
func (f *fixture) walkTo(t *testing.T, target domain.Step) {
	t.Helper()
	ctx := context.Background()
	for f.m.State().CurrentStep < target {
		switch f.m.State().CurrentStep {
		case domain.StepAuthorization:
			if ok, err := f.m.Authorize(ctx, "1", "1234"); err != nil || !ok {
				t.Fatalf("Authorize = %v, %v", ok, err)
			}
		case domain.StepRigSelection:
			if err := f.m.SelectRig(ctx, 1); err != nil {
				t.Fatalf("SelectRig: %v", err)
			}
		case domain.StepSafetyBriefing:
			for _, it := range f.cat.SafetyItems {
				if err := f.m.MarkSafetyRead(ctx, it.ID); err != nil {
					t.Fatalf("MarkSafetyRead: %v", err)
				}
			}
			if err := f.m.ConfirmSafety(ctx, "sig-data"); err != nil {
				t.Fatalf("ConfirmSafety: %v", err)
			}
		case domain.StepInspection:
			for _, it := range f.cat.InspectionItems {
				for i := range it.Checklist {
					if _, err := f.m.ToggleInspection(ctx, it.ID, i); err != nil {
						t.Fatalf("ToggleInspection: %v", err)
					}
				}
				if err := f.m.SetInspectionPhoto(ctx, it.ID, SlotBefore, photo(it.ID+"-before")); err != nil {
					t.Fatalf("before photo: %v", err)
				}
				if err := f.m.SetInspectionPhoto(ctx, it.ID, SlotAfter, photo(it.ID+"-after")); err != nil {
					t.Fatalf("after photo: %v", err)
				}
			}
		case domain.StepLubrication:
			for _, p := range f.cat.PointsForModel("PVE-50PR") {
				if err := f.m.SetLubricationPhoto(ctx, p.ID, photo(p.ID)); err != nil {
					t.Fatalf("SetLubricationPhoto: %v", err)
				}
			}
		case domain.StepWorkInProgress:
			if active, err := f.m.ToggleShift(ctx); err != nil || !active {
				t.Fatalf("ToggleShift = %v, %v", active, err)
			}
		case domain.StepShiftClosure:
			if err := f.m.SetFinalPhoto(ctx, photo("final")); err != nil {
				t.Fatalf("SetFinalPhoto: %v", err)
			}
		}
		f.advance(t, f.m.State().CurrentStep+1)
	}
}

func eventTypes(l *ledger.Ledger) []string {
	var out []string
	for _, ev := range l.Events() {
		out = append(out, ev.Type)
	}
	return out
}

func countType(l *ledger.Ledger, typ string) int {
	n := 0
	for _, ev := range l.Events() {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func TestMachine_InitialState(t *testing.T) {
	f := newFixture(t, nil)
	st := f.m.State()
	if st.CurrentStep != domain.StepAuthorization {
		t.Errorf("CurrentStep = %s, want authorization", st.CurrentStep)
	}
	if st.Locked {
		t.Error("new machine should not be locked")
	}
	if f.ledger.Len() != 0 {
		t.Errorf("ledger len = %d, want 0", f.ledger.Len())
	}
}

func TestMachine_AuthorizationGate(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	res, err := f.m.GoToNextStep(ctx)
	if err != nil {
		t.Fatalf("GoToNextStep: %v", err)
	}
	if res.OK || res.Error != "operator id is required" {
		t.Errorf("result = %+v, want operator id failure", res)
	}
	if f.m.State().LastError != res.Error {
		t.Errorf("LastError = %q, want %q", f.m.State().LastError, res.Error)
	}

	ok, err := f.m.Authorize(ctx, "1", "0000")
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if ok {
		t.Error("wrong PIN accepted")
	}
	res, _ = f.m.GoToNextStep(ctx)
	if res.OK || res.Error != "invalid PIN" {
		t.Errorf("result = %+v, want invalid PIN", res)
	}

	ok, _ = f.m.Authorize(ctx, "99", "1234")
	if ok {
		t.Error("unknown operator accepted")
	}
	res, _ = f.m.GoToNextStep(ctx)
	if res.OK {
		t.Error("unknown operator passed validation")
	}

	f.m.Authorize(ctx, "1", "1234")
	f.advance(t, domain.StepRigSelection)

	if got := countType(f.ledger, domain.EventOperatorAuthenticated); got != 1 {
		t.Errorf("operator_authenticated events = %d, want 1", got)
	}
	if got := countType(f.ledger, domain.EventAuthFailed); got != 2 {
		t.Errorf("auth_failed events = %d, want 2", got)
	}
	if got := countType(f.ledger, domain.EventValidationFailed); got != 3 {
		t.Errorf("validation_failed events = %d, want 3", got)
	}
	if f.m.State().LastError != "" {
		t.Errorf("LastError should clear on success, got %q", f.m.State().LastError)
	}
}

func TestMachine_FirstAdvanceLinksToGenesis(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	ok, err := f.m.Authorize(ctx, "1", "1234")
	if err != nil || !ok {
		t.Fatalf("Authorize = %v, %v", ok, err)
	}
	if f.ledger.Len() != 0 {
		t.Fatalf("ledger len = %d before leaving step 0, want 0", f.ledger.Len())
	}
	f.advance(t, domain.StepRigSelection)

	evs := f.ledger.Events()
	if len(evs) != 2 {
		t.Fatalf("events = %v, want step_complete and operator_authenticated", eventTypes(f.ledger))
	}
	if evs[0].Type != domain.EventStepComplete || evs[0].PreviousDigest != hashchain.Genesis {
		t.Errorf("first event = %s prev %s, want step_complete linked to genesis", evs[0].Type, evs[0].PreviousDigest)
	}
	if string(evs[0].Payload) != `{"nextStep":1,"step":0}` {
		t.Errorf("step_complete payload = %s", evs[0].Payload)
	}
	if evs[1].Type != domain.EventOperatorAuthenticated || evs[1].PreviousDigest != evs[0].Digest {
		t.Errorf("second event = %s, want operator_authenticated chained to step_complete", evs[1].Type)
	}
	if string(evs[1].Payload) != `{"method":"pin","operatorId":"1"}` {
		t.Errorf("operator_authenticated payload = %s", evs[1].Payload)
	}
	if !f.ledger.Verify() {
		t.Error("chain should verify")
	}
}

func TestMachine_FullShift(t *testing.T) {
	f := newFixture(t, nil)
	f.walkTo(t, domain.StepCompleted)

	if got := countType(f.ledger, domain.EventStepComplete); got != 7 {
		t.Errorf("step_complete events = %d, want 7", got)
	}
	if got := countType(f.ledger, domain.EventShiftClosed); got != 1 {
		t.Errorf("shift_closed events = %d, want 1", got)
	}
	types := eventTypes(f.ledger)
	if types[len(types)-2] != domain.EventShiftClosed || types[len(types)-1] != domain.EventStepComplete {
		t.Errorf("closing events = %v, want shift_closed then step_complete", types[len(types)-2:])
	}
	if !f.ledger.Verify() {
		t.Error("chain should verify after a full shift")
	}
	if len(f.journal.snapshots) != 7 {
		t.Errorf("snapshots = %d, want 7", len(f.journal.snapshots))
	}
	last := f.journal.snapshots[len(f.journal.snapshots)-1]
	if last.Step != domain.StepCompleted || last.Checksum != f.ledger.Head() {
		t.Errorf("last snapshot = step %s checksum %s, want completed at head", last.Step, last.Checksum)
	}

	_, err := f.m.GoToNextStep(context.Background())
	if !errors.Is(err, domain.ErrWorkflowCompleted) {
		t.Errorf("GoToNextStep at completed: err = %v, want ErrWorkflowCompleted", err)
	}
}

func TestMachine_WrongStepRejected(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	if err := f.m.SelectRig(ctx, 1); !errors.Is(err, domain.ErrWrongStep) {
		t.Errorf("SelectRig at step 0: err = %v, want ErrWrongStep", err)
	}
	if err := f.m.SetFinalPhoto(ctx, photo("x")); !errors.Is(err, domain.ErrWrongStep) {
		t.Errorf("SetFinalPhoto at step 0: err = %v, want ErrWrongStep", err)
	}
	if _, err := f.m.ToggleShift(ctx); !errors.Is(err, domain.ErrWrongStep) {
		t.Errorf("ToggleShift at step 0: err = %v, want ErrWrongStep", err)
	}
}

func TestMachine_RigSelection(t *testing.T) {
	f := newFixture(t, nil)
	f.walkTo(t, domain.StepRigSelection)
	ctx := context.Background()

	if err := f.m.SelectRig(ctx, 42); !errors.Is(err, domain.ErrUnknownRig) {
		t.Errorf("SelectRig(42): err = %v, want ErrUnknownRig", err)
	}
	res, _ := f.m.GoToNextStep(ctx)
	if res.OK || res.Error != "a rig must be selected to continue" {
		t.Errorf("result = %+v, want rig required", res)
	}

	if err := f.m.SelectRig(ctx, 1); err != nil {
		t.Fatalf("SelectRig: %v", err)
	}
	v := f.m.View()
	if v.Rig == nil || v.Rig.ModelID != "PVE-50PR" {
		t.Fatalf("View().Rig = %+v, want PVE-50PR", v.Rig)
	}
	if len(v.Lubrication) != len(f.cat.PointsForModel("PVE-50PR")) {
		t.Errorf("lubrication points = %d, want model scope", len(v.Lubrication))
	}
	ev := f.ledger.Events()[f.ledger.Len()-1]
	if ev.Type != domain.EventRigSelected || ev.RigID == nil || *ev.RigID != 1 {
		t.Errorf("last event = %s rig %v, want rig_selected for rig 1", ev.Type, ev.RigID)
	}
}

func TestMachine_StockBlocksRigSelection(t *testing.T) {
	f := newFixture(t, nil)
	f.walkTo(t, domain.StepRigSelection)
	ctx := context.Background()

	if _, err := f.m.ConsumeStock(ctx, "grease_pve", 4); err != nil {
		t.Fatalf("ConsumeStock: %v", err)
	}
	if err := f.m.SelectRig(ctx, 1); err != nil {
		t.Fatalf("SelectRig: %v", err)
	}
	res, _ := f.m.GoToNextStep(ctx)
	if res.OK {
		t.Fatal("expected stock shortage to block the step")
	}
	want := "work blocked by insufficient warehouse stock for PVE-50PR: SuperLube grease"
	if res.Error != want {
		t.Errorf("Error = %q, want %q", res.Error, want)
	}
	if f.m.State().CurrentStep != domain.StepRigSelection {
		t.Errorf("step moved to %s", f.m.State().CurrentStep)
	}
}

func TestMachine_SafetyConfirmation(t *testing.T) {
	f := newFixture(t, nil)
	f.walkTo(t, domain.StepSafetyBriefing)
	ctx := context.Background()

	if got := len(f.m.View().SafetyUnread); got != len(f.cat.SafetyItems) {
		t.Errorf("unread items = %d, want %d", got, len(f.cat.SafetyItems))
	}
	if err := f.m.ConfirmSafety(ctx, "sig"); !errors.Is(err, domain.ErrSafetyUnread) {
		t.Errorf("ConfirmSafety before reading: err = %v, want ErrSafetyUnread", err)
	}
	if err := f.m.MarkSafetyRead(ctx, "nope"); !errors.Is(err, domain.ErrItemNotFound) {
		t.Errorf("MarkSafetyRead(nope): err = %v, want ErrItemNotFound", err)
	}
	for _, it := range f.cat.SafetyItems {
		f.m.MarkSafetyRead(ctx, it.ID)
	}
	if got := f.m.View().SafetyUnread; len(got) != 0 {
		t.Errorf("unread items after reading all = %v", got)
	}
	if err := f.m.ConfirmSafety(ctx, ""); !errors.Is(err, domain.ErrEmptySignature) {
		t.Errorf("ConfirmSafety(\"\"): err = %v, want ErrEmptySignature", err)
	}
	res, _ := f.m.GoToNextStep(ctx)
	if res.OK {
		t.Error("unconfirmed briefing passed")
	}
	if err := f.m.ConfirmSafety(ctx, "sig"); err != nil {
		t.Fatalf("ConfirmSafety: %v", err)
	}
	f.advance(t, domain.StepInspection)
	if got := countType(f.ledger, domain.EventSignatureCreated); got != 1 {
		t.Errorf("signature_created events = %d, want 1", got)
	}
}

func TestMachine_InspectionUncheckReopensItem(t *testing.T) {
	f := newFixture(t, nil)
	f.walkTo(t, domain.StepInspection)
	ctx := context.Background()

	for _, it := range f.cat.InspectionItems {
		for i := range it.Checklist {
			f.m.ToggleInspection(ctx, it.ID, i)
		}
		f.m.SetInspectionPhoto(ctx, it.ID, SlotBefore, photo("b"))
		f.m.SetInspectionPhoto(ctx, it.ID, SlotAfter, photo("a"))
	}
	if !f.m.Validate().OK {
		t.Fatal("inspection should be complete")
	}

	checked, err := f.m.ToggleInspection(ctx, "tracks", 0)
	if err != nil || checked {
		t.Fatalf("ToggleInspection = %v, %v; want unchecked", checked, err)
	}
	res, _ := f.m.GoToNextStep(ctx)
	if res.OK || res.Error != "inspection incomplete: Tracks" {
		t.Errorf("result = %+v, want Tracks incomplete", res)
	}
	if _, err := f.m.ToggleInspection(ctx, "tracks", 9); !errors.Is(err, domain.ErrChecklistIndex) {
		t.Errorf("ToggleInspection out of range: err = %v, want ErrChecklistIndex", err)
	}
	if err := f.m.SetInspectionPhoto(ctx, "tracks", "sideways", photo("x")); !errors.Is(err, domain.ErrInvalidPhotoSlot) {
		t.Errorf("bad slot: err = %v, want ErrInvalidPhotoSlot", err)
	}
	if err := f.m.SetInspectionPhoto(ctx, "tracks", SlotBefore, domain.PhotoRef{}); !errors.Is(err, domain.ErrCaptureFailed) {
		t.Errorf("empty photo: err = %v, want ErrCaptureFailed", err)
	}
}

func TestMachine_OptionalLubricationPointBlocksStep(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		for i := range o.Catalog.LubricationPoints {
			if o.Catalog.LubricationPoints[i].ID == "rotary" {
				o.Catalog.LubricationPoints[i].Required = false
			}
		}
	})
	f.walkTo(t, domain.StepLubrication)
	ctx := context.Background()

	if err := f.m.SetLubricationPhoto(ctx, "winch", photo("winch")); err != nil {
		t.Fatalf("SetLubricationPhoto: %v", err)
	}
	res, err := f.m.GoToNextStep(ctx)
	if err != nil {
		t.Fatalf("GoToNextStep: %v", err)
	}
	if res.OK || res.Error != "lubrication incomplete: Rotary head" {
		t.Errorf("result = %+v, want rotary head incomplete", res)
	}
	if f.m.State().CurrentStep != domain.StepLubrication {
		t.Fatalf("step moved to %s", f.m.State().CurrentStep)
	}

	if err := f.m.SetLubricationPhoto(ctx, "rotary", photo("rotary")); err != nil {
		t.Fatalf("SetLubricationPhoto: %v", err)
	}
	f.advance(t, domain.StepWorkInProgress)
}

func TestMachine_GoToPreviousStep(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	if err := f.m.GoToPreviousStep(ctx); err != nil {
		t.Fatalf("GoToPreviousStep at 0: %v", err)
	}
	if f.m.State().CurrentStep != domain.StepAuthorization {
		t.Errorf("step = %s, want authorization", f.m.State().CurrentStep)
	}

	f.walkTo(t, domain.StepSafetyBriefing)
	before := f.ledger.Len()
	if err := f.m.GoToPreviousStep(ctx); err != nil {
		t.Fatalf("GoToPreviousStep: %v", err)
	}
	if f.m.State().CurrentStep != domain.StepRigSelection {
		t.Errorf("step = %s, want rig_selection", f.m.State().CurrentStep)
	}
	if f.ledger.Len() != before {
		t.Error("going back should not log an event")
	}
}

func TestMachine_LockFreezesEverything(t *testing.T) {
	f := newFixture(t, nil)
	f.walkTo(t, domain.StepSafetyBriefing)
	ctx := context.Background()

	if err := f.m.Lock(ctx, "admin request"); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	n := f.ledger.Len()
	if f.ledger.Events()[n-1].Type != domain.EventSystemLocked {
		t.Errorf("last event = %s, want system_locked", f.ledger.Events()[n-1].Type)
	}

	if _, err := f.m.GoToNextStep(ctx); !errors.Is(err, domain.ErrSystemLocked) {
		t.Errorf("GoToNextStep: err = %v, want ErrSystemLocked", err)
	}
	if err := f.m.GoToPreviousStep(ctx); !errors.Is(err, domain.ErrSystemLocked) {
		t.Errorf("GoToPreviousStep: err = %v, want ErrSystemLocked", err)
	}
	if err := f.m.MarkSafetyRead(ctx, "safety1"); !errors.Is(err, domain.ErrSystemLocked) {
		t.Errorf("MarkSafetyRead: err = %v, want ErrSystemLocked", err)
	}
	if _, err := f.m.ConsumeStock(ctx, "grease_pve", 1); !errors.Is(err, domain.ErrSystemLocked) {
		t.Errorf("ConsumeStock: err = %v, want ErrSystemLocked", err)
	}
	if f.ledger.Len() != n {
		t.Errorf("ledger grew while locked: %d -> %d", n, f.ledger.Len())
	}
	if st := f.m.State(); st.CurrentStep != domain.StepSafetyBriefing || st.LastError == "" {
		t.Errorf("state = %+v, want step held with lock error", st)
	}
	if f.m.Validate().OK {
		t.Error("Validate should fail while locked")
	}

	if err := f.m.Lock(ctx, "again"); err != nil {
		t.Errorf("second Lock: %v", err)
	}
	if err := f.m.Unlock(ctx, "admin"); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	if err := f.m.Unlock(ctx, "admin"); !errors.Is(err, domain.ErrNotLocked) {
		t.Errorf("second Unlock: err = %v, want ErrNotLocked", err)
	}
	if got := f.ledger.Events()[f.ledger.Len()-1].Type; got != domain.EventSystemUnlocked {
		t.Errorf("last event = %s, want system_unlocked", got)
	}
	if err := f.m.MarkSafetyRead(ctx, "safety1"); err != nil {
		t.Errorf("MarkSafetyRead after unlock: %v", err)
	}
	if len(f.journal.audits) < 2 {
		t.Errorf("audits = %d, want lock and unlock recorded", len(f.journal.audits))
	}
}

func TestMachine_ResetKeepsLedger(t *testing.T) {
	f := newFixture(t, nil)
	f.walkTo(t, domain.StepLubrication)
	ctx := context.Background()
	before := f.ledger.Len()

	if err := f.m.Reset(ctx); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	v := f.m.View()
	if v.CurrentStep != domain.StepAuthorization || v.Rig != nil || v.OperatorID != "" {
		t.Errorf("after reset: step %s rig %v operator %q", v.CurrentStep, v.Rig, v.OperatorID)
	}
	if v.Safety.Confirmed || v.SafetyRead != 0 {
		t.Error("safety gate should be cleared")
	}
	if f.ledger.Len() != before+1 {
		t.Errorf("ledger len = %d, want %d", f.ledger.Len(), before+1)
	}
	if got := f.ledger.Events()[before].Type; got != domain.EventNewShiftRequested {
		t.Errorf("reset event = %s, want new_shift_requested", got)
	}
	if !f.ledger.Verify() {
		t.Error("chain should verify after reset")
	}
}

func TestMachine_ResetPolicy(t *testing.T) {
	tests := []struct {
		name       string
		policy     ResetPolicy
		wantErr    error
		wantLocked bool
		wantStep   domain.Step
	}{
		{"lock survives", LockSurvivesReset, domain.ErrSystemLocked, true, domain.StepRigSelection},
		{"reset clears lock", ResetClearsLock, nil, false, domain.StepAuthorization},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, func(o *Options) { o.ResetPolicy = tc.policy })
			ctx := context.Background()
			f.walkTo(t, domain.StepRigSelection)
			if err := f.m.Lock(ctx, "test"); err != nil {
				t.Fatalf("Lock: %v", err)
			}
			before := f.m.State()

			err := f.m.Reset(ctx)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("Reset: err = %v, want %v", err, tc.wantErr)
			}
			st := f.m.State()
			if st.Locked != tc.wantLocked {
				t.Errorf("Locked = %v, want %v", st.Locked, tc.wantLocked)
			}
			if st.CurrentStep != tc.wantStep {
				t.Errorf("step = %s, want %s", st.CurrentStep, tc.wantStep)
			}
			if tc.wantLocked && st != before {
				t.Errorf("rejected reset changed state: %+v -> %+v", before, st)
			}
			if f.ledger.Frozen() != tc.wantLocked {
				t.Errorf("ledger frozen = %v, want %v", f.ledger.Frozen(), tc.wantLocked)
			}
		})
	}
}

func TestMachine_LockHoldsWhenEventCannotBeStored(t *testing.T) {
	lj := &flakyLedgerJournal{failType: domain.EventSystemLocked, failures: 1}
	f := newFixture(t, withLedgerJournal(lj))
	f.walkTo(t, domain.StepInspection)
	ctx := context.Background()

	err := f.m.Lock(ctx, "safety")
	if !errors.Is(err, domain.ErrStoreWrite) {
		t.Fatalf("Lock: err = %v, want ErrStoreWrite", err)
	}
	if !f.m.State().Locked || !f.ledger.Frozen() {
		t.Fatalf("locked = %v frozen = %v, want both", f.m.State().Locked, f.ledger.Frozen())
	}
	if _, err := f.m.GoToNextStep(ctx); !errors.Is(err, domain.ErrSystemLocked) {
		t.Errorf("GoToNextStep: err = %v, want ErrSystemLocked", err)
	}
	last := f.journal.audits[len(f.journal.audits)-1]
	if last.Action != "lock" {
		t.Errorf("last audit = %s, want lock", last.Action)
	}
	if st := f.journal.states[len(f.journal.states)-1]; !st.Locked {
		t.Error("persisted state should be locked")
	}
}

func TestMachine_IncidentLockHoldsWhenEventCannotBeStored(t *testing.T) {
	lj := &flakyLedgerJournal{failType: domain.EventSystemLocked, failures: 1}
	policy := &thresholdPolicy{kind: IncidentSafetyViolation, limit: 1}
	f := newFixture(t, func(o *Options) {
		withLedgerJournal(lj)(o)
		o.Incidents = policy
	})
	f.walkTo(t, domain.StepWorkInProgress)

	locked, err := f.m.ReportIncident(context.Background(), IncidentSafetyViolation)
	if !errors.Is(err, domain.ErrStoreWrite) {
		t.Errorf("ReportIncident: err = %v, want ErrStoreWrite", err)
	}
	if !locked || !f.m.State().Locked {
		t.Fatalf("locked = %v state = %+v, want locked", locked, f.m.State())
	}
}

func TestMachine_IncidentLocksAtThreshold(t *testing.T) {
	policy := &thresholdPolicy{kind: IncidentSafetyViolation, limit: 2}
	f := newFixture(t, func(o *Options) { o.Incidents = policy })
	f.walkTo(t, domain.StepWorkInProgress)
	ctx := context.Background()

	if _, err := f.m.ReportIncident(ctx, "meteor"); err == nil {
		t.Error("unknown incident type accepted")
	}
	locked, err := f.m.ReportIncident(ctx, IncidentEquipmentFailure)
	if err != nil || locked {
		t.Fatalf("equipment failure = %v, %v", locked, err)
	}
	locked, _ = f.m.ReportIncident(ctx, IncidentSafetyViolation)
	if locked {
		t.Fatal("locked after first violation")
	}
	locked, err = f.m.ReportIncident(ctx, IncidentSafetyViolation)
	if err != nil {
		t.Fatalf("ReportIncident: %v", err)
	}
	if !locked || !f.m.State().Locked {
		t.Fatal("second violation should lock")
	}
	types := eventTypes(f.ledger)
	if types[len(types)-2] != domain.EventIncidentReported || types[len(types)-1] != domain.EventSystemLocked {
		t.Errorf("tail = %v, want incident_reported then system_locked", types[len(types)-2:])
	}
}

func TestMachine_ClosureRetryLogsShiftClosedOnce(t *testing.T) {
	lj := &flakyLedgerJournal{failType: domain.EventStepComplete}
	f := newFixture(t, withLedgerJournal(lj))
	f.walkTo(t, domain.StepShiftClosure)
	ctx := context.Background()

	if err := f.m.SetFinalPhoto(ctx, photo("final")); err != nil {
		t.Fatalf("SetFinalPhoto: %v", err)
	}
	lj.failures = 1
	if _, err := f.m.GoToNextStep(ctx); !errors.Is(err, domain.ErrStoreWrite) {
		t.Fatalf("GoToNextStep: err = %v, want ErrStoreWrite", err)
	}
	if f.m.State().CurrentStep != domain.StepShiftClosure {
		t.Fatalf("step = %s, want shift_closure", f.m.State().CurrentStep)
	}

	f.advance(t, domain.StepCompleted)
	if got := countType(f.ledger, domain.EventShiftClosed); got != 1 {
		t.Errorf("shift_closed events = %d, want 1", got)
	}
	types := eventTypes(f.ledger)
	if types[len(types)-2] != domain.EventShiftClosed || types[len(types)-1] != domain.EventStepComplete {
		t.Errorf("closing events = %v, want shift_closed then step_complete", types[len(types)-2:])
	}
}

func TestMachine_AdjustStock(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	if err := f.m.AdjustStock(ctx, "grease_pve", -1); !errors.Is(err, domain.ErrInvalidQuantity) {
		t.Errorf("negative quantity: err = %v, want ErrInvalidQuantity", err)
	}
	if err := f.m.AdjustStock(ctx, "unobtainium", 1); !errors.Is(err, domain.ErrItemNotFound) {
		t.Errorf("unknown item: err = %v, want ErrItemNotFound", err)
	}
	if err := f.m.AdjustStock(ctx, "grease_pve", 12.5); err != nil {
		t.Fatalf("AdjustStock: %v", err)
	}
	ev := f.ledger.Events()[f.ledger.Len()-1]
	if ev.Type != domain.EventStockAdjusted || string(ev.Payload) != `{"itemId":"grease_pve","quantity":12.5}` {
		t.Errorf("last event = %s %s", ev.Type, ev.Payload)
	}

	f.m.Lock(ctx, "audit")
	if err := f.m.AdjustStock(ctx, "grease_pve", 3); !errors.Is(err, domain.ErrSystemLocked) {
		t.Errorf("AdjustStock while locked: err = %v, want ErrSystemLocked", err)
	}
}

func TestMachine_ToggleShiftDuration(t *testing.T) {
	now := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	f := newFixture(t, func(o *Options) { o.Now = func() time.Time { return now } })
	f.walkTo(t, domain.StepWorkInProgress)
	ctx := context.Background()

	res, _ := f.m.GoToNextStep(ctx)
	if res.OK {
		t.Fatal("closing an unstarted shift should fail")
	}
	f.m.ToggleShift(ctx)
	now = now.Add(90 * time.Minute)
	active, err := f.m.ToggleShift(ctx)
	if err != nil || active {
		t.Fatalf("ToggleShift = %v, %v; want stopped", active, err)
	}
	ev := f.ledger.Events()[f.ledger.Len()-1]
	if string(ev.Payload) != `{"active":false,"duration":5400}` {
		t.Errorf("payload = %s", ev.Payload)
	}
}

func TestMachine_OfflineEventsAreQueued(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.m.Authorize(ctx, "1", "1234")
	if len(f.queue.ids) != 0 {
		t.Fatalf("online append should not enqueue, got %d", len(f.queue.ids))
	}
	f.link.SetOnline(false)
	f.advance(t, domain.StepRigSelection)
	f.m.SelectRig(ctx, 1)

	// step_complete, operator_authenticated, rig_selected
	if len(f.queue.ids) != 3 {
		t.Fatalf("queued = %d, want 3", len(f.queue.ids))
	}
	pending := f.ledger.PendingEvents()
	if len(pending) != 3 || pending[0].ID != f.queue.ids[0] {
		t.Errorf("pending events do not match queue: %v vs %v", pending, f.queue.ids)
	}
}

func TestMachine_Restore(t *testing.T) {
	f := newFixture(t, nil)
	rig := 3
	f.m.Restore(domain.ShiftState{
		CurrentStep: domain.StepLubrication,
		Locked:      true,
		LastError:   "locked",
		OperatorID:  "1",
		RigID:       &rig,
	})
	v := f.m.View()
	if v.CurrentStep != domain.StepLubrication || !v.Locked {
		t.Errorf("state = %+v", v.WorkflowState)
	}
	if v.Rig == nil || v.Rig.ModelID != "LIEBH-LRH100" {
		t.Fatalf("rig = %+v", v.Rig)
	}
	if len(v.Lubrication) != 3 {
		t.Errorf("lubrication points = %d, want 3", len(v.Lubrication))
	}
	if !f.ledger.Frozen() {
		t.Error("restored lock should freeze the ledger")
	}
}

func TestMachine_PersistsState(t *testing.T) {
	f := newFixture(t, nil)
	f.walkTo(t, domain.StepSafetyBriefing)
	if len(f.journal.states) == 0 {
		t.Fatal("no state persisted")
	}
	last := f.journal.states[len(f.journal.states)-1]
	if last.CurrentStep != domain.StepSafetyBriefing || last.RigID == nil || *last.RigID != 1 {
		t.Errorf("last state = %+v", last)
	}
	if last.DeviceID != "dev-test" {
		t.Errorf("DeviceID = %q", last.DeviceID)
	}
}
