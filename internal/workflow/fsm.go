package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fieldcrew/rigshift/internal/catalog"
	"github.com/fieldcrew/rigshift/internal/domain"
	"github.com/fieldcrew/rigshift/internal/gates"
	"github.com/fieldcrew/rigshift/internal/ledger"
	"github.com/fieldcrew/rigshift/internal/metrics"
)

// Incident kinds reported during work.
const (
	IncidentEquipmentFailure = "equipment_failure"
	IncidentSafetyViolation  = "safety_violation"
)

// Inspection photo slots.
const (
	SlotBefore = "before"
	SlotAfter  = "after"
)

// ResetPolicy decides whether Reset clears an active lock.
type ResetPolicy int

const (
	// LockSurvivesReset keeps the machine locked across Reset; only Unlock clears it.
	LockSurvivesReset ResetPolicy = iota
	// ResetClearsLock makes Reset also lift the lock.
	ResetClearsLock
)

// Enqueuer receives events appended while offline.
type Enqueuer interface {
	Enqueue(ctx context.Context, eventID, eventType string, payload json.RawMessage) domain.SyncEntry
}

// IncidentPolicy is consulted for every reported incident and returns true
// when the workflow must lock.
type IncidentPolicy interface {
	Observe(kind string, at time.Time) bool
}

// Journal persists machine state outside the ledger.
type Journal interface {
	SaveState(ctx context.Context, s domain.ShiftState) error
	SaveSnapshot(ctx context.Context, s domain.StepSnapshot) error
	RecordAudit(ctx context.Context, r domain.AuditRecord) error
}

// Options configures a Machine. Catalog, Ledger and Warehouse are required.
type Options struct {
	DeviceID    string
	Catalog     *catalog.Catalog
	Ledger      *ledger.Ledger
	Warehouse   *gates.Warehouse
	Queue       Enqueuer
	Journal     Journal
	Incidents   IncidentPolicy
	Metrics     *metrics.Metrics
	Logger      zerolog.Logger
	ResetPolicy ResetPolicy
	Now         func() time.Time
}

// Machine owns the current step, the lock flag, the gate states and the
// ledger tail. One mutex covers all of them so "check lock, then act" is a
// single critical section.
type Machine struct {
	mu sync.Mutex

	step      domain.Step
	locked    bool
	lastError string

	operatorID   string
	submittedPIN string
	rig          *catalog.Rig
	shiftActive  bool
	shiftStarted time.Time
	finalPhoto   *domain.PhotoRef
	// closureLogged is set once shift_closed is in the ledger for this shift.
	closureLogged bool

	safety      *gates.SafetyGate
	inspection  *gates.InspectionGate
	lubrication *gates.LubricationGate
	warehouse   *gates.Warehouse

	deviceID  string
	catalog   *catalog.Catalog
	ledger    *ledger.Ledger
	queue     Enqueuer
	journal   Journal
	incidents IncidentPolicy
	metrics   *metrics.Metrics
	log       zerolog.Logger
	policy    ResetPolicy
	now       func() time.Time
}

// NewMachine creates a machine at StepAuthorization with fresh gates.
func NewMachine(opts Options) *Machine {
	m := &Machine{
		safety:      gates.NewSafetyGate(opts.Catalog.SafetyItems),
		inspection:  gates.NewInspectionGate(opts.Catalog.InspectionItems),
		lubrication: gates.NewLubricationGate(opts.Catalog.LubricationPoints),
		warehouse:   opts.Warehouse,
		deviceID:    opts.DeviceID,
		catalog:     opts.Catalog,
		ledger:      opts.Ledger,
		queue:       opts.Queue,
		journal:     opts.Journal,
		incidents:   opts.Incidents,
		metrics:     opts.Metrics,
		log:         opts.Logger.With().Str("component", "workflow").Logger(),
		policy:      opts.ResetPolicy,
		now:         opts.Now,
	}
	if m.warehouse == nil {
		m.warehouse = gates.NewWarehouse(opts.Catalog.WarehouseItems)
	}
	if m.now == nil {
		m.now = time.Now
	}
	m.metrics.WorkflowState(m.step, m.locked)
	return m
}

// ---- Navigation ----

// GoToNextStep validates the current step. On success it logs step_complete,
// advances, and snapshots the gate states. On failure it records LastError,
// logs validation_failed and leaves the step unchanged. Validation failures
// are returned in the Result; the error is reserved for lock, completion and
// persistence failures.
func (m *Machine) GoToNextStep(ctx context.Context) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.locked {
		m.lastError = domain.ErrSystemLocked.Message
		return fail(m.lastError), domain.ErrSystemLocked
	}
	if m.step == domain.StepCompleted {
		return fail(domain.ErrWorkflowCompleted.Message), domain.ErrWorkflowCompleted
	}

	from := m.step
	res := Validate(from, m.snapshot())
	if !res.OK {
		m.lastError = res.Error
		m.metrics.ValidationFailed(from)
		m.log.Warn().Str("step", from.String()).Str("error", res.Error).Msg("validation failed")
		if _, err := m.append(ctx, domain.EventValidationFailed, map[string]any{
			"step":  int(from),
			"error": res.Error,
		}); err != nil {
			return res, err
		}
		m.persist(ctx)
		return res, nil
	}

	if from == domain.StepShiftClosure && !m.closureLogged {
		if _, err := m.append(ctx, domain.EventShiftClosed, m.closurePayload()); err != nil {
			return res, err
		}
		m.closureLogged = true
	}

	ev, err := m.append(ctx, domain.EventStepComplete, map[string]any{
		"step":     int(from),
		"nextStep": int(from) + 1,
	})
	if err != nil {
		return res, err
	}

	m.step = from + 1
	m.lastError = ""
	m.log.Info().Str("from", from.String()).Str("to", m.step.String()).Msg("step complete")
	m.saveSnapshot(ctx, ev.Digest)
	m.persist(ctx)

	if from == domain.StepAuthorization {
		if _, err := m.append(ctx, domain.EventOperatorAuthenticated, map[string]string{
			"operatorId": m.operatorID,
			"method":     "pin",
		}); err != nil {
			return res, err
		}
	}
	return res, nil
}

// GoToPreviousStep moves back one step without validation, flooring at 0.
func (m *Machine) GoToPreviousStep(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.locked {
		return domain.ErrSystemLocked
	}
	if m.step > domain.StepAuthorization {
		m.step--
	}
	m.lastError = ""
	m.persist(ctx)
	return nil
}

// Validate evaluates the current step without side effects.
func (m *Machine) Validate() Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locked {
		return fail(domain.ErrSystemLocked.Message)
	}
	return Validate(m.step, m.snapshot())
}

// Reset starts a new shift: step 0 with rig, shift, final photo,
// credentials and gates cleared. The ledger is never cleared. When unlocked
// it first logs new_shift_requested. A locked machine is only reset under
// ResetClearsLock; with LockSurvivesReset it returns ErrSystemLocked and
// nothing changes.
func (m *Machine) Reset(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	wasLocked := m.locked
	if wasLocked && m.policy != ResetClearsLock {
		return domain.ErrSystemLocked
	}
	if !wasLocked {
		if _, err := m.append(ctx, domain.EventNewShiftRequested, nil); err != nil {
			return err
		}
	}

	m.step = domain.StepAuthorization
	m.lastError = ""
	m.operatorID = ""
	m.submittedPIN = ""
	m.rig = nil
	m.shiftActive = false
	m.shiftStarted = time.Time{}
	m.finalPhoto = nil
	m.closureLogged = false
	m.safety.Reset()
	m.inspection.Reset()
	m.lubrication.Reset()

	if wasLocked {
		m.locked = false
		m.ledger.Thaw()
		if _, err := m.append(ctx, domain.EventSystemUnlocked, map[string]string{"by": "reset"}); err != nil {
			return err
		}
	}

	m.audit(ctx, "system", "reset", map[string]any{"was_locked": wasLocked, "locked": m.locked}, "info")
	m.log.Info().Bool("locked", m.locked).Msg("workflow reset")
	m.persist(ctx)
	return nil
}

// Lock appends system_locked and then freezes the step and the ledger.
// Locking an already locked machine is a no-op.
func (m *Machine) Lock(ctx context.Context, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lockLocked(ctx, reason)
}

func (m *Machine) lockLocked(ctx context.Context, reason string) error {
	if m.locked {
		return nil
	}
	_, err := m.append(ctx, domain.EventSystemLocked, map[string]any{
		"reason": reason,
		"step":   int(m.step),
	})
	// The lock holds even when the event could not be recorded.
	m.locked = true
	m.ledger.Freeze()
	m.lastError = domain.ErrSystemLocked.Message

	m.audit(ctx, "system", "lock", map[string]string{"reason": reason}, "warning")
	if err != nil {
		m.log.Error().Err(err).Str("reason", reason).Msg("workflow locked without system_locked event")
	} else {
		m.log.Warn().Str("reason", reason).Str("step", m.step.String()).Msg("workflow locked")
	}
	m.persist(ctx)
	return err
}

// Unlock is the administrative reset of the lock. It logs system_unlocked
// once appends are allowed again.
func (m *Machine) Unlock(ctx context.Context, admin string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.locked {
		return domain.ErrNotLocked
	}
	m.locked = false
	m.lastError = ""
	m.ledger.Thaw()
	if _, err := m.append(ctx, domain.EventSystemUnlocked, map[string]string{"by": admin}); err != nil {
		return err
	}

	m.audit(ctx, admin, "unlock", nil, "warning")
	m.log.Warn().Str("admin", admin).Msg("workflow unlocked")
	m.persist(ctx)
	return nil
}

// ---- Step 0: authorization ----

// Authorize records the submitted credentials and reports whether they
// match the catalog. A mismatch logs auth_failed; a match logs nothing until
// the step is left, when operator_authenticated follows step_complete.
func (m *Machine) Authorize(ctx context.Context, operatorID, pin string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.require(domain.StepAuthorization); err != nil {
		return false, err
	}
	m.operatorID = operatorID
	m.submittedPIN = pin

	op, known := m.catalog.Operator(operatorID)
	if known && operatorID != "" && op.PIN == pin {
		return true, nil
	}
	_, err := m.append(ctx, domain.EventAuthFailed, map[string]int{"pinLength": len(pin)})
	return false, err
}

// ---- Step 1: rig selection ----

// SelectRig selects a rig from the catalog, scopes the lubrication gate to
// its model and logs rig_selected with the stock checks.
func (m *Machine) SelectRig(ctx context.Context, rigID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.require(domain.StepRigSelection); err != nil {
		return err
	}
	rig, ok := m.catalog.Rig(rigID)
	if !ok {
		return domain.NewEngineError(domain.ErrUnknownRig.Code, fmt.Sprintf("rig %d not found", rigID))
	}
	m.rig = &rig
	m.lubrication.Init(rig.ModelID)

	points := m.catalog.PointsForModel(rig.ModelID)
	_, err := m.append(ctx, domain.EventRigSelected, map[string]any{
		"rigId":           rig.ID,
		"rigName":         rig.Name,
		"modelId":         rig.ModelID,
		"stockSufficient": m.warehouse.HasSufficientStock(rig.ModelID),
		"greaseShortages": m.warehouse.GreaseShortages(rig.ModelID, points),
	})
	m.persist(ctx)
	return err
}

// ---- Step 2: safety briefing ----

// MarkSafetyRead marks one briefing item read.
func (m *Machine) MarkSafetyRead(ctx context.Context, itemID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.require(domain.StepSafetyBriefing); err != nil {
		return err
	}
	if err := m.safety.MarkRead(itemID); err != nil {
		return err
	}
	title := ""
	for _, it := range m.safety.State().Items {
		if it.ID == itemID {
			title = it.Title
		}
	}
	_, err := m.append(ctx, domain.EventSafetyItemRead, map[string]string{"itemId": itemID, "title": title})
	return err
}

// ConfirmSafety signs the briefing. It fails with ErrSafetyUnread until every
// item is read and with ErrEmptySignature for an empty signature.
func (m *Machine) ConfirmSafety(ctx context.Context, signature string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.require(domain.StepSafetyBriefing); err != nil {
		return err
	}
	if !m.safety.AllRead() {
		return domain.ErrSafetyUnread
	}
	if signature == "" {
		return domain.ErrEmptySignature
	}
	m.safety.Confirm(signature)
	if _, err := m.append(ctx, domain.EventSafetyConfirmed, map[string]bool{"confirmed": true}); err != nil {
		return err
	}
	_, err := m.append(ctx, domain.EventSignatureCreated, nil)
	return err
}

// ---- Step 3: inspection ----

// ToggleInspection flips one checklist line and returns its new value.
func (m *Machine) ToggleInspection(ctx context.Context, itemID string, index int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.require(domain.StepInspection); err != nil {
		return false, err
	}
	checked, err := m.inspection.Toggle(itemID, index)
	if err != nil {
		return false, err
	}
	_, err = m.append(ctx, domain.EventInspectionItemChecked, map[string]any{
		"itemId":         itemID,
		"checklistIndex": index,
		"checked":        checked,
	})
	return checked, err
}

// SetInspectionPhoto attaches a before or after photo to an inspection item.
func (m *Machine) SetInspectionPhoto(ctx context.Context, itemID, slot string, ref domain.PhotoRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.require(domain.StepInspection); err != nil {
		return err
	}
	if ref.Empty() {
		return domain.ErrCaptureFailed
	}
	var err error
	switch slot {
	case SlotBefore:
		err = m.inspection.SetPhotoBefore(itemID, ref)
	case SlotAfter:
		err = m.inspection.SetPhotoAfter(itemID, ref)
	default:
		return domain.NewEngineError(domain.ErrInvalidPhotoSlot.Code, fmt.Sprintf("unknown slot %q", slot))
	}
	if err != nil {
		return err
	}
	_, err = m.append(ctx, domain.EventPhotoCaptured, map[string]string{
		"type":   "inspection_" + slot,
		"itemId": itemID,
		"ref":    ref.Ref,
	})
	return err
}

// ---- Step 4: lubrication ----

// SetLubricationPhoto completes a lubrication point.
func (m *Machine) SetLubricationPhoto(ctx context.Context, pointID string, ref domain.PhotoRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.require(domain.StepLubrication); err != nil {
		return err
	}
	if ref.Empty() {
		return domain.ErrCaptureFailed
	}
	if err := m.lubrication.SetPhoto(pointID, ref); err != nil {
		return err
	}
	_, err := m.append(ctx, domain.EventPhotoCaptured, map[string]string{
		"type":   "lubrication",
		"itemId": pointID,
		"ref":    ref.Ref,
	})
	return err
}

// ---- Step 5: work ----

// ToggleShift starts or stops the shift and returns the new state. Stopping
// reports the elapsed seconds.
func (m *Machine) ToggleShift(ctx context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.require(domain.StepWorkInProgress); err != nil {
		return false, err
	}
	now := m.now()
	duration := 0
	if m.shiftActive {
		duration = int(now.Sub(m.shiftStarted).Seconds())
		m.shiftStarted = time.Time{}
	} else {
		m.shiftStarted = now
	}
	m.shiftActive = !m.shiftActive

	_, err := m.append(ctx, domain.EventShiftToggled, map[string]any{
		"active":   m.shiftActive,
		"duration": duration,
	})
	m.persist(ctx)
	return m.shiftActive, err
}

// ReportIncident logs incident_reported. If the incident policy trips, the
// machine locks in the same critical section and reports true, together with
// any error recording the lock.
func (m *Machine) ReportIncident(ctx context.Context, kind string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.require(domain.StepWorkInProgress); err != nil {
		return false, err
	}
	if kind != IncidentEquipmentFailure && kind != IncidentSafetyViolation {
		return false, domain.NewEngineError(domain.ErrValidationFailed.Code, fmt.Sprintf("unknown incident type %q", kind))
	}
	if _, err := m.append(ctx, domain.EventIncidentReported, map[string]string{"type": kind}); err != nil {
		return false, err
	}
	m.audit(ctx, m.operatorID, "incident_"+kind, nil, "warning")

	if m.incidents != nil && m.incidents.Observe(kind, m.now()) {
		return true, m.lockLocked(ctx, "incident threshold reached: "+kind)
	}
	return false, nil
}

// ---- Step 6: closure ----

// SetFinalPhoto attaches the final equipment photo.
func (m *Machine) SetFinalPhoto(ctx context.Context, ref domain.PhotoRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.require(domain.StepShiftClosure); err != nil {
		return err
	}
	if ref.Empty() {
		return domain.ErrCaptureFailed
	}
	m.finalPhoto = &ref
	_, err := m.append(ctx, domain.EventPhotoCaptured, map[string]string{"type": "final", "ref": ref.Ref})
	return err
}

// ---- Inventory ----

// ConsumeStock draws down a warehouse item at any step and logs stock_consumed.
func (m *Machine) ConsumeStock(ctx context.Context, itemID string, amount float64) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.locked {
		return 0, domain.ErrSystemLocked
	}
	remaining, err := m.warehouse.Consume(itemID, amount)
	if err != nil {
		return 0, err
	}
	_, err = m.append(ctx, domain.EventStockConsumed, map[string]any{
		"itemId":    itemID,
		"amount":    amount,
		"remaining": remaining,
	})
	return remaining, err
}

// AdjustStock overwrites a warehouse quantity after a stock count and logs
// stock_adjusted.
func (m *Machine) AdjustStock(ctx context.Context, itemID string, quantity float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.locked {
		return domain.ErrSystemLocked
	}
	if quantity < 0 {
		return domain.ErrInvalidQuantity
	}
	if err := m.warehouse.SetQuantity(itemID, quantity); err != nil {
		return err
	}
	_, err := m.append(ctx, domain.EventStockAdjusted, map[string]any{
		"itemId":   itemID,
		"quantity": quantity,
	})
	return err
}

// ---- Queries ----

// State returns the externally visible step, lock and last error.
func (m *Machine) State() domain.WorkflowState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return domain.WorkflowState{CurrentStep: m.step, Locked: m.locked, LastError: m.lastError}
}

// View is the full read model served to clients.
type View struct {
	domain.WorkflowState
	StepName         string                        `json:"step_name"`
	OperatorID       string                        `json:"operator_id,omitempty"`
	Rig              *catalog.Rig                  `json:"rig,omitempty"`
	ShiftActive      bool                          `json:"shift_active"`
	FinalPhoto       *domain.PhotoRef              `json:"final_photo,omitempty"`
	Safety           gates.SafetyState             `json:"safety"`
	SafetyRead       int                           `json:"safety_read_pct"`
	SafetyUnread     []gates.SafetyItemState       `json:"safety_unread"`
	Inspection       []gates.InspectionItemState   `json:"inspection"`
	InspectionPct    int                           `json:"inspection_pct"`
	Lubrication      []gates.LubricationPointState `json:"lubrication"`
	LubricationPct   int                           `json:"lubrication_pct"`
	GreaseRequired   float64                       `json:"grease_required"`
	GreaseUsed       float64                       `json:"grease_used"`
	VerificationCode string                        `json:"verification_code"`
	Validation       Result                        `json:"validation"`
}

// View returns a consistent copy of the machine and gate states.
func (m *Machine) View() View {
	m.mu.Lock()
	defer m.mu.Unlock()

	v := View{
		WorkflowState:    domain.WorkflowState{CurrentStep: m.step, Locked: m.locked, LastError: m.lastError},
		StepName:         m.step.String(),
		OperatorID:       m.operatorID,
		ShiftActive:      m.shiftActive,
		Safety:           m.safety.State(),
		SafetyRead:       m.safety.ReadPercentage(),
		SafetyUnread:     m.safety.Unread(),
		Inspection:       m.inspection.Items(),
		InspectionPct:    m.inspection.CompletionPercentage(),
		Lubrication:      m.lubrication.Points(),
		LubricationPct:   m.lubrication.CompletionPercentage(),
		GreaseRequired:   m.lubrication.TotalGreaseRequired(),
		GreaseUsed:       m.lubrication.TotalGreaseUsed(),
		VerificationCode: m.ledger.VerificationCode(),
	}
	if m.rig != nil {
		r := *m.rig
		v.Rig = &r
	}
	if m.finalPhoto != nil {
		p := *m.finalPhoto
		v.FinalPhoto = &p
	}
	if m.locked {
		v.Validation = fail(domain.ErrSystemLocked.Message)
	} else {
		v.Validation = Validate(m.step, m.snapshot())
	}
	return v
}

// Restore applies a persisted ShiftState. Gate progress is not persisted, so
// gates restart empty; the lubrication gate is rescoped to the restored rig.
func (m *Machine) Restore(s domain.ShiftState) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.step = s.CurrentStep
	m.locked = s.Locked
	m.lastError = s.LastError
	m.operatorID = s.OperatorID
	m.shiftActive = s.ShiftActive
	m.rig = nil
	if s.RigID != nil {
		if rig, ok := m.catalog.Rig(*s.RigID); ok {
			m.rig = &rig
			m.lubrication.Init(rig.ModelID)
		}
	}
	if m.shiftActive {
		m.shiftStarted = m.now()
	}
	if m.locked {
		m.ledger.Freeze()
	} else {
		m.ledger.Thaw()
	}
	m.metrics.WorkflowState(m.step, m.locked)
	m.log.Info().Str("step", m.step.String()).Bool("locked", m.locked).Msg("workflow restored")
}

// ---- internals; callers hold m.mu ----

// require rejects mutations while locked or outside the given step.
func (m *Machine) require(step domain.Step) error {
	if m.locked {
		return domain.ErrSystemLocked
	}
	if m.step != step {
		return domain.NewEngineError(domain.ErrWrongStep.Code,
			fmt.Sprintf("operation requires step %s, current step is %s", step, m.step))
	}
	return nil
}

// append logs one event and enqueues it for sync if it was recorded offline.
func (m *Machine) append(ctx context.Context, eventType string, payload any) (domain.Event, error) {
	var rigID *int
	if m.rig != nil {
		id := m.rig.ID
		rigID = &id
	}
	ev, err := m.ledger.Append(ctx, eventType, payload, m.operatorID, rigID)
	if err != nil {
		return ev, err
	}
	if ev.SyncStatus == domain.SyncPending && m.queue != nil {
		m.queue.Enqueue(ctx, ev.ID, ev.Type, ev.Payload)
	}
	return ev, nil
}

func (m *Machine) snapshot() Snapshot {
	s := Snapshot{
		OperatorID:            m.operatorID,
		SubmittedPIN:          m.submittedPIN,
		SafetyAllRead:         m.safety.AllRead(),
		SafetyConfirmed:       m.safety.State().Confirmed,
		SignaturePresent:      m.safety.Signature() != "",
		InspectionComplete:    m.inspection.IsComplete(),
		InspectionIncomplete:  m.inspection.Incomplete(),
		LubricationComplete:   m.lubrication.IsComplete(),
		LubricationIncomplete: m.lubrication.Incomplete(),
		ShiftActive:           m.shiftActive,
		FinalPhoto:            m.finalPhoto != nil,
	}
	if op, ok := m.catalog.Operator(m.operatorID); ok {
		s.OperatorKnown = true
		s.StoredPIN = op.PIN
	}
	if m.rig != nil {
		s.RigSelected = true
		s.RigModelID = m.rig.ModelID
		s.StockSufficient = m.warehouse.HasSufficientStock(m.rig.ModelID)
		for _, it := range m.warehouse.Shortages(m.rig.ModelID) {
			s.Shortages = append(s.Shortages, it.Name)
		}
	}
	return s
}

func (m *Machine) closurePayload() map[string]string {
	operator := m.operatorID
	if op, ok := m.catalog.Operator(m.operatorID); ok && op.Name != "" {
		operator = op.Name
	}
	rig := "none"
	if m.rig != nil {
		rig = m.rig.Name
	}
	return map[string]string{"operator": operator, "rig": rig}
}

// saveSnapshot stores the gate states reached at the new step with the
// digest of its step_complete event as checksum.
func (m *Machine) saveSnapshot(ctx context.Context, digest string) {
	if m.journal == nil {
		return
	}
	body, err := json.Marshal(map[string]any{
		"safety":      m.safety.State(),
		"inspection":  m.inspection.Items(),
		"lubrication": m.lubrication.Points(),
		"shiftActive": m.shiftActive,
		"finalPhoto":  m.finalPhoto,
	})
	if err != nil {
		m.log.Error().Err(err).Msg("marshal step snapshot")
		return
	}
	snap := domain.StepSnapshot{
		DeviceID:     m.deviceID,
		Step:         m.step,
		SnapshotJSON: string(body),
		Checksum:     digest,
		CreatedAt:    m.now().Unix(),
	}
	if err := m.journal.SaveSnapshot(ctx, snap); err != nil {
		m.log.Warn().Err(err).Msg("save step snapshot")
	}
}

// persist writes the shift state and refreshes the gauges.
func (m *Machine) persist(ctx context.Context) {
	m.metrics.WorkflowState(m.step, m.locked)
	if m.journal == nil {
		return
	}
	s := domain.ShiftState{
		DeviceID:      m.deviceID,
		CurrentStep:   m.step,
		Locked:        m.locked,
		LastError:     m.lastError,
		OperatorID:    m.operatorID,
		ShiftActive:   m.shiftActive,
		UpdatedAtUnix: m.now().Unix(),
	}
	if m.rig != nil {
		id := m.rig.ID
		s.RigID = &id
	}
	if err := m.journal.SaveState(ctx, s); err != nil {
		m.log.Warn().Err(err).Msg("persist shift state")
	}
}

func (m *Machine) audit(ctx context.Context, actor, action string, request any, severity string) {
	if m.journal == nil {
		return
	}
	req := "{}"
	if request != nil {
		if b, err := json.Marshal(request); err == nil {
			req = string(b)
		}
	}
	decision, _ := json.Marshal(map[string]any{"step": int(m.step), "locked": m.locked})
	rec := domain.AuditRecord{
		ID:           "aud-" + uuid.Must(uuid.NewV7()).String(),
		DeviceID:     m.deviceID,
		Category:     "workflow",
		Actor:        actor,
		Action:       action,
		RequestJSON:  req,
		DecisionJSON: string(decision),
		Severity:     severity,
		CreatedAt:    m.now().Unix(),
	}
	if err := m.journal.RecordAudit(ctx, rec); err != nil {
		m.log.Warn().Err(err).Str("action", action).Msg("record audit")
	}
}
