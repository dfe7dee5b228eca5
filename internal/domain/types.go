// Package domain defines the core types for the rig shift workflow.
package domain

import (
	"encoding/json"
	"time"
)

// Step identifies a workflow step. Steps 0-6 are gated; StepCompleted is terminal.
type Step int

const (
	StepAuthorization Step = iota
	StepRigSelection
	StepSafetyBriefing
	StepInspection
	StepLubrication
	StepWorkInProgress
	StepShiftClosure
	StepCompleted
)

var stepNames = [...]string{
	"authorization",
	"rig_selection",
	"safety_briefing",
	"inspection",
	"lubrication",
	"work_in_progress",
	"shift_closure",
	"completed",
}

// String returns the snake_case step name.
func (s Step) String() string {
	if !s.Valid() {
		return "unknown"
	}
	return stepNames[s]
}

// Valid reports whether s is within [StepAuthorization, StepCompleted].
func (s Step) Valid() bool {
	return s >= StepAuthorization && s <= StepCompleted
}

// SyncStatus is the delivery state of a ledger event.
type SyncStatus string

const (
	SyncPending SyncStatus = "pending"
	SyncSyncing SyncStatus = "syncing"
	SyncSynced  SyncStatus = "synced"
	SyncFailed  SyncStatus = "failed"
)

// Event types written to the ledger.
const (
	EventStepComplete          = "step_complete"
	EventValidationFailed      = "validation_failed"
	EventNewShiftRequested     = "new_shift_requested"
	EventSystemLocked          = "system_locked"
	EventSystemUnlocked        = "system_unlocked"
	EventOperatorAuthenticated = "operator_authenticated"
	EventAuthFailed            = "auth_failed"
	EventRigSelected           = "rig_selected"
	EventSafetyItemRead        = "safety_item_read"
	EventSafetyConfirmed       = "safety_confirmed"
	EventSignatureCreated      = "signature_created"
	EventInspectionItemChecked = "inspection_item_checked"
	EventPhotoCaptured         = "photo_captured"
	EventShiftToggled          = "shift_toggled"
	EventIncidentReported      = "incident_reported"
	EventShiftClosed           = "shift_closed"
	EventStockConsumed         = "stock_consumed"
	EventStockAdjusted         = "stock_adjusted"
)

// Event is one immutable, hash-chained ledger entry. Only SyncStatus may
// change after append.
type Event struct {
	Seq            int64           `json:"seq"`
	ID             string          `json:"id"`
	Timestamp      string          `json:"timestamp"`
	Type           string          `json:"type"`
	OperatorID     string          `json:"operator_id"`
	RigID          *int            `json:"rig_id"`
	Payload        json.RawMessage `json:"payload"`
	Digest         string          `json:"digest"`
	PreviousDigest string          `json:"previous_digest"`
	SyncStatus     SyncStatus      `json:"sync_status"`
	DeviceID       string          `json:"device_id"`
}

// Outbound returns the wire form sent to the remote authority.
func (e Event) Outbound() OutboundEvent {
	return OutboundEvent{
		ID:             e.ID,
		Timestamp:      e.Timestamp,
		Type:           e.Type,
		OperatorID:     e.OperatorID,
		RigID:          e.RigID,
		Payload:        e.Payload,
		Digest:         e.Digest,
		PreviousDigest: e.PreviousDigest,
		DeviceID:       e.DeviceID,
	}
}

// OutboundEvent is the logical event schema delivered to the remote authority.
type OutboundEvent struct {
	ID             string          `json:"id"`
	Timestamp      string          `json:"timestamp"`
	Type           string          `json:"type"`
	OperatorID     string          `json:"operatorId"`
	RigID          *int            `json:"rigId"`
	Payload        json.RawMessage `json:"payload"`
	Digest         string          `json:"digest"`
	PreviousDigest string          `json:"previousDigest"`
	DeviceID       string          `json:"deviceId"`
}

// WorkflowState is the externally visible state of the step machine.
type WorkflowState struct {
	CurrentStep Step   `json:"current_step"`
	Locked      bool   `json:"locked"`
	LastError   string `json:"last_error,omitempty"`
}

// ShiftState is the persisted form of the machine between restarts.
type ShiftState struct {
	DeviceID      string `json:"device_id"`
	CurrentStep   Step   `json:"current_step"`
	Locked        bool   `json:"locked"`
	LastError     string `json:"last_error"`
	OperatorID    string `json:"operator_id"`
	RigID         *int   `json:"rig_id"`
	ShiftActive   bool   `json:"shift_active"`
	UpdatedAtUnix int64  `json:"updated_at_unix"`
}

// SyncEntry is the sync queue's shadow of a ledger event.
type SyncEntry struct {
	EventID         string          `json:"event_id"`
	Type            string          `json:"type"`
	Payload         json.RawMessage `json:"payload"`
	SyncStatus      SyncStatus      `json:"sync_status"`
	RetryCount      int             `json:"retry_count"`
	LastAttemptTime time.Time       `json:"last_attempt_time"`
	EnqueuedAt      time.Time       `json:"enqueued_at"`
}

// PhotoRef is the reference returned by a capture collaborator.
type PhotoRef struct {
	Ref       string    `json:"ref"`
	Timestamp time.Time `json:"timestamp"`
	SizeBytes int64     `json:"size_bytes"`
}

// Empty reports whether the reference carries no photo.
func (p PhotoRef) Empty() bool {
	return p.Ref == ""
}

// Operator is a person allowed to run a shift.
type Operator struct {
	ID   string `json:"id" yaml:"id"`
	Name string `json:"name" yaml:"name"`
	PIN  string `json:"-" yaml:"pin"`
}

// StepSnapshot captures gate states at a step boundary.
type StepSnapshot struct {
	ID           int64  `json:"id"`
	DeviceID     string `json:"device_id"`
	Step         Step   `json:"step"`
	SnapshotJSON string `json:"snapshot_json"`
	Checksum     string `json:"checksum"`
	CreatedAt    int64  `json:"created_at"`
}

// AuditRecord logs administrative and safety actions outside the ledger.
type AuditRecord struct {
	ID           string `json:"id"`
	DeviceID     string `json:"device_id"`
	Category     string `json:"category"`
	Actor        string `json:"actor"`
	Action       string `json:"action"`
	RequestJSON  string `json:"request_json"`
	DecisionJSON string `json:"decision_json"`
	Severity     string `json:"severity"`
	CreatedAt    int64  `json:"created_at"`
}
