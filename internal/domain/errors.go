package domain

import "fmt"

// EngineError is the unified error type for the shift engine.
// Each error has a numeric code and human-readable message.
type EngineError struct {
	Code    int
	Message string
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	return fmt.Sprintf("engine error %d: %s", e.Code, e.Message)
}

// Is reports whether target is an EngineError with the same code, so a
// detailed error built with NewEngineError matches its sentinel.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// NewEngineError creates a new EngineError.
func NewEngineError(code int, msg string) *EngineError {
	return &EngineError{Code: code, Message: msg}
}

// WrapEngineError creates an EngineError that includes a cause.
func WrapEngineError(code int, msg string, cause error) *EngineError {
	return &EngineError{Code: code, Message: fmt.Sprintf("%s: %v", msg, cause)}
}

// ---- Workflow / validation errors (-32010 to -32039) ----

var (
	ErrValidationFailed  = &EngineError{Code: -32010, Message: "step validation failed"}
	ErrSystemLocked      = &EngineError{Code: -32011, Message: "system is locked pending administrative reset"}
	ErrWorkflowCompleted = &EngineError{Code: -32012, Message: "workflow already completed"}
	ErrInvalidStep       = &EngineError{Code: -32013, Message: "invalid step value"}
	ErrNotLocked         = &EngineError{Code: -32014, Message: "system is not locked"}
	ErrUnknownRig        = &EngineError{Code: -32015, Message: "rig not found in catalog"}
	ErrNoRigSelected     = &EngineError{Code: -32016, Message: "no rig selected"}
	ErrWrongStep         = &EngineError{Code: -32017, Message: "operation not allowed at the current step"}
	ErrRateLimitExceeded = &EngineError{Code: -32018, Message: "too many attempts, try again later"}
)

// ---- Gate errors (-32040 to -32069) ----

var (
	ErrItemNotFound     = &EngineError{Code: -32040, Message: "checklist item not found"}
	ErrChecklistIndex   = &EngineError{Code: -32041, Message: "checklist index out of range"}
	ErrSafetyUnread     = &EngineError{Code: -32042, Message: "all safety items must be read before confirmation"}
	ErrEmptySignature   = &EngineError{Code: -32043, Message: "signature is empty"}
	ErrInvalidPhotoSlot = &EngineError{Code: -32044, Message: "invalid photo slot"}
	ErrCaptureFailed    = &EngineError{Code: -32045, Message: "photo capture failed"}
	ErrInvalidQuantity  = &EngineError{Code: -32046, Message: "quantity must not be negative"}
)

// ---- Sync errors (-32070 to -32099) ----

var (
	ErrOffline        = &EngineError{Code: -32070, Message: "device is offline"}
	ErrSyncFailed     = &EngineError{Code: -32071, Message: "remote authority rejected event"}
	ErrSyncInProgress = &EngineError{Code: -32072, Message: "sync already in progress"}
	ErrEntryNotFound  = &EngineError{Code: -32073, Message: "sync entry not found"}
	ErrEventNotFound  = &EngineError{Code: -32074, Message: "ledger event not found"}
)

// ---- Ledger / integrity errors (-32100 to -32129) ----

var (
	ErrChainBroken      = &EngineError{Code: -32100, Message: "hash chain is broken"}
	ErrCanonicalization = &EngineError{Code: -32101, Message: "payload canonicalization failed"}
)

// ---- Store / config errors (-32130 to -32159) ----

var (
	ErrStoreInit       = &EngineError{Code: -32130, Message: "failed to initialize store"}
	ErrStoreQuery      = &EngineError{Code: -32131, Message: "store query failed"}
	ErrStoreWrite      = &EngineError{Code: -32132, Message: "store write failed"}
	ErrSchemaMigration = &EngineError{Code: -32133, Message: "schema migration failed"}
	ErrConfigInvalid   = &EngineError{Code: -32136, Message: "invalid configuration"}
	ErrCatalogInvalid  = &EngineError{Code: -32137, Message: "invalid reference catalog"}
)
