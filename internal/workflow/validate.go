// Package workflow implements the seven-step shift state machine with its
// lock overlay.
package workflow

import (
	"fmt"
	"strings"

	"github.com/fieldcrew/rigshift/internal/domain"
)

// Snapshot is an immutable view of everything step validation reads. It is
// built under the machine lock and passed by value.
type Snapshot struct {
	OperatorID    string
	SubmittedPIN  string
	StoredPIN     string
	OperatorKnown bool

	RigSelected     bool
	RigModelID      string
	StockSufficient bool
	Shortages       []string

	SafetyAllRead    bool
	SafetyConfirmed  bool
	SignaturePresent bool

	InspectionComplete   bool
	InspectionIncomplete []string

	LubricationComplete   bool
	LubricationIncomplete []string

	ShiftActive bool
	FinalPhoto  bool
}

// Result is the outcome of validating one step.
type Result struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

func pass() Result { return Result{OK: true} }

func fail(msg string) Result { return Result{Error: msg} }

func failf(format string, args ...any) Result {
	return Result{Error: fmt.Sprintf(format, args...)}
}

// Validator decides whether the workflow may leave a step.
type Validator func(s Snapshot) Result

// validators maps each gated step to its exit predicate.
var validators = map[domain.Step]Validator{
	domain.StepAuthorization:  validateAuthorization,
	domain.StepRigSelection:   validateRigSelection,
	domain.StepSafetyBriefing: validateSafetyBriefing,
	domain.StepInspection:     validateInspection,
	domain.StepLubrication:    validateLubrication,
	domain.StepWorkInProgress: validateWorkInProgress,
	domain.StepShiftClosure:   validateShiftClosure,
}

// Validate runs the predicate for step. Steps without a predicate fail.
func Validate(step domain.Step, s Snapshot) Result {
	v, ok := validators[step]
	if !ok {
		return failf("no exit from step %s", step)
	}
	return v(s)
}

func validateAuthorization(s Snapshot) Result {
	switch {
	case s.OperatorID == "":
		return fail("operator id is required")
	case !s.OperatorKnown:
		return failf("unknown operator %q", s.OperatorID)
	case s.SubmittedPIN != s.StoredPIN:
		return fail("invalid PIN")
	}
	return pass()
}

func validateRigSelection(s Snapshot) Result {
	switch {
	case !s.RigSelected:
		return fail("a rig must be selected to continue")
	case !s.StockSufficient:
		return failf("work blocked by insufficient warehouse stock for %s: %s",
			s.RigModelID, strings.Join(s.Shortages, ", "))
	}
	return pass()
}

func validateSafetyBriefing(s Snapshot) Result {
	switch {
	case !s.SafetyAllRead:
		return fail("all safety briefing items must be read")
	case !s.SafetyConfirmed:
		return fail("the safety briefing must be confirmed")
	case !s.SignaturePresent:
		return fail("an electronic signature is required")
	}
	return pass()
}

func validateInspection(s Snapshot) Result {
	if !s.InspectionComplete {
		return failf("inspection incomplete: %s", strings.Join(s.InspectionIncomplete, ", "))
	}
	return pass()
}

func validateLubrication(s Snapshot) Result {
	if !s.LubricationComplete {
		if len(s.LubricationIncomplete) == 0 {
			return fail("lubrication has not been initialized for the selected rig")
		}
		return failf("lubrication incomplete: %s", strings.Join(s.LubricationIncomplete, ", "))
	}
	return pass()
}

func validateWorkInProgress(s Snapshot) Result {
	if !s.ShiftActive {
		return fail("the shift must be started before it can be closed")
	}
	return pass()
}

func validateShiftClosure(s Snapshot) Result {
	if !s.FinalPhoto {
		return fail("a final equipment photo is required")
	}
	return pass()
}
