// Package lifecycle defines the legal state transitions for a deadline unit
// and for the proof submitted against it. It is pure: durable enforcement of
// these rules lives in the store's conditional updates.
package lifecycle

import (
	"fmt"

	"github.com/forfeit-sh/forfeit/pkg/contracts"
)

// transitions is the unit state machine:
// PENDING -> SUBMITTED -> {PASSED, FAILED}
// PENDING -> FAILED (deadline elapsed with no submission)
// PASSED and FAILED are terminal.
var transitions = map[contracts.UnitStatus][]contracts.UnitStatus{
	contracts.UnitPending:   {contracts.UnitSubmitted, contracts.UnitFailed},
	contracts.UnitSubmitted: {contracts.UnitPassed, contracts.UnitFailed},
}

// CanTransition reports whether from -> to is a legal unit transition.
func CanTransition(from, to contracts.UnitStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition validates and returns the new status, or an error naming the
// illegal edge.
func Transition(from, to contracts.UnitStatus) (contracts.UnitStatus, error) {
	if !CanTransition(from, to) {
		return from, fmt.Errorf("illegal transition %s -> %s", from, to)
	}
	return to, nil
}

// GradeOutcome maps a grading verdict onto the unit state machine.
// Grading is driven by an external collaborator and must be idempotent: a
// repeated callback for an already-terminal unit is a no-op, not an error.
type GradeOutcome struct {
	// Applied is false when the unit was already terminal.
	Applied bool
	Status  contracts.UnitStatus
}

// ApplyGrade computes the effect of a grading verdict on a unit with the
// given current status. passed=true maps to PASSED, else FAILED.
func ApplyGrade(current contracts.UnitStatus, passed bool) GradeOutcome {
	if current.Terminal() {
		return GradeOutcome{Applied: false, Status: current}
	}
	target := contracts.UnitFailed
	if passed {
		target = contracts.UnitPassed
	}
	if !CanTransition(current, target) {
		// PENDING -> PASSED has no edge; grading only applies to submitted
		// units. Treat as not applied so the caller can surface it.
		return GradeOutcome{Applied: false, Status: current}
	}
	return GradeOutcome{Applied: true, Status: target}
}
