//go:build property
// +build property

package lifecycle

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/forfeit-sh/forfeit/pkg/contracts"
)

func statusGen() gopter.Gen {
	return gen.OneConstOf(
		contracts.UnitPending,
		contracts.UnitSubmitted,
		contracts.UnitPassed,
		contracts.UnitFailed,
	)
}

// TestTerminalStatesAreAbsorbing verifies no transition ever leaves a
// terminal state.
func TestTerminalStatesAreAbsorbing(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("no edge leaves a terminal state", prop.ForAll(
		func(from, to contracts.UnitStatus) bool {
			if !from.Terminal() {
				return true
			}
			return !CanTransition(from, to)
		},
		statusGen(), statusGen(),
	))

	properties.Property("ApplyGrade never applies to a terminal unit", prop.ForAll(
		func(current contracts.UnitStatus, passed bool) bool {
			out := ApplyGrade(current, passed)
			if current.Terminal() {
				return !out.Applied && out.Status == current
			}
			// When applied, the result is always terminal and reachable.
			if out.Applied {
				return out.Status.Terminal() && CanTransition(current, out.Status)
			}
			return out.Status == current
		},
		statusGen(), gen.Bool(),
	))

	properties.TestingRun(t)
}

// TestApplyGradeIsIdempotentProperty verifies grading twice equals grading
// once: the second application over the first result never applies.
func TestApplyGradeIsIdempotentProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("second grade is a no-op", prop.ForAll(
		func(current contracts.UnitStatus, first, second bool) bool {
			one := ApplyGrade(current, first)
			if !one.Applied {
				return true
			}
			two := ApplyGrade(one.Status, second)
			return !two.Applied && two.Status == one.Status
		},
		statusGen(), gen.Bool(), gen.Bool(),
	))

	properties.TestingRun(t)
}
