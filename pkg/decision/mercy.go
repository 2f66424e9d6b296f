// Package decision evaluates failed deadline units: it records exactly one
// consequence per (unit, stake kind) and applies the probabilistic mercy
// gate that decides whether the penalty actually fires.
package decision

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/forfeit-sh/forfeit/pkg/contracts"
)

// mercyDie is the number of faces on the mercy roll. Outcome 0 executes the
// penalty; anything else spares it, for an expected 1-in-3 execution rate.
const mercyDie = 3

// Roller supplies the random draw for the mercy gate. Injectable so tests
// can force either outcome deterministically.
type Roller interface {
	// Roll returns a uniformly distributed integer in [0, n).
	Roll(n int64) (int64, error)
}

// CryptoRoller draws from crypto/rand. rand.Int is rejection-sampled, so
// the distribution is uniform and auditable over large samples.
type CryptoRoller struct{}

func (CryptoRoller) Roll(n int64) (int64, error) {
	v, err := rand.Int(rand.Reader, big.NewInt(n))
	if err != nil {
		return 0, fmt.Errorf("mercy roll failed: %w", err)
	}
	return v.Int64(), nil
}

// RollMercy draws the mercy gate once and maps the result to an outcome.
func RollMercy(r Roller) (contracts.MercyOutcome, error) {
	v, err := r.Roll(mercyDie)
	if err != nil {
		return "", err
	}
	if v == 0 {
		return contracts.MercyExecuted, nil
	}
	return contracts.MercySpared, nil
}
