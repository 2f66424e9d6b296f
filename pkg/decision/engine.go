package decision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/forfeit-sh/forfeit/pkg/contracts"
	"github.com/forfeit-sh/forfeit/pkg/store"
)

// Engine turns a failed deadline unit into consequence records, one per
// stake. The insert into the consequence store is the linchpin: the unique
// constraint on (deadline_unit_id, stake_kind) makes concurrent evaluations
// of the same unit collapse to exactly one record per stake, so the engine
// itself needs no locking and is safe to run from any number of instances.
type Engine struct {
	consequences store.ConsequenceStore
	roller       Roller
	logger       *slog.Logger
	now          func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithRoller overrides the randomness source for the mercy gate.
func WithRoller(r Roller) Option {
	return func(e *Engine) { e.roller = r }
}

// WithClock overrides the engine's clock.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func NewEngine(consequences store.ConsequenceStore, opts ...Option) *Engine {
	e := &Engine{
		consequences: consequences,
		roller:       CryptoRoller{},
		logger:       slog.Default().With("component", "decision"),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate records one consequence per stake on a failed unit. Returns the
// records this call created; stakes already handled by an earlier or
// concurrent evaluation are skipped without error. The mercy roll is drawn
// before the insert so outcome and record land in a single write.
func (e *Engine) Evaluate(ctx context.Context, unit *contracts.DeadlineUnit) ([]*contracts.ConsequenceRecord, error) {
	if unit.Status != contracts.UnitFailed {
		return nil, fmt.Errorf("unit %s is %s, not %s", unit.ID, unit.Status, contracts.UnitFailed)
	}

	var created []*contracts.ConsequenceRecord
	for i := range unit.Stakes {
		stake := unit.Stakes[i]
		if err := stake.Validate(); err != nil {
			e.logger.WarnContext(ctx, "skipping invalid stake",
				"unit_id", unit.ID, "stake_kind", stake.Kind, "error", err)
			continue
		}

		outcome, err := RollMercy(e.roller)
		if err != nil {
			return created, err
		}

		rec := &contracts.ConsequenceRecord{
			ID:               uuid.NewString(),
			OwnerID:          unit.OwnerID,
			DeadlineUnitID:   unit.ID,
			StakeKind:        stake.Kind,
			Stake:            stake,
			TriggeredAt:      e.now().UTC(),
			MercyRollOutcome: outcome,
		}
		if outcome == contracts.MercySpared {
			// Spared records never reach a collaborator; they are closed
			// immediately and flow straight to the notification queue.
			rec.ExecutionStatus = contracts.ExecutionCompleted
			rec.ExecutionDetails = contracts.ExecutionDetails{Triggered: false}
		} else {
			rec.ExecutionStatus = contracts.ExecutionPending
			rec.ExecutionDetails = contracts.ExecutionDetails{Triggered: true}
		}

		if err := e.consequences.InsertConsequence(ctx, rec); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				// Expected contention: another instance already handled this
				// stake. Not an error.
				e.logger.DebugContext(ctx, "consequence already recorded",
					"unit_id", unit.ID, "stake_kind", stake.Kind)
				continue
			}
			return created, fmt.Errorf("failed to record consequence for unit %s: %w", unit.ID, err)
		}

		e.logger.InfoContext(ctx, "consequence recorded",
			"unit_id", unit.ID, "owner_id", unit.OwnerID,
			"stake_kind", stake.Kind, "mercy", outcome)
		created = append(created, rec)
	}
	return created, nil
}
