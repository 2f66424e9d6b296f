package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/forfeit-sh/forfeit/pkg/contracts"
	"github.com/forfeit-sh/forfeit/pkg/decision"
	"github.com/forfeit-sh/forfeit/pkg/notify"
	"github.com/forfeit-sh/forfeit/pkg/store"
)

// ErrDeadlinePassed is returned when proof arrives for a unit that already
// left the pending state.
var ErrDeadlinePassed = errors.New("unit no longer accepts submissions")

// ErrNotGradeable is returned when a grading verdict arrives for a unit
// with no submission awaiting a grade.
var ErrNotGradeable = errors.New("unit has no gradeable submission")

// Service is the grading ingress: it records proof submissions and applies
// grading verdicts from the external grading collaborator. A failed grade
// feeds the same decision pipeline as a missed deadline.
type Service struct {
	units       store.UnitStore
	submissions store.SubmissionStore
	engine      *decision.Engine
	push        notify.PushChannel
	logger      *slog.Logger
	now         func() time.Time
}

func NewService(units store.UnitStore, submissions store.SubmissionStore, engine *decision.Engine, push notify.PushChannel) *Service {
	return &Service{
		units:       units,
		submissions: submissions,
		engine:      engine,
		push:        push,
		logger:      slog.Default().With("component", "lifecycle"),
		now:         time.Now,
	}
}

// WithClock overrides the service clock. Test hook.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// RecordSubmission stores proof against a unit and moves a pending unit to
// SUBMITTED. Further submissions against an already-submitted unit are
// allowed; grading considers the most recent one.
func (s *Service) RecordSubmission(ctx context.Context, unitID, ownerID string, typ contracts.SubmissionType, contentRef string) (*contracts.Submission, error) {
	now := s.now().UTC()
	unit, err := s.units.GetUnit(ctx, unitID)
	if err != nil {
		return nil, fmt.Errorf("failed to load unit %s: %w", unitID, err)
	}
	if unit.Status.Terminal() {
		return nil, ErrDeadlinePassed
	}
	if unit.Status == contracts.UnitPending {
		ok, err := s.units.MarkSubmitted(ctx, unitID, now)
		if err != nil {
			return nil, fmt.Errorf("failed to mark unit %s submitted: %w", unitID, err)
		}
		if !ok {
			// Lost the race against the monitor's overdue resolution.
			return nil, ErrDeadlinePassed
		}
	}

	sub := &contracts.Submission{
		ID:             uuid.NewString(),
		DeadlineUnitID: unitID,
		OwnerID:        ownerID,
		Type:           typ,
		ContentRef:     contentRef,
		Status:         contracts.SubmissionPending,
		SubmittedAt:    now,
	}
	if err := s.submissions.CreateSubmission(ctx, sub); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "submission recorded", "unit_id", unitID, "submission_id", sub.ID)
	return sub, nil
}

// ApplyGradeCallback applies the grading collaborator's verdict to the
// unit's most recent submission. Idempotent: a repeated callback for an
// already-terminal unit is a no-op, not an error. A failed verdict runs the
// decision engine over the unit's stakes.
func (s *Service) ApplyGradeCallback(ctx context.Context, unitID string, passed bool) error {
	now := s.now().UTC()
	unit, err := s.units.GetUnit(ctx, unitID)
	if err != nil {
		return fmt.Errorf("failed to load unit %s: %w", unitID, err)
	}

	outcome := ApplyGrade(unit.Status, passed)
	if !outcome.Applied {
		if unit.Status.Terminal() {
			s.logger.DebugContext(ctx, "repeated grading callback ignored", "unit_id", unitID)
			return nil
		}
		return fmt.Errorf("unit %s is %s: %w", unitID, unit.Status, ErrNotGradeable)
	}

	sub, err := s.submissions.LatestForUnit(ctx, unitID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("failed to load latest submission for unit %s: %w", unitID, err)
	}
	if sub != nil {
		subStatus := contracts.SubmissionFailed
		if passed {
			subStatus = contracts.SubmissionPassed
		}
		if _, err := s.submissions.GradeSubmission(ctx, sub.ID, subStatus, now); err != nil {
			return err
		}
	}

	ok, err := s.units.ApplyGrade(ctx, unitID, outcome.Status, now)
	if err != nil {
		return fmt.Errorf("failed to apply grade to unit %s: %w", unitID, err)
	}
	if !ok {
		// A concurrent callback already landed; its evaluation covers us.
		return nil
	}
	s.logger.InfoContext(ctx, "unit graded", "unit_id", unitID, "status", outcome.Status)

	if outcome.Status != contracts.UnitFailed {
		return nil
	}
	unit.Status = contracts.UnitFailed
	created, err := s.engine.Evaluate(ctx, unit)
	if err != nil {
		return err
	}
	for _, rec := range created {
		if rec.ExecutionStatus != contracts.ExecutionCompleted || s.push == nil {
			continue
		}
		ev := notify.Event{OwnerID: rec.OwnerID, RecordID: rec.ID}
		if err := s.push.Publish(ctx, ev); err != nil {
			s.logger.WarnContext(ctx, "push publish failed", "consequence_id", rec.ID, "error", err)
		}
	}
	return nil
}
