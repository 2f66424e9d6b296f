package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/forfeit-sh/forfeit/pkg/contracts"
)

// MemoryStore is an in-memory implementation of UnitStore, SubmissionStore
// and ConsequenceStore. It mirrors the SQL implementations' semantics,
// including the uniqueness constraint and conditional updates, under a
// single mutex. Used in tests and by the dev trigger path.
type MemoryStore struct {
	mu           sync.Mutex
	units        map[string]*contracts.DeadlineUnit
	submissions  map[string]*contracts.Submission
	consequences map[string]*contracts.ConsequenceRecord
	// uniqueness index over (deadline_unit_id, stake_kind)
	consequenceKeys map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		units:           make(map[string]*contracts.DeadlineUnit),
		submissions:     make(map[string]*contracts.Submission),
		consequences:    make(map[string]*contracts.ConsequenceRecord),
		consequenceKeys: make(map[string]string),
	}
}

func consequenceKey(unitID string, kind contracts.StakeKind) string {
	return unitID + "|" + string(kind)
}

func (s *MemoryStore) CreateUnit(_ context.Context, u *contracts.DeadlineUnit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *u
	s.units[u.ID] = &cp
	return nil
}

func (s *MemoryStore) GetUnit(_ context.Context, id string) (*contracts.DeadlineUnit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.units[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryStore) ListOverdue(_ context.Context, now time.Time) ([]*contracts.DeadlineUnit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var units []*contracts.DeadlineUnit
	for _, u := range s.units {
		if u.Overdue(now) {
			cp := *u
			units = append(units, &cp)
		}
	}
	sort.Slice(units, func(i, j int) bool { return units[i].Deadline.Before(units[j].Deadline) })
	return units, nil
}

func (s *MemoryStore) MarkFailed(_ context.Context, id string, now time.Time) (bool, error) {
	return s.transition(id, contracts.UnitPending, contracts.UnitFailed, now)
}

func (s *MemoryStore) MarkSubmitted(_ context.Context, id string, now time.Time) (bool, error) {
	return s.transition(id, contracts.UnitPending, contracts.UnitSubmitted, now)
}

func (s *MemoryStore) ApplyGrade(_ context.Context, id string, to contracts.UnitStatus, now time.Time) (bool, error) {
	return s.transition(id, contracts.UnitSubmitted, to, now)
}

func (s *MemoryStore) transition(id string, from, to contracts.UnitStatus, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.units[id]
	if !ok || u.Status != from {
		return false, nil
	}
	u.Status = to
	u.UpdatedAt = now
	return true, nil
}

func (s *MemoryStore) CreateSubmission(_ context.Context, sub *contracts.Submission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sub
	s.submissions[sub.ID] = &cp
	return nil
}

func (s *MemoryStore) LatestForUnit(_ context.Context, unitID string) (*contracts.Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *contracts.Submission
	for _, sub := range s.submissions {
		if sub.DeadlineUnitID != unitID {
			continue
		}
		if latest == nil || sub.SubmittedAt.After(latest.SubmittedAt) {
			latest = sub
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (s *MemoryStore) GradeSubmission(_ context.Context, id string, status contracts.SubmissionStatus, gradedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.submissions[id]
	if !ok || sub.Status != contracts.SubmissionPending {
		return false, nil
	}
	sub.Status = status
	sub.GradedAt = &gradedAt
	return true, nil
}

func (s *MemoryStore) InsertConsequence(_ context.Context, rec *contracts.ConsequenceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := consequenceKey(rec.DeadlineUnitID, rec.StakeKind)
	if _, exists := s.consequenceKeys[key]; exists {
		return ErrDuplicate
	}
	cp := *rec
	s.consequences[rec.ID] = &cp
	s.consequenceKeys[key] = rec.ID
	return nil
}

func (s *MemoryStore) GetConsequence(_ context.Context, id string) (*contracts.ConsequenceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.consequences[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) ListPendingExecution(_ context.Context, limit int) ([]*contracts.ConsequenceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var records []*contracts.ConsequenceRecord
	for _, rec := range s.consequences {
		if rec.ExecutionStatus == contracts.ExecutionPending {
			cp := *rec
			records = append(records, &cp)
		}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].TriggeredAt.Before(records[j].TriggeredAt) })
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

func (s *MemoryStore) MarkExecutionCompleted(_ context.Context, id string, details contracts.ExecutionDetails, attempts int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.consequences[id]
	if !ok || rec.ExecutionStatus != contracts.ExecutionPending {
		return false, nil
	}
	rec.ExecutionStatus = contracts.ExecutionCompleted
	rec.ExecutionDetails = details
	rec.ExecutionAttempts = attempts
	rec.LastExecutionError = ""
	return true, nil
}

func (s *MemoryStore) MarkExecutionFailed(_ context.Context, id string, lastErr string, attempts int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.consequences[id]
	if !ok || rec.ExecutionStatus != contracts.ExecutionPending {
		return false, nil
	}
	rec.ExecutionStatus = contracts.ExecutionFailed
	rec.ExecutionAttempts = attempts
	rec.LastExecutionError = lastErr
	return true, nil
}

func (s *MemoryStore) ClaimUnseen(_ context.Context, ownerID string, now time.Time) ([]*contracts.ConsequenceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var records []*contracts.ConsequenceRecord
	for _, rec := range s.consequences {
		if rec.OwnerID != ownerID || rec.AcknowledgedAt != nil || rec.NotificationShownAt != nil {
			continue
		}
		if rec.ExecutionStatus != contracts.ExecutionCompleted && rec.ExecutionStatus != contracts.ExecutionFailed {
			continue
		}
		shown := now
		rec.NotificationShownAt = &shown
		cp := *rec
		records = append(records, &cp)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].TriggeredAt.Before(records[j].TriggeredAt) })
	return records, nil
}

func (s *MemoryStore) Acknowledge(_ context.Context, id string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.consequences[id]
	if !ok || rec.AcknowledgedAt != nil {
		return false, nil
	}
	rec.AcknowledgedAt = &now
	return true, nil
}

func (s *MemoryStore) ListEscalated(_ context.Context, ownerID string) ([]*contracts.ConsequenceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var records []*contracts.ConsequenceRecord
	for _, rec := range s.consequences {
		if rec.OwnerID == ownerID && rec.ExecutionStatus == contracts.ExecutionFailed {
			cp := *rec
			records = append(records, &cp)
		}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].TriggeredAt.Before(records[j].TriggeredAt) })
	return records, nil
}
