package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/forfeit-sh/forfeit/pkg/contracts"
)

// SubmissionStore persists proof submissions.
type SubmissionStore interface {
	CreateSubmission(ctx context.Context, sub *contracts.Submission) error
	// LatestForUnit returns the most recent submission for a unit, or
	// ErrNotFound when none exists.
	LatestForUnit(ctx context.Context, unitID string) (*contracts.Submission, error)
	// GradeSubmission records a grading verdict. Returns false when the
	// submission was already graded.
	GradeSubmission(ctx context.Context, id string, status contracts.SubmissionStatus, gradedAt time.Time) (bool, error)
}

// PostgresSubmissionStore is the durable Postgres implementation.
type PostgresSubmissionStore struct {
	db *sql.DB
}

func NewPostgresSubmissionStore(db *sql.DB) *PostgresSubmissionStore {
	return &PostgresSubmissionStore{db: db}
}

const submissionSchema = `
CREATE TABLE IF NOT EXISTS submissions (
	id TEXT PRIMARY KEY,
	deadline_unit_id TEXT NOT NULL,
	owner_id TEXT NOT NULL,
	type TEXT NOT NULL,
	content_ref TEXT NOT NULL,
	status TEXT NOT NULL,
	submitted_at TIMESTAMPTZ NOT NULL,
	graded_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_submissions_unit ON submissions (deadline_unit_id, submitted_at);
`

func (s *PostgresSubmissionStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, submissionSchema)
	return err
}

const submissionColumns = `id, deadline_unit_id, owner_id, type, content_ref, status, submitted_at, graded_at`

func (s *PostgresSubmissionStore) CreateSubmission(ctx context.Context, sub *contracts.Submission) error {
	query := `
		INSERT INTO submissions (id, deadline_unit_id, owner_id, type, content_ref, status, submitted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := s.db.ExecContext(ctx, query,
		sub.ID, sub.DeadlineUnitID, sub.OwnerID, sub.Type, sub.ContentRef, sub.Status, sub.SubmittedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert submission: %w", err)
	}
	return nil
}

func (s *PostgresSubmissionStore) LatestForUnit(ctx context.Context, unitID string) (*contracts.Submission, error) {
	query := `
		SELECT ` + submissionColumns + `
		FROM submissions
		WHERE deadline_unit_id = $1
		ORDER BY submitted_at DESC
		LIMIT 1
	`
	return scanSubmission(s.db.QueryRowContext(ctx, query, unitID))
}

func (s *PostgresSubmissionStore) GradeSubmission(ctx context.Context, id string, status contracts.SubmissionStatus, gradedAt time.Time) (bool, error) {
	query := `
		UPDATE submissions SET status = $1, graded_at = $2
		WHERE id = $3 AND status = $4
	`
	res, err := s.db.ExecContext(ctx, query, status, gradedAt, id, contracts.SubmissionPending)
	if err != nil {
		return false, fmt.Errorf("failed to grade submission %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check rows affected: %w", err)
	}
	return n == 1, nil
}

func scanSubmission(row rowScanner) (*contracts.Submission, error) {
	var sub contracts.Submission
	var gradedAt sql.NullTime
	err := row.Scan(&sub.ID, &sub.DeadlineUnitID, &sub.OwnerID, &sub.Type, &sub.ContentRef, &sub.Status, &sub.SubmittedAt, &gradedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if gradedAt.Valid {
		sub.GradedAt = &gradedAt.Time
	}
	return &sub, nil
}
