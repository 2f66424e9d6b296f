package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/forfeit-sh/forfeit/pkg/contracts"

	_ "modernc.org/sqlite"
)

// Lite-mode stores backed by SQLite. Same contracts as the Postgres
// implementations; the unique constraint and conditional updates behave
// identically, so the exactly-once guarantees hold in lite mode too.
// Timestamps are stored as RFC3339Nano strings.

// OpenSQLite opens (or creates) the lite-mode database file.
func OpenSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// modernc sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent workers.
	db.SetMaxOpenConns(1)
	return db, nil
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// SQLiteUnitStore implements UnitStore.
type SQLiteUnitStore struct {
	db *sql.DB
}

func NewSQLiteUnitStore(db *sql.DB) (*SQLiteUnitStore, error) {
	s := &SQLiteUnitStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteUnitStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS deadline_units (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		deadline TEXT NOT NULL,
		status TEXT NOT NULL,
		order_position INTEGER NOT NULL DEFAULT 0,
		stakes_json TEXT NOT NULL DEFAULT '[]',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_units_overdue ON deadline_units (status, deadline);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteUnitStore) CreateUnit(ctx context.Context, u *contracts.DeadlineUnit) error {
	stakesJSON, err := json.Marshal(u.Stakes)
	if err != nil {
		return fmt.Errorf("failed to marshal stakes: %w", err)
	}
	query := `
		INSERT INTO deadline_units (id, owner_id, title, deadline, status, order_position, stakes_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		u.ID, u.OwnerID, u.Title, formatTime(u.Deadline), u.Status, u.OrderPosition,
		string(stakesJSON), formatTime(u.CreatedAt), formatTime(u.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert deadline unit: %w", err)
	}
	return nil
}

const sqliteUnitColumns = `id, owner_id, title, deadline, status, order_position, stakes_json, created_at, updated_at`

func (s *SQLiteUnitStore) GetUnit(ctx context.Context, id string) (*contracts.DeadlineUnit, error) {
	query := `SELECT ` + sqliteUnitColumns + ` FROM deadline_units WHERE id = ?`
	return scanSQLiteUnit(s.db.QueryRowContext(ctx, query, id))
}

func (s *SQLiteUnitStore) ListOverdue(ctx context.Context, now time.Time) ([]*contracts.DeadlineUnit, error) {
	query := `
		SELECT ` + sqliteUnitColumns + `
		FROM deadline_units
		WHERE status = ? AND deadline < ?
		ORDER BY deadline ASC
	`
	rows, err := s.db.QueryContext(ctx, query, contracts.UnitPending, formatTime(now))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var units []*contracts.DeadlineUnit
	for rows.Next() {
		u, err := scanSQLiteUnit(rows)
		if err != nil {
			return nil, err
		}
		units = append(units, u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return units, nil
}

func (s *SQLiteUnitStore) MarkFailed(ctx context.Context, id string, now time.Time) (bool, error) {
	return s.conditionalStatus(ctx, id, contracts.UnitPending, contracts.UnitFailed, now)
}

func (s *SQLiteUnitStore) MarkSubmitted(ctx context.Context, id string, now time.Time) (bool, error) {
	return s.conditionalStatus(ctx, id, contracts.UnitPending, contracts.UnitSubmitted, now)
}

func (s *SQLiteUnitStore) ApplyGrade(ctx context.Context, id string, to contracts.UnitStatus, now time.Time) (bool, error) {
	if !to.Terminal() {
		return false, fmt.Errorf("grade must be terminal, got %s", to)
	}
	return s.conditionalStatus(ctx, id, contracts.UnitSubmitted, to, now)
}

func (s *SQLiteUnitStore) conditionalStatus(ctx context.Context, id string, from, to contracts.UnitStatus, now time.Time) (bool, error) {
	query := `UPDATE deadline_units SET status = ?, updated_at = ? WHERE id = ? AND status = ?`
	res, err := s.db.ExecContext(ctx, query, to, formatTime(now), id, from)
	if err != nil {
		return false, fmt.Errorf("failed to transition unit %s to %s: %w", id, to, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check rows affected: %w", err)
	}
	return n == 1, nil
}

func scanSQLiteUnit(row rowScanner) (*contracts.DeadlineUnit, error) {
	var u contracts.DeadlineUnit
	var deadline, createdAt, updatedAt, stakesJSON string
	err := row.Scan(&u.ID, &u.OwnerID, &u.Title, &deadline, &u.Status, &u.OrderPosition, &stakesJSON, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	u.Deadline = parseTime(deadline)
	u.CreatedAt = parseTime(createdAt)
	u.UpdatedAt = parseTime(updatedAt)
	if stakesJSON != "" {
		if err := json.Unmarshal([]byte(stakesJSON), &u.Stakes); err != nil {
			return nil, fmt.Errorf("corrupt stakes JSON for unit %s: %w", u.ID, err)
		}
	}
	return &u, nil
}

// SQLiteSubmissionStore implements SubmissionStore.
type SQLiteSubmissionStore struct {
	db *sql.DB
}

func NewSQLiteSubmissionStore(db *sql.DB) (*SQLiteSubmissionStore, error) {
	s := &SQLiteSubmissionStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteSubmissionStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS submissions (
		id TEXT PRIMARY KEY,
		deadline_unit_id TEXT NOT NULL,
		owner_id TEXT NOT NULL,
		type TEXT NOT NULL,
		content_ref TEXT NOT NULL,
		status TEXT NOT NULL,
		submitted_at TEXT NOT NULL,
		graded_at TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_submissions_unit ON submissions (deadline_unit_id, submitted_at);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteSubmissionStore) CreateSubmission(ctx context.Context, sub *contracts.Submission) error {
	query := `
		INSERT INTO submissions (id, deadline_unit_id, owner_id, type, content_ref, status, submitted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		sub.ID, sub.DeadlineUnitID, sub.OwnerID, sub.Type, sub.ContentRef, sub.Status, formatTime(sub.SubmittedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert submission: %w", err)
	}
	return nil
}

func (s *SQLiteSubmissionStore) LatestForUnit(ctx context.Context, unitID string) (*contracts.Submission, error) {
	query := `
		SELECT id, deadline_unit_id, owner_id, type, content_ref, status, submitted_at, graded_at
		FROM submissions
		WHERE deadline_unit_id = ?
		ORDER BY submitted_at DESC
		LIMIT 1
	`
	row := s.db.QueryRowContext(ctx, query, unitID)
	var sub contracts.Submission
	var submittedAt string
	var gradedAt sql.NullString
	err := row.Scan(&sub.ID, &sub.DeadlineUnitID, &sub.OwnerID, &sub.Type, &sub.ContentRef, &sub.Status, &submittedAt, &gradedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	sub.SubmittedAt = parseTime(submittedAt)
	if gradedAt.Valid {
		t := parseTime(gradedAt.String)
		sub.GradedAt = &t
	}
	return &sub, nil
}

func (s *SQLiteSubmissionStore) GradeSubmission(ctx context.Context, id string, status contracts.SubmissionStatus, gradedAt time.Time) (bool, error) {
	query := `UPDATE submissions SET status = ?, graded_at = ? WHERE id = ? AND status = ?`
	res, err := s.db.ExecContext(ctx, query, status, formatTime(gradedAt), id, contracts.SubmissionPending)
	if err != nil {
		return false, fmt.Errorf("failed to grade submission %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check rows affected: %w", err)
	}
	return n == 1, nil
}

// SQLiteConsequenceStore implements ConsequenceStore.
type SQLiteConsequenceStore struct {
	db *sql.DB
}

func NewSQLiteConsequenceStore(db *sql.DB) (*SQLiteConsequenceStore, error) {
	s := &SQLiteConsequenceStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteConsequenceStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS consequences (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		deadline_unit_id TEXT NOT NULL,
		stake_kind TEXT NOT NULL,
		stake_json TEXT NOT NULL,
		triggered_at TEXT NOT NULL,
		mercy_roll_outcome TEXT NOT NULL,
		execution_status TEXT NOT NULL,
		execution_details TEXT NOT NULL DEFAULT '{}',
		execution_attempts INTEGER NOT NULL DEFAULT 0,
		last_execution_error TEXT NOT NULL DEFAULT '',
		notification_shown_at TEXT,
		acknowledged_at TEXT,
		UNIQUE (deadline_unit_id, stake_kind)
	);
	CREATE INDEX IF NOT EXISTS idx_consequences_pending ON consequences (execution_status, triggered_at);
	CREATE INDEX IF NOT EXISTS idx_consequences_owner ON consequences (owner_id, acknowledged_at);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

const sqliteConsequenceColumns = `id, owner_id, deadline_unit_id, stake_kind, stake_json, triggered_at,
	mercy_roll_outcome, execution_status, execution_details, execution_attempts,
	last_execution_error, notification_shown_at, acknowledged_at`

func (s *SQLiteConsequenceStore) InsertConsequence(ctx context.Context, rec *contracts.ConsequenceRecord) error {
	stakeJSON, err := json.Marshal(rec.Stake)
	if err != nil {
		return fmt.Errorf("failed to marshal stake: %w", err)
	}
	detailsJSON, err := json.Marshal(rec.ExecutionDetails)
	if err != nil {
		return fmt.Errorf("failed to marshal execution details: %w", err)
	}
	query := `
		INSERT INTO consequences (id, owner_id, deadline_unit_id, stake_kind, stake_json, triggered_at,
			mercy_roll_outcome, execution_status, execution_details, execution_attempts, last_execution_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		rec.ID, rec.OwnerID, rec.DeadlineUnitID, rec.StakeKind, string(stakeJSON), formatTime(rec.TriggeredAt),
		rec.MercyRollOutcome, rec.ExecutionStatus, string(detailsJSON), rec.ExecutionAttempts, rec.LastExecutionError,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to insert consequence: %w", err)
	}
	return nil
}

func (s *SQLiteConsequenceStore) GetConsequence(ctx context.Context, id string) (*contracts.ConsequenceRecord, error) {
	query := `SELECT ` + sqliteConsequenceColumns + ` FROM consequences WHERE id = ?`
	return scanSQLiteConsequence(s.db.QueryRowContext(ctx, query, id))
}

func (s *SQLiteConsequenceStore) ListPendingExecution(ctx context.Context, limit int) ([]*contracts.ConsequenceRecord, error) {
	query := `
		SELECT ` + sqliteConsequenceColumns + `
		FROM consequences
		WHERE execution_status = ?
		ORDER BY triggered_at ASC
		LIMIT ?
	`
	return s.queryMany(ctx, query, contracts.ExecutionPending, limit)
}

func (s *SQLiteConsequenceStore) MarkExecutionCompleted(ctx context.Context, id string, details contracts.ExecutionDetails, attempts int) (bool, error) {
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return false, fmt.Errorf("failed to marshal execution details: %w", err)
	}
	query := `
		UPDATE consequences
		SET execution_status = ?, execution_details = ?, execution_attempts = ?, last_execution_error = ''
		WHERE id = ? AND execution_status = ?
	`
	return s.conditional(ctx, query, contracts.ExecutionCompleted, string(detailsJSON), attempts, id, contracts.ExecutionPending)
}

func (s *SQLiteConsequenceStore) MarkExecutionFailed(ctx context.Context, id string, lastErr string, attempts int) (bool, error) {
	query := `
		UPDATE consequences
		SET execution_status = ?, execution_attempts = ?, last_execution_error = ?
		WHERE id = ? AND execution_status = ?
	`
	return s.conditional(ctx, query, contracts.ExecutionFailed, attempts, lastErr, id, contracts.ExecutionPending)
}

func (s *SQLiteConsequenceStore) ClaimUnseen(ctx context.Context, ownerID string, now time.Time) ([]*contracts.ConsequenceRecord, error) {
	query := `
		UPDATE consequences
		SET notification_shown_at = ?
		WHERE owner_id = ?
		  AND acknowledged_at IS NULL
		  AND notification_shown_at IS NULL
		  AND execution_status IN (?, ?)
		RETURNING ` + sqliteConsequenceColumns
	rows, err := s.db.QueryContext(ctx, query, formatTime(now), ownerID, contracts.ExecutionCompleted, contracts.ExecutionFailed)
	if err != nil {
		return nil, fmt.Errorf("failed to claim unseen consequences: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []*contracts.ConsequenceRecord
	for rows.Next() {
		rec, err := scanSQLiteConsequence(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(records, func(i, j int) bool { return records[i].TriggeredAt.Before(records[j].TriggeredAt) })
	return records, nil
}

func (s *SQLiteConsequenceStore) Acknowledge(ctx context.Context, id string, now time.Time) (bool, error) {
	query := `UPDATE consequences SET acknowledged_at = ? WHERE id = ? AND acknowledged_at IS NULL`
	return s.conditional(ctx, query, formatTime(now), id)
}

func (s *SQLiteConsequenceStore) ListEscalated(ctx context.Context, ownerID string) ([]*contracts.ConsequenceRecord, error) {
	query := `
		SELECT ` + sqliteConsequenceColumns + `
		FROM consequences
		WHERE owner_id = ? AND execution_status = ?
		ORDER BY triggered_at ASC
	`
	return s.queryMany(ctx, query, ownerID, contracts.ExecutionFailed)
}

func (s *SQLiteConsequenceStore) conditional(ctx context.Context, query string, args ...any) (bool, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check rows affected: %w", err)
	}
	return n == 1, nil
}

func (s *SQLiteConsequenceStore) queryMany(ctx context.Context, query string, args ...any) ([]*contracts.ConsequenceRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var records []*contracts.ConsequenceRecord
	for rows.Next() {
		rec, err := scanSQLiteConsequence(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

func scanSQLiteConsequence(row rowScanner) (*contracts.ConsequenceRecord, error) {
	var rec contracts.ConsequenceRecord
	var stakeJSON, detailsJSON, triggeredAt string
	var shownAt, ackedAt sql.NullString
	err := row.Scan(&rec.ID, &rec.OwnerID, &rec.DeadlineUnitID, &rec.StakeKind, &stakeJSON, &triggeredAt,
		&rec.MercyRollOutcome, &rec.ExecutionStatus, &detailsJSON, &rec.ExecutionAttempts,
		&rec.LastExecutionError, &shownAt, &ackedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	rec.TriggeredAt = parseTime(triggeredAt)
	if err := json.Unmarshal([]byte(stakeJSON), &rec.Stake); err != nil {
		return nil, fmt.Errorf("corrupt stake JSON in consequence %s: %w", rec.ID, err)
	}
	if err := json.Unmarshal([]byte(detailsJSON), &rec.ExecutionDetails); err != nil {
		return nil, fmt.Errorf("corrupt execution details JSON in consequence %s: %w", rec.ID, err)
	}
	if shownAt.Valid {
		t := parseTime(shownAt.String)
		rec.NotificationShownAt = &t
	}
	if ackedAt.Valid {
		t := parseTime(ackedAt.String)
		rec.AcknowledgedAt = &t
	}
	return &rec, nil
}
