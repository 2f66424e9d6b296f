package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/lib/pq"

	"github.com/forfeit-sh/forfeit/pkg/contracts"
)

// ConsequenceStore persists consequence records. The unique constraint on
// (deadline_unit_id, stake_kind) is the system's core correctness guarantee:
// Insert must fail with ErrDuplicate when a record already exists, enforced
// by the database, never by a check-then-act in application code.
type ConsequenceStore interface {
	InsertConsequence(ctx context.Context, rec *contracts.ConsequenceRecord) error
	GetConsequence(ctx context.Context, id string) (*contracts.ConsequenceRecord, error)
	// ListPendingExecution returns executed-bound records the executor has
	// not finished, oldest first.
	ListPendingExecution(ctx context.Context, limit int) ([]*contracts.ConsequenceRecord, error)
	// MarkExecutionCompleted closes a pending record with the collaborator's
	// reference. Conditional on execution_status = PENDING so a crash-retry
	// racing a finished sibling process cannot overwrite the outcome.
	MarkExecutionCompleted(ctx context.Context, id string, details contracts.ExecutionDetails, attempts int) (bool, error)
	// MarkExecutionFailed escalates a record for manual reconciliation.
	MarkExecutionFailed(ctx context.Context, id string, lastErr string, attempts int) (bool, error)
	// ClaimUnseen atomically marks all finished, unacknowledged, never-shown
	// records for the owner as shown and returns them, oldest first. Two
	// concurrent sessions racing here partition the records: each row is
	// claimed by exactly one caller.
	ClaimUnseen(ctx context.Context, ownerID string, now time.Time) ([]*contracts.ConsequenceRecord, error)
	// Acknowledge retires a record from the delivery queue. Returns false
	// when it was already acknowledged.
	Acknowledge(ctx context.Context, id string, now time.Time) (bool, error)
	// ListEscalated returns failed-execution records for operator
	// reconciliation.
	ListEscalated(ctx context.Context, ownerID string) ([]*contracts.ConsequenceRecord, error)
}

// PostgresConsequenceStore is the durable Postgres implementation.
type PostgresConsequenceStore struct {
	db *sql.DB
}

func NewPostgresConsequenceStore(db *sql.DB) *PostgresConsequenceStore {
	return &PostgresConsequenceStore{db: db}
}

const consequenceSchema = `
CREATE TABLE IF NOT EXISTS consequences (
	id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL,
	deadline_unit_id TEXT NOT NULL,
	stake_kind TEXT NOT NULL,
	stake_json JSONB NOT NULL,
	triggered_at TIMESTAMPTZ NOT NULL,
	mercy_roll_outcome TEXT NOT NULL,
	execution_status TEXT NOT NULL,
	execution_details JSONB NOT NULL DEFAULT '{}',
	execution_attempts INTEGER NOT NULL DEFAULT 0,
	last_execution_error TEXT NOT NULL DEFAULT '',
	notification_shown_at TIMESTAMPTZ,
	acknowledged_at TIMESTAMPTZ,
	UNIQUE (deadline_unit_id, stake_kind)
);
CREATE INDEX IF NOT EXISTS idx_consequences_pending ON consequences (execution_status, triggered_at);
CREATE INDEX IF NOT EXISTS idx_consequences_owner ON consequences (owner_id, acknowledged_at);
`

func (s *PostgresConsequenceStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, consequenceSchema)
	return err
}

const consequenceColumns = `id, owner_id, deadline_unit_id, stake_kind, stake_json, triggered_at,
	mercy_roll_outcome, execution_status, execution_details, execution_attempts,
	last_execution_error, notification_shown_at, acknowledged_at`

func (s *PostgresConsequenceStore) InsertConsequence(ctx context.Context, rec *contracts.ConsequenceRecord) error {
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
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err = s.db.ExecContext(ctx, query,
		rec.ID, rec.OwnerID, rec.DeadlineUnitID, rec.StakeKind, stakeJSON, rec.TriggeredAt,
		rec.MercyRollOutcome, rec.ExecutionStatus, detailsJSON, rec.ExecutionAttempts, rec.LastExecutionError,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to insert consequence: %w", err)
	}
	return nil
}

func (s *PostgresConsequenceStore) GetConsequence(ctx context.Context, id string) (*contracts.ConsequenceRecord, error) {
	query := `SELECT ` + consequenceColumns + ` FROM consequences WHERE id = $1`
	return scanConsequence(s.db.QueryRowContext(ctx, query, id))
}

func (s *PostgresConsequenceStore) ListPendingExecution(ctx context.Context, limit int) ([]*contracts.ConsequenceRecord, error) {
	query := `
		SELECT ` + consequenceColumns + `
		FROM consequences
		WHERE execution_status = $1
		ORDER BY triggered_at ASC
		LIMIT $2
	`
	return s.queryMany(ctx, query, contracts.ExecutionPending, limit)
}

func (s *PostgresConsequenceStore) MarkExecutionCompleted(ctx context.Context, id string, details contracts.ExecutionDetails, attempts int) (bool, error) {
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return false, fmt.Errorf("failed to marshal execution details: %w", err)
	}
	query := `
		UPDATE consequences
		SET execution_status = $1, execution_details = $2, execution_attempts = $3, last_execution_error = ''
		WHERE id = $4 AND execution_status = $5
	`
	return s.conditional(ctx, query, contracts.ExecutionCompleted, detailsJSON, attempts, id, contracts.ExecutionPending)
}

func (s *PostgresConsequenceStore) MarkExecutionFailed(ctx context.Context, id string, lastErr string, attempts int) (bool, error) {
	query := `
		UPDATE consequences
		SET execution_status = $1, execution_attempts = $2, last_execution_error = $3
		WHERE id = $4 AND execution_status = $5
	`
	return s.conditional(ctx, query, contracts.ExecutionFailed, attempts, lastErr, id, contracts.ExecutionPending)
}

func (s *PostgresConsequenceStore) ClaimUnseen(ctx context.Context, ownerID string, now time.Time) ([]*contracts.ConsequenceRecord, error) {
	// The conditional predicate on notification_shown_at IS NULL resolves the
	// display race between concurrently connected sessions.
	query := `
		UPDATE consequences
		SET notification_shown_at = $1
		WHERE owner_id = $2
		  AND acknowledged_at IS NULL
		  AND notification_shown_at IS NULL
		  AND execution_status IN ($3, $4)
		RETURNING ` + consequenceColumns
	rows, err := s.db.QueryContext(ctx, query, now, ownerID, contracts.ExecutionCompleted, contracts.ExecutionFailed)
	if err != nil {
		return nil, fmt.Errorf("failed to claim unseen consequences: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []*contracts.ConsequenceRecord
	for rows.Next() {
		rec, err := scanConsequence(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// RETURNING order is unspecified; clients display strictly oldest first.
	sort.Slice(records, func(i, j int) bool { return records[i].TriggeredAt.Before(records[j].TriggeredAt) })
	return records, nil
}

func (s *PostgresConsequenceStore) Acknowledge(ctx context.Context, id string, now time.Time) (bool, error) {
	query := `UPDATE consequences SET acknowledged_at = $1 WHERE id = $2 AND acknowledged_at IS NULL`
	return s.conditional(ctx, query, now, id)
}

func (s *PostgresConsequenceStore) ListEscalated(ctx context.Context, ownerID string) ([]*contracts.ConsequenceRecord, error) {
	query := `
		SELECT ` + consequenceColumns + `
		FROM consequences
		WHERE owner_id = $1 AND execution_status = $2
		ORDER BY triggered_at ASC
	`
	return s.queryMany(ctx, query, ownerID, contracts.ExecutionFailed)
}

func (s *PostgresConsequenceStore) conditional(ctx context.Context, query string, args ...any) (bool, error) {
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

func (s *PostgresConsequenceStore) queryMany(ctx context.Context, query string, args ...any) ([]*contracts.ConsequenceRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var records []*contracts.ConsequenceRecord
	for rows.Next() {
		rec, err := scanConsequence(rows)
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

func scanConsequence(row rowScanner) (*contracts.ConsequenceRecord, error) {
	var rec contracts.ConsequenceRecord
	var stakeJSON, detailsJSON []byte
	var shownAt, ackedAt sql.NullTime
	err := row.Scan(&rec.ID, &rec.OwnerID, &rec.DeadlineUnitID, &rec.StakeKind, &stakeJSON, &rec.TriggeredAt,
		&rec.MercyRollOutcome, &rec.ExecutionStatus, &detailsJSON, &rec.ExecutionAttempts,
		&rec.LastExecutionError, &shownAt, &ackedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(stakeJSON, &rec.Stake); err != nil {
		return nil, fmt.Errorf("corrupt stake JSON in consequence %s: %w", rec.ID, err)
	}
	if err := json.Unmarshal(detailsJSON, &rec.ExecutionDetails); err != nil {
		return nil, fmt.Errorf("corrupt execution details JSON in consequence %s: %w", rec.ID, err)
	}
	if shownAt.Valid {
		rec.NotificationShownAt = &shownAt.Time
	}
	if ackedAt.Valid {
		rec.AcknowledgedAt = &ackedAt.Time
	}
	return &rec, nil
}
