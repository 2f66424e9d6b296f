package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/forfeit-sh/forfeit/pkg/contracts"
)

// UnitStore persists deadline units and enforces the lifecycle state machine
// at the storage layer via conditional updates. Conditional writes are the
// only cross-instance coordination primitive: two concurrent scanner runs
// cannot double-transition the same unit because exactly one of their
// conditional updates matches a row.
type UnitStore interface {
	CreateUnit(ctx context.Context, u *contracts.DeadlineUnit) error
	GetUnit(ctx context.Context, id string) (*contracts.DeadlineUnit, error)
	// ListOverdue returns the computed overdue view: pending units whose
	// deadline has elapsed as of now.
	ListOverdue(ctx context.Context, now time.Time) ([]*contracts.DeadlineUnit, error)
	// MarkFailed flips a pending unit to FAILED. Returns false when the unit
	// was no longer pending (another scanner won, or a submission arrived).
	MarkFailed(ctx context.Context, id string, now time.Time) (bool, error)
	// MarkSubmitted flips a pending unit to SUBMITTED.
	MarkSubmitted(ctx context.Context, id string, now time.Time) (bool, error)
	// ApplyGrade flips a submitted unit to a terminal status. Returns false
	// when the unit was already terminal (repeated grading callback).
	ApplyGrade(ctx context.Context, id string, to contracts.UnitStatus, now time.Time) (bool, error)
}

// PostgresUnitStore is the durable Postgres implementation.
type PostgresUnitStore struct {
	db *sql.DB
}

func NewPostgresUnitStore(db *sql.DB) *PostgresUnitStore {
	return &PostgresUnitStore{db: db}
}

const unitSchema = `
CREATE TABLE IF NOT EXISTS deadline_units (
	id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	deadline TIMESTAMPTZ NOT NULL,
	status TEXT NOT NULL,
	order_position INTEGER NOT NULL DEFAULT 0,
	stakes_json JSONB NOT NULL DEFAULT '[]',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_units_overdue ON deadline_units (status, deadline);
`

func (s *PostgresUnitStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, unitSchema)
	return err
}

const unitColumns = `id, owner_id, title, deadline, status, order_position, stakes_json, created_at, updated_at`

func (s *PostgresUnitStore) CreateUnit(ctx context.Context, u *contracts.DeadlineUnit) error {
	stakesJSON, err := json.Marshal(u.Stakes)
	if err != nil {
		return fmt.Errorf("failed to marshal stakes: %w", err)
	}
	query := `
		INSERT INTO deadline_units (id, owner_id, title, deadline, status, order_position, stakes_json, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err = s.db.ExecContext(ctx, query,
		u.ID, u.OwnerID, u.Title, u.Deadline, u.Status, u.OrderPosition, stakesJSON, u.CreatedAt, u.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert deadline unit: %w", err)
	}
	return nil
}

func (s *PostgresUnitStore) GetUnit(ctx context.Context, id string) (*contracts.DeadlineUnit, error) {
	query := `SELECT ` + unitColumns + ` FROM deadline_units WHERE id = $1`
	return scanUnit(s.db.QueryRowContext(ctx, query, id))
}

func (s *PostgresUnitStore) ListOverdue(ctx context.Context, now time.Time) ([]*contracts.DeadlineUnit, error) {
	query := `
		SELECT ` + unitColumns + `
		FROM deadline_units
		WHERE status = $1 AND deadline < $2
		ORDER BY deadline ASC
	`
	rows, err := s.db.QueryContext(ctx, query, contracts.UnitPending, now)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var units []*contracts.DeadlineUnit
	for rows.Next() {
		u, err := scanUnit(rows)
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

func (s *PostgresUnitStore) MarkFailed(ctx context.Context, id string, now time.Time) (bool, error) {
	return s.conditionalStatus(ctx, id, contracts.UnitPending, contracts.UnitFailed, now)
}

func (s *PostgresUnitStore) MarkSubmitted(ctx context.Context, id string, now time.Time) (bool, error) {
	return s.conditionalStatus(ctx, id, contracts.UnitPending, contracts.UnitSubmitted, now)
}

func (s *PostgresUnitStore) ApplyGrade(ctx context.Context, id string, to contracts.UnitStatus, now time.Time) (bool, error) {
	if !to.Terminal() {
		return false, fmt.Errorf("grade must be terminal, got %s", to)
	}
	return s.conditionalStatus(ctx, id, contracts.UnitSubmitted, to, now)
}

// conditionalStatus performs the optimistic-concurrency transition: the
// update only matches while the row still holds the expected status.
func (s *PostgresUnitStore) conditionalStatus(ctx context.Context, id string, from, to contracts.UnitStatus, now time.Time) (bool, error) {
	query := `UPDATE deadline_units SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4`
	res, err := s.db.ExecContext(ctx, query, to, now, id, from)
	if err != nil {
		return false, fmt.Errorf("failed to transition unit %s to %s: %w", id, to, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check rows affected: %w", err)
	}
	return n == 1, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUnit(row rowScanner) (*contracts.DeadlineUnit, error) {
	var u contracts.DeadlineUnit
	var stakesJSON []byte
	err := row.Scan(&u.ID, &u.OwnerID, &u.Title, &u.Deadline, &u.Status, &u.OrderPosition, &stakesJSON, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if len(stakesJSON) > 0 {
		if err := json.Unmarshal(stakesJSON, &u.Stakes); err != nil {
			return nil, fmt.Errorf("corrupt stakes JSON for unit %s: %w", u.ID, err)
		}
	}
	return &u, nil
}
