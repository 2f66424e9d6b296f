package store

import (
	"context"
	"encoding/json"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forfeit-sh/forfeit/pkg/contracts"
)

func mockDB(t *testing.T) (*PostgresUnitStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresUnitStore(db), mock
}

var unitColumnNames = []string{
	"id", "owner_id", "title", "deadline", "status", "order_position", "stakes_json", "created_at", "updated_at",
}

func TestPostgresUnitStore_CreateUnit(t *testing.T) {
	store, mock := mockDB(t)
	now := time.Now().UTC()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO deadline_units")).
		WithArgs("unit-1", "owner-1", "thesis draft", sqlmock.AnyArg(), string(contracts.UnitPending),
			0, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.CreateUnit(context.Background(), &contracts.DeadlineUnit{
		ID: "unit-1", OwnerID: "owner-1", Title: "thesis draft",
		Deadline: now.Add(time.Hour), Status: contracts.UnitPending,
		CreatedAt: now, UpdatedAt: now,
	})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUnitStore_GetUnit(t *testing.T) {
	store, mock := mockDB(t)
	now := time.Now().UTC()

	stakes, err := json.Marshal([]contracts.Stake{{
		Kind: contracts.StakeMonetary,
		Monetary: &contracts.MonetaryStake{
			AmountCents: 1000, Currency: "USD", Destination: "doctors_without_borders",
		},
	}})
	require.NoError(t, err)

	rows := sqlmock.NewRows(unitColumnNames).
		AddRow("unit-1", "owner-1", "thesis draft", now.Add(time.Hour), string(contracts.UnitPending), 0, stakes, now, now)

	mock.ExpectQuery("SELECT .+ FROM deadline_units WHERE id = ").
		WithArgs("unit-1").
		WillReturnRows(rows)

	u, err := store.GetUnit(context.Background(), "unit-1")
	require.NoError(t, err)
	assert.Equal(t, "owner-1", u.OwnerID)
	require.Len(t, u.Stakes, 1)
	assert.Equal(t, int64(1000), u.Stakes[0].Monetary.AmountCents)
}

func TestPostgresUnitStore_GetUnitNotFound(t *testing.T) {
	store, mock := mockDB(t)

	mock.ExpectQuery("SELECT .+ FROM deadline_units WHERE id = ").
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows(unitColumnNames))

	_, err := store.GetUnit(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresUnitStore_ListOverdue(t *testing.T) {
	store, mock := mockDB(t)
	now := time.Now().UTC()

	rows := sqlmock.NewRows(unitColumnNames).
		AddRow("unit-1", "owner-1", "", now.Add(-2*time.Hour), string(contracts.UnitPending), 0, []byte("[]"), now, now).
		AddRow("unit-2", "owner-2", "", now.Add(-time.Hour), string(contracts.UnitPending), 0, []byte("[]"), now, now)

	mock.ExpectQuery("FROM deadline_units\\s+WHERE status = \\$1 AND deadline < \\$2").
		WithArgs(string(contracts.UnitPending), now).
		WillReturnRows(rows)

	units, err := store.ListOverdue(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, units, 2)
	assert.Equal(t, "unit-1", units[0].ID)
}

func TestPostgresUnitStore_MarkFailed(t *testing.T) {
	store, mock := mockDB(t)
	now := time.Now().UTC()

	// First writer wins.
	mock.ExpectExec(regexp.QuoteMeta("UPDATE deadline_units SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4")).
		WithArgs(string(contracts.UnitFailed), now, "unit-1", string(contracts.UnitPending)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := store.MarkFailed(context.Background(), "unit-1", now)
	require.NoError(t, err)
	assert.True(t, ok)

	// Second writer matches zero rows.
	mock.ExpectExec(regexp.QuoteMeta("UPDATE deadline_units SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4")).
		WithArgs(string(contracts.UnitFailed), now, "unit-1", string(contracts.UnitPending)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err = store.MarkFailed(context.Background(), "unit-1", now)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUnitStore_ApplyGradeRejectsNonTerminal(t *testing.T) {
	store, _ := mockDB(t)
	_, err := store.ApplyGrade(context.Background(), "unit-1", contracts.UnitSubmitted, time.Now())
	assert.Error(t, err)
}
