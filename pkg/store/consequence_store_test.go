package store

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forfeit-sh/forfeit/pkg/contracts"
)

func mockConsequenceDB(t *testing.T) (*PostgresConsequenceStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresConsequenceStore(db), mock
}

var consequenceColumnNames = []string{
	"id", "owner_id", "deadline_unit_id", "stake_kind", "stake_json", "triggered_at",
	"mercy_roll_outcome", "execution_status", "execution_details", "execution_attempts",
	"last_execution_error", "notification_shown_at", "acknowledged_at",
}

func sampleRecord() *contracts.ConsequenceRecord {
	return &contracts.ConsequenceRecord{
		ID:             "cons-1",
		OwnerID:        "owner-1",
		DeadlineUnitID: "unit-1",
		StakeKind:      contracts.StakeMonetary,
		Stake: contracts.Stake{
			Kind: contracts.StakeMonetary,
			Monetary: &contracts.MonetaryStake{
				AmountCents: 1000, Currency: "USD", Destination: "doctors_without_borders",
			},
		},
		TriggeredAt:      time.Date(2024, 1, 1, 0, 1, 0, 0, time.UTC),
		MercyRollOutcome: contracts.MercyExecuted,
		ExecutionStatus:  contracts.ExecutionPending,
		ExecutionDetails: contracts.ExecutionDetails{Triggered: true},
	}
}

func TestPostgresConsequenceStore_Insert(t *testing.T) {
	store, mock := mockConsequenceDB(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO consequences")).
		WithArgs("cons-1", "owner-1", "unit-1", string(contracts.StakeMonetary), sqlmock.AnyArg(),
			sqlmock.AnyArg(), string(contracts.MercyExecuted), string(contracts.ExecutionPending),
			sqlmock.AnyArg(), 0, "").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.InsertConsequence(context.Background(), sampleRecord())
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresConsequenceStore_InsertDuplicate(t *testing.T) {
	store, mock := mockConsequenceDB(t)

	// Unique violation on (deadline_unit_id, stake_kind).
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO consequences")).
		WillReturnError(&pq.Error{Code: "23505"})

	err := store.InsertConsequence(context.Background(), sampleRecord())
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestPostgresConsequenceStore_MarkExecutionCompleted(t *testing.T) {
	store, mock := mockConsequenceDB(t)

	mock.ExpectExec("UPDATE consequences\\s+SET execution_status = ").
		WithArgs(string(contracts.ExecutionCompleted), sqlmock.AnyArg(), 2, "cons-1", string(contracts.ExecutionPending)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := store.MarkExecutionCompleted(context.Background(), "cons-1",
		contracts.ExecutionDetails{Triggered: true, TransactionID: "txn-9"}, 2)
	require.NoError(t, err)
	assert.True(t, ok)

	// A racing instance already closed it.
	mock.ExpectExec("UPDATE consequences\\s+SET execution_status = ").
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err = store.MarkExecutionCompleted(context.Background(), "cons-1",
		contracts.ExecutionDetails{Triggered: true, TransactionID: "txn-9"}, 2)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPostgresConsequenceStore_MarkExecutionFailed(t *testing.T) {
	store, mock := mockConsequenceDB(t)

	mock.ExpectExec("UPDATE consequences\\s+SET execution_status = ").
		WithArgs(string(contracts.ExecutionFailed), 5, "card declined", "cons-1", string(contracts.ExecutionPending)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := store.MarkExecutionFailed(context.Background(), "cons-1", "card declined", 5)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPostgresConsequenceStore_ClaimUnseenSortsOldestFirst(t *testing.T) {
	store, mock := mockConsequenceDB(t)
	now := time.Now().UTC()

	older := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)

	// RETURNING order is unspecified; hand rows back newest first.
	rows := sqlmock.NewRows(consequenceColumnNames).
		AddRow("cons-2", "owner-1", "unit-2", string(contracts.StakeMonetary), []byte(`{"kind":"MONETARY","monetary":{"amount_cents":1,"currency":"USD","destination":"d"}}`),
			newer, string(contracts.MercyExecuted), string(contracts.ExecutionCompleted), []byte(`{"triggered":true}`), 1, "", now, nil).
		AddRow("cons-1", "owner-1", "unit-1", string(contracts.StakeMonetary), []byte(`{"kind":"MONETARY","monetary":{"amount_cents":1,"currency":"USD","destination":"d"}}`),
			older, string(contracts.MercyExecuted), string(contracts.ExecutionCompleted), []byte(`{"triggered":true}`), 1, "", now, nil)

	mock.ExpectQuery("UPDATE consequences\\s+SET notification_shown_at = ").
		WithArgs(now, "owner-1", string(contracts.ExecutionCompleted), string(contracts.ExecutionFailed)).
		WillReturnRows(rows)

	records, err := store.ClaimUnseen(context.Background(), "owner-1", now)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "cons-1", records[0].ID, "oldest first")
	assert.Equal(t, "cons-2", records[1].ID)
	require.NotNil(t, records[0].NotificationShownAt)
}

func TestPostgresConsequenceStore_Acknowledge(t *testing.T) {
	store, mock := mockConsequenceDB(t)
	now := time.Now().UTC()

	mock.ExpectExec(regexp.QuoteMeta("UPDATE consequences SET acknowledged_at = $1 WHERE id = $2 AND acknowledged_at IS NULL")).
		WithArgs(now, "cons-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := store.Acknowledge(context.Background(), "cons-1", now)
	require.NoError(t, err)
	assert.True(t, ok)

	// Repeat acknowledgment matches nothing.
	mock.ExpectExec(regexp.QuoteMeta("UPDATE consequences SET acknowledged_at = $1 WHERE id = $2 AND acknowledged_at IS NULL")).
		WithArgs(now, "cons-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err = store.Acknowledge(context.Background(), "cons-1", now)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPostgresConsequenceStore_ListEscalated(t *testing.T) {
	store, mock := mockConsequenceDB(t)
	now := time.Now().UTC()

	rows := sqlmock.NewRows(consequenceColumnNames).
		AddRow("cons-1", "owner-1", "unit-1", string(contracts.StakeMonetary), []byte(`{"kind":"MONETARY","monetary":{"amount_cents":1,"currency":"USD","destination":"d"}}`),
			now, string(contracts.MercyExecuted), string(contracts.ExecutionFailed), []byte(`{"triggered":true}`), 7, "card declined", nil, nil)

	mock.ExpectQuery("FROM consequences\\s+WHERE owner_id = \\$1 AND execution_status = \\$2").
		WithArgs("owner-1", string(contracts.ExecutionFailed)).
		WillReturnRows(rows)

	records, err := store.ListEscalated(context.Background(), "owner-1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "card declined", records[0].LastExecutionError)
	assert.Equal(t, 7, records[0].ExecutionAttempts)
}
