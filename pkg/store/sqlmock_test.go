package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupMockStore(t *testing.T, driver string) (sqlmock.Sqlmock, *SQLStore) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return mock, newSQLStore(db, dialects[driver], time.Second, nil)
}

func TestRebind(t *testing.T) {
	_, pg := setupMockStore(t, DriverPostgres)
	assert.Equal(t, "SELECT a FROM t WHERE x = $1 AND y IN ($2,$3)", pg.rebind("SELECT a FROM t WHERE x = ? AND y IN (?,?)"))

	_, lite := setupMockStore(t, DriverSQLite)
	assert.Equal(t, "SELECT a FROM t WHERE x = ?", lite.rebind("SELECT a FROM t WHERE x = ?"))
}

func TestAssign_Postgres_ReportsCapacityAfterMiss(t *testing.T) {
	mock, s := setupMockStore(t, DriverPostgres)
	at := time.Date(2025, 2, 2, 0, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT 1 FROM agents WHERE id = \$1 FOR UPDATE`).
		WithArgs("agent-1").
		WillReturnRows(sqlmock.NewRows([]string{"one"}).AddRow(1))
	mock.ExpectExec(`UPDATE conversations SET status = \$1, assigned_agent_id = \$2, updated_at = \$3`).
		WithArgs("assigned", "agent-1", at, "conv-1", "pending", "agent-1", "active", "assigned", 5).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT status FROM conversations WHERE id = \$1`).
		WithArgs("conv-1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("pending"))
	mock.ExpectRollback()

	err := s.Assign(context.Background(), AssignParams{ConversationID: "conv-1", AgentID: "agent-1", Capacity: 5, At: at})
	assert.ErrorIs(t, err, ErrAtCapacity)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAssign_Postgres_LocksAgentBeforeCounting(t *testing.T) {
	mock, s := setupMockStore(t, DriverPostgres)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT 1 FROM agents WHERE id = \$1 FOR UPDATE`).
		WithArgs("agent-1").
		WillReturnRows(sqlmock.NewRows([]string{"one"}).AddRow(1))
	mock.ExpectExec(`UPDATE conversations SET status`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.Assign(context.Background(), AssignParams{ConversationID: "conv-1", AgentID: "agent-1", Capacity: 5})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAssign_Postgres_LockFailureAborts(t *testing.T) {
	mock, s := setupMockStore(t, DriverPostgres)
	dbErr := errors.New("deadlock detected")

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).WillReturnError(dbErr)
	mock.ExpectRollback()

	err := s.Assign(context.Background(), AssignParams{ConversationID: "conv-1", AgentID: "agent-1", Capacity: 5})
	assert.ErrorIs(t, err, dbErr)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAssign_ReportsConflictWhenNoLongerPending(t *testing.T) {
	mock, s := setupMockStore(t, DriverSQLite)

	mock.ExpectExec(`UPDATE conversations SET status`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT status FROM conversations`).
		WithArgs("conv-1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("assigned"))

	err := s.Assign(context.Background(), AssignParams{ConversationID: "conv-1", AgentID: "agent-1", Capacity: 5})
	assert.ErrorIs(t, err, ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAssign_WrapsDatabaseError(t *testing.T) {
	mock, s := setupMockStore(t, DriverSQLite)
	dbErr := errors.New("connection reset")

	mock.ExpectExec(`UPDATE conversations SET status`).WillReturnError(dbErr)

	err := s.Assign(context.Background(), AssignParams{ConversationID: "c", AgentID: "a", Capacity: 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, dbErr)
	assert.Contains(t, err.Error(), "assigning conversation")
}

func TestListPending_ZeroLimitSkipsQuery(t *testing.T) {
	mock, s := setupMockStore(t, DriverSQLite)

	got, err := s.ListPending(context.Background(), "t", 0)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}
