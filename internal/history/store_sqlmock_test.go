package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/portsim/internal/errors"
	"github.com/anstrom/portsim/internal/logging"
	"github.com/anstrom/portsim/internal/metrics"
)

const (
	selectPattern = `SELECT value FROM kv_store WHERE key = \?`
	upsertPattern = `INSERT INTO kv_store \(key, value\) VALUES \(\?, \?\)`
)

// sqlmock does not export its option type, so it is inferred from sqlmock.New.
var newMockStore = mockStoreFactory(sqlmock.New)

func mockStoreFactory[O any](newDB func(...O) (*sql.DB, sqlmock.Sqlmock, error)) func(*testing.T, ...O) (*Store, sqlmock.Sqlmock) {
	return func(t *testing.T, opts ...O) (*Store, sqlmock.Sqlmock) {
		t.Helper()
		mockDB, mock, err := newDB(opts...)
		require.NoError(t, err)

		db := &DB{DB: sqlx.NewDb(mockDB, "sqlmock"), driver: "sqlmock"}
		s := NewStore(db, DefaultConfig(),
			WithLogger(logging.NewNop()),
			WithMetrics(metrics.NewPrometheusMetrics()))

		t.Cleanup(func() {
			assert.NoError(t, mock.ExpectationsWereMet())
			_ = mockDB.Close()
		})
		return s, mock
	}
}

func encode(t *testing.T, log Log) string {
	t.Helper()
	data, err := json.Marshal(log)
	require.NoError(t, err)
	return string(data)
}

func TestStoreLoad_QueryFailureKeepsCache(t *testing.T) {
	s, mock := newMockStore(t)
	stored := Log{{ID: 5, Target: "cached", TotalPorts: 3, Method: "async"}}

	mock.ExpectQuery(selectPattern).WithArgs("scanHistory").
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow(encode(t, stored)))
	mock.ExpectQuery(selectPattern).WithArgs("scanHistory").
		WillReturnError(&pq.Error{Code: "08006", Message: "connection failure"})

	assert.Equal(t, stored, s.Load(context.Background()))
	assert.Equal(t, stored, s.Load(context.Background()), "read failure falls back to the last good copy")
}

func TestStoreLoad_MissingKey(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(selectPattern).WillReturnError(sql.ErrNoRows)

	log := s.Load(context.Background())
	assert.NotNil(t, log)
	assert.Empty(t, log)
}

func TestStoreRecord_Transaction(t *testing.T) {
	s, mock := newMockStore(t)
	existing := Log{{ID: 1, Target: "older"}}

	mock.ExpectBegin()
	mock.ExpectQuery(selectPattern).WithArgs("scanHistory").
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow(encode(t, existing)))
	mock.ExpectExec(upsertPattern).WithArgs("scanHistory", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	entry, err := s.Record(context.Background(), completedSession(t, "newer"))
	require.NoError(t, err)

	s.mu.Lock()
	cached := s.cache.clone()
	s.mu.Unlock()

	require.Len(t, cached, 2)
	assert.Equal(t, entry, cached[0])
	assert.Equal(t, "older", cached[1].Target)
	assert.Greater(t, entry.ID, int64(1))
}

func TestStoreRecord_BeginFailureKeepsEntryInMemory(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin().WillReturnError(sql.ErrConnDone)
	mock.ExpectQuery(selectPattern).WillReturnError(sql.ErrConnDone)

	entry, err := s.Record(context.Background(), completedSession(t, "offline"))
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeStorageQuery))
	assert.Equal(t, "offline", entry.Target)

	assert.Equal(t, Log{entry}, s.Load(context.Background()))
}

func TestStoreRecord_WriteFailureRollsBack(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(selectPattern).WillReturnError(sql.ErrNoRows)
	mock.ExpectExec(upsertPattern).
		WillReturnError(&pq.Error{Code: "08006", Message: "connection failure"})
	mock.ExpectRollback()

	_, err := s.Record(context.Background(), completedSession(t, "flaky"))
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeStorageConnection))
	assert.NotContains(t, err.Error(), "connection failure", "driver details stay in the cause")
}

func TestStoreRecord_OverwritesCorruptValue(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(selectPattern).
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow("not json"))
	mock.ExpectExec(upsertPattern).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	_, err := s.Record(context.Background(), completedSession(t, "fresh"))
	require.NoError(t, err)
	assert.Len(t, s.cache, 1)
}

func TestStoreClear_CommitFailure(t *testing.T) {
	s, mock := newMockStore(t)
	s.cache = Log{{ID: 1, Target: "kept"}}

	mock.ExpectBegin()
	mock.ExpectQuery(selectPattern).
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow(encode(t, s.cache)))
	mock.ExpectExec(upsertPattern).WithArgs("scanHistory", "[]").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit().WillReturnError(sql.ErrTxDone)

	err := s.Clear(context.Background(), true)
	require.Error(t, err)
	assert.Empty(t, s.cache, "in-memory log is cleared even when persisting fails")
}

func TestStoreClear_RequiresConfirmation(t *testing.T) {
	s, _ := newMockStore(t)

	err := s.Clear(context.Background(), false)
	assert.True(t, errors.IsCode(err, errors.CodeConfirmationRequired))
}

func TestStorePing(t *testing.T) {
	s, mock := newMockStore(t, sqlmock.MonitorPingsOption(true))

	mock.ExpectPing()
	assert.NoError(t, s.Ping(context.Background()))

	mock.ExpectPing().WillReturnError(&pq.Error{Code: "57P01"})
	err := s.Ping(context.Background())
	assert.True(t, errors.IsCode(err, errors.CodeStorageConnection))
}
