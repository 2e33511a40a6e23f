package orchestrator

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcus/rowsync/internal/events"
	"github.com/marcus/rowsync/internal/models"
	"github.com/marcus/rowsync/internal/sqlite"
	"github.com/marcus/rowsync/internal/syncerr"
)

var errLocked = errors.New("database is locked")

func q(s string) string { return regexp.QuoteMeta(s) }

// mockLocal wires a Local orchestrator to a sqlmock database that already
// carries the bookkeeping tables.
func mockLocal(t *testing.T, maxRetries int) (*Local, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mock.ExpectExec(q("PRAGMA busy_timeout")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(q("PRAGMA foreign_keys")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(q("CREATE TABLE IF NOT EXISTS rowsync_schema_info")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(q("SELECT value FROM rowsync_schema_info")).
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow("1"))

	a, err := sqlite.New(db)
	require.NoError(t, err)

	l, err := NewLocal(a, "main", itemSchema(), Options{MaxRetries: maxRetries, RetryInterval: time.Millisecond})
	require.NoError(t, err)
	return l, mock
}

func expectBegin(mock sqlmock.Sqlmock) {
	mock.ExpectBegin()
	mock.ExpectExec(q("PRAGMA defer_foreign_keys=ON")).WillReturnResult(sqlmock.NewResult(0, 0))
}

func expectLockedAttempt(mock sqlmock.Sqlmock) {
	expectBegin(mock)
	mock.ExpectQuery(q("FROM sqlite_master")).WillReturnError(errLocked)
	mock.ExpectRollback()
}

func expectSelection(mock sqlmock.Sqlmock) {
	expectBegin(mock)
	mock.ExpectQuery(q("FROM sqlite_master")).
		WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(1))
	mock.ExpectQuery(q("FROM rowsync_scope_info WHERE name")).
		WithArgs("main").
		WillReturnRows(sqlmock.NewRows([]string{
			"name", "id", "schema_hash", "schema", "last_sync_timestamp", "last_remote_timestamp",
			"last_sync", "last_sync_duration", "protocol_version",
		}).AddRow("main", "client-1", itemSchema().Hash(), "", int64(4), int64(0), nil, int64(0), "1.0.0"))
	mock.ExpectQuery(q("SELECT value FROM rowsync_timestamp")).
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow(int64(7)))
	mock.ExpectQuery(q(`FROM "item_tracking" t LEFT JOIN "item" b`)).
		WithArgs(int64(4), "server-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "qty", "tombstone", "present"}).
			AddRow(int64(5), "bolt", int64(2), false, true))
	mock.ExpectCommit()
}

func TestTransientErrorIsRetried(t *testing.T) {
	l, mock := mockLocal(t, 3)
	expectLockedAttempt(mock)
	expectSelection(mock)

	var reconnects []int
	events.On(l.Events(), func(ctx context.Context, e *events.ReconnectArgs) {
		reconnects = append(reconnects, e.Attempt)
		assert.Positive(t, e.Wait)
	})

	out, err := l.GetChanges(context.Background(), models.SyncContext{SessionID: "s1", ScopeName: "main"}, "server-1")
	require.NoError(t, err)
	defer out.Close()

	assert.Equal(t, []int{1}, reconnects)
	assert.EqualValues(t, 7, out.Snapshot)
	assert.Equal(t, 1, out.Batch.RowCount())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransientErrorExhaustsRetries(t *testing.T) {
	l, mock := mockLocal(t, 2)
	for i := 0; i < 3; i++ {
		expectLockedAttempt(mock)
	}

	reconnects := 0
	events.On(l.Events(), func(ctx context.Context, e *events.ReconnectArgs) { reconnects++ })

	_, err := l.GetChanges(context.Background(), models.SyncContext{SessionID: "s1", ScopeName: "main"}, "server-1")
	var te *syncerr.TransientConnectionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 3, te.Attempts)
	assert.Equal(t, 2, reconnects)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPermanentErrorIsNotRetried(t *testing.T) {
	l, mock := mockLocal(t, 3)
	expectBegin(mock)
	mock.ExpectQuery(q("FROM sqlite_master")).WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	_, err := l.GetChanges(context.Background(), models.SyncContext{SessionID: "s1", ScopeName: "main"}, "server-1")
	require.Error(t, err)
	var te *syncerr.TransientConnectionError
	assert.False(t, errors.As(err, &te))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReconnectHandlerCancels(t *testing.T) {
	l, mock := mockLocal(t, 3)
	expectLockedAttempt(mock)

	events.On(l.Events(), func(ctx context.Context, e *events.ReconnectArgs) { e.Cancel() })

	_, err := l.GetChanges(context.Background(), models.SyncContext{SessionID: "s1", ScopeName: "main"}, "server-1")
	assert.True(t, syncerr.IsCancelled(err), "got %v", err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
