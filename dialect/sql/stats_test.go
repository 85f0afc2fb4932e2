package sql

import (
	"context"
	"testing"
	"time"

	"github.com/degami/lessql/dialect"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func statsDriver(t *testing.T, opts ...StatsOption) (*StatsDriver, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStatsDriver(OpenDB(dialect.SQLite, db), opts...), mock
}

func TestStatsDriverCounters(t *testing.T) {
	drv, mock := statsDriver(t)
	mock.ExpectQuery("SELECT 1").
		WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))
	mock.ExpectExec("DELETE FROM users").
		WillReturnResult(sqlmock.NewResult(0, 0))

	rows := &Rows{}
	require.NoError(t, drv.Query(context.Background(), "SELECT 1", []any{}, rows))
	require.NoError(t, rows.Close())
	require.NoError(t, drv.Exec(context.Background(), "DELETE FROM users", []any{}, nil))

	snap := drv.QueryStats().Stats()
	assert.Equal(t, int64(1), snap.TotalQueries)
	assert.Equal(t, int64(1), snap.TotalExecs)
	assert.Equal(t, int64(0), snap.Errors)
	assert.GreaterOrEqual(t, snap.TotalDuration, time.Duration(0))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStatsDriverErrors(t *testing.T) {
	drv, mock := statsDriver(t)
	mock.ExpectQuery("SELECT boom").
		WillReturnError(assert.AnError)

	rows := &Rows{}
	err := drv.Query(context.Background(), "SELECT boom", []any{}, rows)
	require.Error(t, err)
	assert.Equal(t, int64(1), drv.QueryStats().Stats().Errors)
}

func TestStatsDriverSlowHook(t *testing.T) {
	var slow []string
	drv, mock := statsDriver(t,
		WithSlowThreshold(0),
		WithSlowQueryHook(func(_ context.Context, query string, _ []any, _ time.Duration) {
			slow = append(slow, query)
		}),
	)
	mock.ExpectQuery("SELECT 1").
		WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))

	rows := &Rows{}
	require.NoError(t, drv.Query(context.Background(), "SELECT 1", []any{}, rows))
	require.NoError(t, rows.Close())
	assert.Equal(t, []string{"SELECT 1"}, slow)
	assert.Equal(t, int64(1), drv.QueryStats().Stats().SlowQueries)
}

func TestStatsDriverThreshold(t *testing.T) {
	drv, _ := statsDriver(t)
	assert.Equal(t, 100*time.Millisecond, drv.SlowThreshold())
	drv.SetSlowThreshold(time.Second)
	assert.Equal(t, time.Second, drv.SlowThreshold())
}

func TestStatsTx(t *testing.T) {
	drv, mock := statsDriver(t)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO users DEFAULT VALUES").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	tx, err := drv.Tx(context.Background())
	require.NoError(t, err)
	require.NoError(t, tx.Exec(context.Background(), "INSERT INTO users DEFAULT VALUES", []any{}, nil))
	require.NoError(t, tx.Commit())
	assert.Equal(t, int64(1), drv.QueryStats().Stats().TotalExecs)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStatsSnapshotString(t *testing.T) {
	var s QueryStats
	s.TotalQueries.Store(2)
	s.TotalExecs.Store(2)
	s.TotalDuration.Store(int64(4 * time.Millisecond))
	snap := s.Stats()
	assert.Equal(t, time.Millisecond, snap.AvgQueryDuration())
	assert.Contains(t, snap.String(), "queries=2")

	s.Reset()
	assert.Equal(t, int64(0), s.Stats().TotalQueries)
	assert.Equal(t, time.Duration(0), s.Stats().AvgQueryDuration())
}
