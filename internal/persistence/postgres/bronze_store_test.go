package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	raw, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { raw.Close() })
	return sqlx.NewDb(raw, "postgres"), mock
}

func TestBronzeUpsertUsesDeclaredUniqueCols(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewBronzeStore(db)

	mock.ExpectBegin()
	mock.ExpectPrepare(`INSERT INTO bronze\.eia_ethanol \(date, production_kbd, week\) VALUES \(\$1, \$2, \$3\) ON CONFLICT \(date\) DO UPDATE SET .+ RETURNING \(xmax = 0\)`)
	mock.ExpectQuery(`INSERT INTO bronze\.eia_ethanol`).
		WithArgs("2024-08-02", 1050.0, 31).
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(true))
	mock.ExpectQuery(`INSERT INTO bronze\.eia_ethanol`).
		WithArgs("2024-08-09", 1040.0, 32).
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(false))
	mock.ExpectCommit()

	res, err := store.Upsert(context.Background(), "bronze.eia_ethanol", []map[string]any{
		{"date": "2024-08-02", "week": 31, "production_kbd": 1050.0},
		{"date": "2024-08-09", "week": 32, "production_kbd": 1040.0},
	}, []string{"date"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)
	assert.Equal(t, 1, res.Updated)
	assert.Equal(t, []string{"2024-08-02", "2024-08-09"}, res.IDs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBronzeUpsertDefaultsToDateColumn(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewBronzeStore(db)

	mock.ExpectBegin()
	mock.ExpectPrepare(`ON CONFLICT \(date\) DO UPDATE`)
	mock.ExpectQuery(`INSERT INTO`).
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(true))
	mock.ExpectCommit()

	_, err := store.Upsert(context.Background(), "bronze.mpob_stocks", []map[string]any{
		{"date": "2024-07-01", "stocks_mt": 1.72},
	}, nil)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBronzeUpsertRejectsBadIdentifiers(t *testing.T) {
	db, _ := newMockDB(t)
	store := NewBronzeStore(db)

	_, err := store.Upsert(context.Background(), "bronze.x; DROP TABLE", []map[string]any{{"a": 1}}, nil)
	require.Error(t, err)

	_, err = store.Upsert(context.Background(), "bronze.ok", []map[string]any{{"bad col": 1}}, nil)
	require.Error(t, err)
}

func TestRecordRunIncrementsFailures(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewRunStateRepo(db)

	mock.ExpectExec(`INSERT INTO silver\.collector_run_state`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.RecordRun(context.Background(), "census_trade", false, 4, testTime(t))
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func testTime(t *testing.T) (ts time.Time) {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, "2026-08-24T12:00:00Z")
	require.NoError(t, err)
	return ts
}
