package watermark

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/katasec/dstream-snapshot-mssql/internal/config"
)

func ts(s string) *time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return &t
}

func TestMemory_CommitAndGet(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	last, err := m.GetLastSyncTime(ctx, "orders")
	require.NoError(t, err)
	assert.Nil(t, last)

	now := time.Now()
	require.NoError(t, m.Commit(ctx, "orders", ts("2024-01-15T10:00:00Z"), now))
	require.NoError(t, m.Commit(ctx, "customers", nil, now))

	last, err = m.GetLastSyncTime(ctx, "orders")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.True(t, last.Equal(*ts("2024-01-15T10:00:00Z")))

	last, err = m.GetLastSyncTime(ctx, "customers")
	require.NoError(t, err)
	assert.Nil(t, last)

	list, err := m.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "customers", list[0].TableName)
	assert.Equal(t, "orders", list[1].TableName)
	assert.Len(t, m.Commits(), 2)
}

func TestMemory_FailureInjection(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	boom := errors.New("store down")

	m.FailCommit("orders", boom)
	assert.ErrorIs(t, m.Commit(ctx, "orders", nil, time.Now()), boom)
	_, ok := m.Get("orders")
	assert.False(t, ok)

	m.FailCommit("orders", nil)
	require.NoError(t, m.Commit(ctx, "orders", nil, time.Now()))

	m.FailGet("orders", boom)
	_, err := m.GetLastSyncTime(ctx, "orders")
	assert.ErrorIs(t, err, boom)
}

func TestSQLite_RoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state", "watermarks.db")

	s, err := OpenSQLite(path, "", hclog.NewNullLogger())
	require.NoError(t, err)

	last, err := s.GetLastSyncTime(ctx, "orders")
	require.NoError(t, err)
	assert.Nil(t, last)

	committedAt := time.Date(2024, 1, 15, 11, 0, 0, 0, time.UTC)
	require.NoError(t, s.Commit(ctx, "orders", ts("2024-01-15T10:00:00Z"), committedAt))
	require.NoError(t, s.Commit(ctx, "orders", ts("2024-01-15T12:00:00Z"), committedAt.Add(time.Hour)))
	require.NoError(t, s.Commit(ctx, "customers", nil, committedAt))
	require.NoError(t, s.Close())

	// state survives reopening
	s, err = OpenSQLite(path, "", hclog.NewNullLogger())
	require.NoError(t, err)
	defer s.Close()

	last, err = s.GetLastSyncTime(ctx, "orders")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.True(t, last.Equal(*ts("2024-01-15T12:00:00Z")))

	last, err = s.GetLastSyncTime(ctx, "customers")
	require.NoError(t, err)
	assert.Nil(t, last)

	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "customers", list[0].TableName)
	assert.Nil(t, list[0].LastSyncTime)
	assert.Equal(t, committedAt.Add(time.Hour), list[1].UpdatedAt)
}

func TestSQLServer_GetLastSyncTime(t *testing.T) {
	dbConn, mock, err := sqlmock.New()
	require.NoError(t, err)
	store := NewSQLServer(dbConn, "", hclog.NewNullLogger())
	ctx := context.Background()

	mock.ExpectExec("CREATE TABLE \\[dbo\\]\\.\\[sync_watermarks\\]").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT last_sync_time FROM \\[dbo\\]\\.\\[sync_watermarks\\] WHERE table_name = @tableName").
		WithArgs(sql.Named("tableName", "orders")).
		WillReturnRows(sqlmock.NewRows([]string{"last_sync_time"}).AddRow(*ts("2024-01-15T10:00:00Z")))
	mock.ExpectQuery("SELECT last_sync_time FROM").
		WithArgs(sql.Named("tableName", "products")).
		WillReturnRows(sqlmock.NewRows([]string{"last_sync_time"}))

	last, err := store.GetLastSyncTime(ctx, "orders")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.True(t, last.Equal(*ts("2024-01-15T10:00:00Z")))

	// table creation only runs once
	last, err = store.GetLastSyncTime(ctx, "products")
	require.NoError(t, err)
	assert.Nil(t, last)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLServer_Commit(t *testing.T) {
	dbConn, mock, err := sqlmock.New()
	require.NoError(t, err)
	store := NewSQLServer(dbConn, "meta.watermarks", hclog.NewNullLogger())

	mock.ExpectExec("CREATE TABLE \\[meta\\]\\.\\[watermarks\\]").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("MERGE INTO \\[meta\\]\\.\\[watermarks\\] AS target").
		WithArgs(
			sql.Named("tableName", "orders"),
			sql.Named("lastSyncTime", ts("2024-01-15T10:00:00Z").UTC()),
			sql.Named("updatedAt", sqlmock.AnyArg()),
		).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("MERGE INTO").
		WithArgs(
			sql.Named("tableName", "customers"),
			sql.Named("lastSyncTime", nil),
			sql.Named("updatedAt", sqlmock.AnyArg()),
		).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.Commit(context.Background(), "orders", ts("2024-01-15T10:00:00Z"), time.Now()))
	require.NoError(t, store.Commit(context.Background(), "customers", nil, time.Now()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLServer_CreateFailureIsRetried(t *testing.T) {
	dbConn, mock, err := sqlmock.New()
	require.NoError(t, err)
	store := NewSQLServer(dbConn, "", hclog.NewNullLogger())

	mock.ExpectExec("CREATE TABLE").WillReturnError(errors.New("permission denied"))
	mock.ExpectExec("CREATE TABLE").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT table_name, last_sync_time, updated_at FROM").
		WillReturnRows(sqlmock.NewRows([]string{"table_name", "last_sync_time", "updated_at"}).
			AddRow("orders", *ts("2024-01-15T10:00:00Z"), *ts("2024-01-15T11:00:00Z")).
			AddRow("customers", nil, *ts("2024-01-15T11:00:00Z")))

	_, err = store.List(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create sync_watermarks table")

	list, err := store.List(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Nil(t, list[1].LastSyncTime)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNew_Memory(t *testing.T) {
	cfg := &config.Config{Watermarks: config.WatermarkConfig{Type: "memory"}}
	store, err := New(context.Background(), cfg, hclog.NewNullLogger())
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, store)
}

func TestNew_Unsupported(t *testing.T) {
	cfg := &config.Config{Watermarks: config.WatermarkConfig{Type: "etcd"}}
	_, err := New(context.Background(), cfg, hclog.NewNullLogger())
	assert.Error(t, err)
}
