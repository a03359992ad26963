package watermark

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/katasec/dstream-snapshot-mssql/internal/db"
	"github.com/katasec/dstream-snapshot-mssql/pkg/snapshot"
)

// SQLServer keeps watermarks in a table on a SQL Server database
type SQLServer struct {
	dbConn *sql.DB
	table  string
	logger hclog.Logger
	init   initializer
}

// NewSQLServer returns a store backed by the given table, created on first use
func NewSQLServer(dbConn *sql.DB, table string, logger hclog.Logger) *SQLServer {
	if table == "" {
		table = DefaultTableName
	}
	return &SQLServer{
		dbConn: dbConn,
		table:  table,
		logger: logger,
	}
}

func (s *SQLServer) quotedTable() string {
	schema, name := db.SplitTableName(s.table, "dbo")
	return db.QuoteName(schema) + "." + db.QuoteName(name)
}

// ensureTable creates the watermark table if it does not exist
func (s *SQLServer) ensureTable(ctx context.Context) error {
	return s.init.Do(ctx, func(ctx context.Context) error {
		createQuery := fmt.Sprintf(`
	IF OBJECT_ID(@tableName, N'U') IS NULL
	BEGIN
		CREATE TABLE %s (
			table_name NVARCHAR(255) NOT NULL PRIMARY KEY,
			last_sync_time DATETIME2(7) NULL,
			updated_at DATETIME2(7) NOT NULL
		);
	END`, s.quotedTable())

		if _, err := s.dbConn.ExecContext(ctx, createQuery, sql.Named("tableName", s.quotedTable())); err != nil {
			return fmt.Errorf("failed to create %s table: %w", s.table, err)
		}
		s.logger.Debug("Initialized watermark table", "table", s.table)
		return nil
	})
}

func (s *SQLServer) GetLastSyncTime(ctx context.Context, tableName string) (*time.Time, error) {
	if err := s.ensureTable(ctx); err != nil {
		return nil, err
	}

	var last sql.NullTime
	query := fmt.Sprintf("SELECT last_sync_time FROM %s WHERE table_name = @tableName", s.quotedTable())
	err := s.dbConn.QueryRowContext(ctx, query, sql.Named("tableName", tableName)).Scan(&last)
	if errors.Is(err, sql.ErrNoRows) {
		s.logger.Debug("No previous watermark", "table", tableName)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load watermark for %s: %w", tableName, err)
	}
	if !last.Valid {
		return nil, nil
	}
	t := last.Time.UTC()
	return &t, nil
}

func (s *SQLServer) Commit(ctx context.Context, tableName string, lastSyncTime *time.Time, committedAt time.Time) error {
	if err := s.ensureTable(ctx); err != nil {
		return err
	}

	upsertQuery := fmt.Sprintf(`
	MERGE INTO %s AS target
	USING (VALUES (@tableName, @lastSyncTime, @updatedAt)) AS source (table_name, last_sync_time, updated_at)
	ON target.table_name = source.table_name
	WHEN MATCHED THEN
		UPDATE SET last_sync_time = source.last_sync_time, updated_at = source.updated_at
	WHEN NOT MATCHED THEN
		INSERT (table_name, last_sync_time, updated_at)
		VALUES (source.table_name, source.last_sync_time, source.updated_at);`, s.quotedTable())

	_, err := s.dbConn.ExecContext(ctx, upsertQuery,
		sql.Named("tableName", tableName),
		sql.Named("lastSyncTime", nullTime(lastSyncTime)),
		sql.Named("updatedAt", committedAt.UTC()),
	)
	if err != nil {
		return fmt.Errorf("failed to save watermark for %s: %w", tableName, err)
	}

	s.logger.Debug("Saved watermark", "table", tableName, "last_sync_time", lastSyncTime)
	return nil
}

func (s *SQLServer) List(ctx context.Context) ([]snapshot.Watermark, error) {
	if err := s.ensureTable(ctx); err != nil {
		return nil, err
	}

	query := fmt.Sprintf("SELECT table_name, last_sync_time, updated_at FROM %s ORDER BY table_name", s.quotedTable())
	rows, err := s.dbConn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list watermarks: %w", err)
	}
	defer rows.Close()

	var out []snapshot.Watermark
	for rows.Next() {
		var (
			w    snapshot.Watermark
			last sql.NullTime
		)
		if err := rows.Scan(&w.TableName, &last, &w.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan watermark: %w", err)
		}
		if last.Valid {
			t := last.Time.UTC()
			w.LastSyncTime = &t
		}
		w.UpdatedAt = w.UpdatedAt.UTC()
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *SQLServer) Close() error {
	return s.dbConn.Close()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
