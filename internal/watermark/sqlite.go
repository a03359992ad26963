package watermark

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-hclog"
	_ "modernc.org/sqlite"

	"github.com/katasec/dstream-snapshot-mssql/pkg/snapshot"
)

// SQLite keeps watermarks in a local SQLite database file
type SQLite struct {
	db     *sql.DB
	table  string
	logger hclog.Logger
}

// OpenSQLite opens or creates the database at path
func OpenSQLite(path, table string, logger hclog.Logger) (*SQLite, error) {
	if table == "" {
		table = DefaultTableName
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create watermark directory: %w", err)
		}
	}

	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open watermark database: %w", err)
	}

	s := &SQLite{db: conn, table: table, logger: logger}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) migrate() error {
	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %q (
		table_name TEXT PRIMARY KEY,
		last_sync_time TEXT,
		updated_at TEXT NOT NULL
	)`, s.table)
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("failed to create %s table: %w", s.table, err)
	}
	return nil
}

func (s *SQLite) GetLastSyncTime(ctx context.Context, tableName string) (*time.Time, error) {
	var last sql.NullString
	query := fmt.Sprintf(`SELECT last_sync_time FROM %q WHERE table_name = ?`, s.table)
	err := s.db.QueryRowContext(ctx, query, tableName).Scan(&last)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load watermark for %s: %w", tableName, err)
	}
	return parseStoredTime(last)
}

func (s *SQLite) Commit(ctx context.Context, tableName string, lastSyncTime *time.Time, committedAt time.Time) error {
	query := fmt.Sprintf(`INSERT INTO %q (table_name, last_sync_time, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(table_name) DO UPDATE SET
			last_sync_time = excluded.last_sync_time,
			updated_at = excluded.updated_at`, s.table)

	var last sql.NullString
	if lastSyncTime != nil {
		last = sql.NullString{String: lastSyncTime.UTC().Format(time.RFC3339Nano), Valid: true}
	}
	if _, err := s.db.ExecContext(ctx, query, tableName, last, committedAt.UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("failed to save watermark for %s: %w", tableName, err)
	}
	s.logger.Debug("Saved watermark", "table", tableName, "last_sync_time", lastSyncTime)
	return nil
}

func (s *SQLite) List(ctx context.Context) ([]snapshot.Watermark, error) {
	query := fmt.Sprintf(`SELECT table_name, last_sync_time, updated_at FROM %q ORDER BY table_name`, s.table)
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list watermarks: %w", err)
	}
	defer rows.Close()

	var out []snapshot.Watermark
	for rows.Next() {
		var (
			name    string
			last    sql.NullString
			updated string
		)
		if err := rows.Scan(&name, &last, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan watermark: %w", err)
		}
		lastTime, err := parseStoredTime(last)
		if err != nil {
			return nil, err
		}
		updatedAt, err := time.Parse(time.RFC3339Nano, updated)
		if err != nil {
			return nil, fmt.Errorf("invalid updated_at for %s: %w", name, err)
		}
		out = append(out, snapshot.Watermark{TableName: name, LastSyncTime: lastTime, UpdatedAt: updatedAt.UTC()})
	}
	return out, rows.Err()
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func parseStoredTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		return nil, fmt.Errorf("invalid stored watermark %q: %w", v.String, err)
	}
	t = t.UTC()
	return &t, nil
}
