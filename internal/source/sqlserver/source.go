package sqlserver

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/jmoiron/sqlx"

	"github.com/katasec/dstream-snapshot-mssql/internal/db"
	"github.com/katasec/dstream-snapshot-mssql/pkg/snapshot"
)

// Connector opens one SQL Server connection pool per sync pass
type Connector struct {
	connectionString string
	schema           string
	logger           hclog.Logger
	connect          func(ctx context.Context, connectionString string) (*sql.DB, error)
}

var _ snapshot.Connector = (*Connector)(nil)

// NewConnector returns a Connector for the database at connectionString.
// Unqualified table names resolve against schema.
func NewConnector(connectionString, schema string, logger hclog.Logger) *Connector {
	if schema == "" {
		schema = "dbo"
	}
	return &Connector{
		connectionString: connectionString,
		schema:           schema,
		logger:           logger,
		connect:          db.Connect,
	}
}

// Open connects and pings the database
func (c *Connector) Open(ctx context.Context) (snapshot.Session, error) {
	conn, err := c.connect(ctx, c.connectionString)
	if err != nil {
		return nil, err
	}
	c.logger.Info("Connected to SQL Server")
	return NewSession(conn, c.schema, c.logger), nil
}

// Session runs table queries over a shared connection pool
type Session struct {
	db     *sqlx.DB
	schema string
	logger hclog.Logger

	mu      sync.Mutex
	columns map[string][]db.Column

	closeOnce sync.Once
	closeErr  error
}

var _ snapshot.Session = (*Session)(nil)

// NewSession wraps an open connection pool
func NewSession(conn *sql.DB, schema string, logger hclog.Logger) *Session {
	return &Session{
		db:      sqlx.NewDb(conn, db.DriverName).Unsafe(),
		schema:  schema,
		logger:  logger,
		columns: make(map[string][]db.Column),
	}
}

// QueryRows implements snapshot.DataSource
func (s *Session) QueryRows(ctx context.Context, q snapshot.Query) (*snapshot.ExtractionResult, error) {
	columns, err := s.tableColumns(ctx, q.Table)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch column names for %s: %w", q.Table, err)
	}

	query, args := buildQuery(q, s.schema, columns)
	s.logger.Debug("Query", "table", q.Table, "sql", query)

	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", q.Table, err)
	}
	defer rows.Close()

	resultCols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read columns of %s: %w", q.Table, err)
	}

	dataTypes := make(map[string]string, len(columns))
	for _, c := range columns {
		dataTypes[c.Name] = c.DataType
	}

	result := &snapshot.ExtractionResult{Columns: resultCols}
	for rows.Next() {
		row := make(map[string]any, len(resultCols))
		if err := rows.MapScan(row); err != nil {
			return nil, fmt.Errorf("failed to scan row of %s: %w", q.Table, err)
		}
		for k, v := range row {
			row[k] = convertValue(v, dataTypes[k])
		}
		result.Rows = append(result.Rows, snapshot.Row(row))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read rows of %s: %w", q.Table, err)
	}
	return result, nil
}

// Close closes the connection pool; later calls are no-ops
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.db.Close()
		s.logger.Info("Closed SQL Server connection")
	})
	return s.closeErr
}

// tableColumns caches the ordinal column list of a table for the lifetime of the session
func (s *Session) tableColumns(ctx context.Context, table string) ([]db.Column, error) {
	s.mu.Lock()
	cols, ok := s.columns[table]
	s.mu.Unlock()
	if ok {
		return cols, nil
	}

	schema, name := db.SplitTableName(table, s.schema)
	cols, err := db.GetColumns(ctx, s.db.DB, schema, name)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("Found columns", "table", table, "columns", cols)

	s.mu.Lock()
	s.columns[table] = cols
	s.mu.Unlock()
	return cols, nil
}

// buildQuery renders the extraction query. The timestamp bound is exclusive: a row whose
// timestamp equals the previous watermark is not returned again. The bound is sent as
// datetimeoffset(7), so it is converted to the column's own type first; otherwise a DATETIME
// value such as .0033333, which the driver reads back as .003, stays greater than its own watermark.
func buildQuery(q snapshot.Query, defaultSchema string, columns []db.Column) (string, []any) {
	selectList := "*"
	tsType := ""
	if len(columns) > 0 {
		quoted := make([]string, len(columns))
		for i, c := range columns {
			quoted[i] = db.QuoteName(c.Name)
			if strings.EqualFold(c.Name, q.TimestampColumn) {
				tsType = c.DataType
			}
		}
		selectList = strings.Join(quoted, ", ")
	}

	schema, table := db.SplitTableName(q.Table, defaultSchema)
	var sb strings.Builder
	fmt.Fprintf(&sb, "SELECT %s FROM %s.%s", selectList, db.QuoteName(schema), db.QuoteName(table))

	var args []any
	if q.TimestampColumn != "" {
		ts := db.QuoteName(q.TimestampColumn)
		if q.After != nil {
			bound := "@after"
			if temporalTypes[tsType] {
				bound = fmt.Sprintf("CONVERT(%s, @after)", tsType)
			}
			fmt.Fprintf(&sb, " WHERE %s > %s", ts, bound)
			args = append(args, sql.Named("after", q.After.UTC()))
		}
		fmt.Fprintf(&sb, " ORDER BY %s", ts)
	}
	return sb.String(), args
}
