package db

import (
	"context"
	"database/sql"
	"strings"
)

// SplitTableName splits "schema.table" into its parts, using defaultSchema when no schema is given
func SplitTableName(name, defaultSchema string) (schema, table string) {
	name = strings.TrimSpace(name)
	if idx := strings.LastIndex(name, "."); idx != -1 {
		return unquote(name[:idx]), unquote(name[idx+1:])
	}
	return defaultSchema, unquote(name)
}

// QuoteName bracket-quotes a single name, which may itself contain dots
func QuoteName(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

func unquote(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && s[0] == '[' && s[len(s)-1] == ']' {
		return strings.ReplaceAll(s[1:len(s)-1], "]]", "]")
	}
	return s
}

// Column is a table column and its INFORMATION_SCHEMA data type, e.g. "datetime2" or "uniqueidentifier"
type Column struct {
	Name     string
	DataType string
}

// ColumnNames returns the names of cols in order
func ColumnNames(cols []Column) []string {
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}
	return names
}

// GetColumns returns the columns of a table in ordinal order
func GetColumns(ctx context.Context, db *sql.DB, schema, tableName string) ([]Column, error) {
	query := `SELECT COLUMN_NAME, DATA_TYPE FROM INFORMATION_SCHEMA.COLUMNS WHERE TABLE_SCHEMA = @schema AND TABLE_NAME = @tableName ORDER BY ORDINAL_POSITION`
	rows, err := db.QueryContext(ctx, query, sql.Named("schema", schema), sql.Named("tableName", tableName))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var columns []Column
	for rows.Next() {
		var c Column
		if err := rows.Scan(&c.Name, &c.DataType); err != nil {
			return nil, err
		}
		c.DataType = strings.ToLower(c.DataType)
		columns = append(columns, c)
	}
	return columns, rows.Err()
}
