package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/denisenkom/go-mssqldb"
)

// DriverName is the database/sql driver registered by go-mssqldb
const DriverName = "sqlserver"

// Connect opens a SQL Server connection pool and verifies it with a ping
func Connect(ctx context.Context, connectionString string) (*sql.DB, error) {
	db, err := sql.Open(DriverName, connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}
