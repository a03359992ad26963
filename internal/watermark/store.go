// Package watermark persists per-table sync watermarks.
package watermark

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/katasec/dstream-snapshot-mssql/internal/config"
	"github.com/katasec/dstream-snapshot-mssql/internal/db"
	"github.com/katasec/dstream-snapshot-mssql/pkg/snapshot"
)

// DefaultTableName is the table or collection watermarks are stored in
const DefaultTableName = "sync_watermarks"

// Store is a WatermarkStore that can also list its contents
type Store interface {
	snapshot.WatermarkStore
	List(ctx context.Context) ([]snapshot.Watermark, error)
	Close() error
}

// New builds the store selected by cfg.Watermarks.Type
func New(ctx context.Context, cfg *config.Config, logger hclog.Logger) (Store, error) {
	wc := cfg.Watermarks
	logger = logger.Named("watermark")

	table := wc.Table
	if table == "" {
		table = DefaultTableName
		if wc.Type == "bigquery" {
			table = "sync_metadata"
		}
	}

	switch wc.Type {
	case "memory":
		return NewMemory(), nil
	case "sqlite":
		return OpenSQLite(wc.Path, table, logger)
	case "sqlserver":
		dsn := wc.ConnectionString
		if dsn == "" {
			dsn = cfg.Source.DSN()
		}
		conn, err := db.Connect(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to connect watermark database: %w", err)
		}
		return NewSQLServer(conn, table, logger), nil
	case "bigquery":
		return NewBigQuery(ctx, BigQueryOptions{
			Project:  wc.Project,
			Dataset:  wc.Dataset,
			Table:    table,
			Location: wc.Location,
		}, logger)
	default:
		return nil, fmt.Errorf("unsupported watermark store type: %s", wc.Type)
	}
}

// initializer runs an idempotent setup step once it has succeeded; failures are retried on the next call
type initializer struct {
	mu   sync.Mutex
	done bool
}

func (i *initializer) Do(ctx context.Context, f func(context.Context) error) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.done {
		return nil
	}
	if err := f(ctx); err != nil {
		return err
	}
	i.done = true
	return nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
