package snapshot

import (
	"context"
	"time"
)

// DataSource executes row queries against source tables
type DataSource interface {
	// QueryRows returns the rows of q.Table. When q.TimestampColumn is set the rows are
	// ordered ascending by it, and when q.After is also set only rows whose timestamp is
	// strictly greater than q.After are returned. No rows is an empty result, not an error.
	QueryRows(ctx context.Context, q Query) (*ExtractionResult, error)
}

// Session is a DataSource holding a connection that must be closed once
type Session interface {
	DataSource
	Close() error
}

// Connector opens the shared source session for a sync pass
type Connector interface {
	Open(ctx context.Context) (Session, error)
}

// ObjectSink stores snapshot artifacts. A write either fully succeeds or returns an error.
type ObjectSink interface {
	Write(ctx context.Context, name string, data []byte, contentType string) error
}

// WatermarkStore persists the per-table sync cursor
type WatermarkStore interface {
	// GetLastSyncTime returns the last committed sync time for the table, or nil if none exists
	GetLastSyncTime(ctx context.Context, tableName string) (*time.Time, error)

	// Commit inserts or fully replaces the watermark for the table
	Commit(ctx context.Context, tableName string, lastSyncTime *time.Time, committedAt time.Time) error
}
