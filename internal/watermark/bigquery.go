package watermark

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/hashicorp/go-hclog"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"

	"github.com/katasec/dstream-snapshot-mssql/pkg/snapshot"
)

// BigQueryOptions locates the metadata table
type BigQueryOptions struct {
	Project  string
	Dataset  string
	Table    string
	Location string
}

// BigQuery keeps watermarks in a BigQuery table, one row per synced table
type BigQuery struct {
	client *bigquery.Client
	opts   BigQueryOptions
	logger hclog.Logger
	init   initializer
}

// exactColumn holds last_sync_time as RFC3339Nano text. TIMESTAMP keeps microseconds, and
// datetime2(7) watermarks need 100ns.
const exactColumn = "last_sync_time_exact"

var watermarkSchema = bigquery.Schema{
	{Name: "table_name", Type: bigquery.StringFieldType, Required: true},
	{Name: "last_sync_time", Type: bigquery.TimestampFieldType},
	{Name: exactColumn, Type: bigquery.StringFieldType},
	{Name: "updated_at", Type: bigquery.TimestampFieldType, Required: true},
}

// NewBigQuery creates a client for the configured project
func NewBigQuery(ctx context.Context, opts BigQueryOptions, logger hclog.Logger) (*BigQuery, error) {
	client, err := bigquery.NewClient(ctx, opts.Project)
	if err != nil {
		return nil, fmt.Errorf("bigquery.NewClient: %w", err)
	}
	if opts.Location != "" {
		client.Location = opts.Location
	}
	return &BigQuery{client: client, opts: opts, logger: logger}, nil
}

func (b *BigQuery) fqtn() string {
	return fmt.Sprintf("`%s.%s.%s`", b.opts.Project, b.opts.Dataset, b.opts.Table)
}

// ensureTable creates the dataset and table when they are missing
func (b *BigQuery) ensureTable(ctx context.Context) error {
	return b.init.Do(ctx, func(ctx context.Context) error {
		ds := b.client.Dataset(b.opts.Dataset)
		if _, err := ds.Metadata(ctx); err != nil {
			if !isStatus(err, http.StatusNotFound) {
				return fmt.Errorf("unable to fetch dataset %s: %w", b.opts.Dataset, err)
			}
			err = ds.Create(ctx, &bigquery.DatasetMetadata{Location: b.opts.Location})
			if err != nil && !isStatus(err, http.StatusConflict) {
				return fmt.Errorf("unable to create dataset %s: %w", b.opts.Dataset, err)
			}
		}

		tableRef := ds.Table(b.opts.Table)
		md, err := tableRef.Metadata(ctx)
		if err == nil {
			return b.addExactColumn(ctx, tableRef, md)
		}
		if !isStatus(err, http.StatusNotFound) {
			return fmt.Errorf("unable to fetch table %s: %w", b.opts.Table, err)
		}
		err = tableRef.Create(ctx, &bigquery.TableMetadata{
			Schema:     watermarkSchema,
			Clustering: &bigquery.Clustering{Fields: []string{"table_name"}},
		})
		if err != nil && !isStatus(err, http.StatusConflict) {
			return fmt.Errorf("unable to create table %s: %w", b.opts.Table, err)
		}
		b.logger.Info("Created watermark table", "table", b.fqtn())
		return nil
	})
}

// addExactColumn upgrades tables created before exactColumn existed
func (b *BigQuery) addExactColumn(ctx context.Context, tableRef *bigquery.Table, md *bigquery.TableMetadata) error {
	for _, f := range md.Schema {
		if f.Name == exactColumn {
			return nil
		}
	}
	schema := append(md.Schema, &bigquery.FieldSchema{Name: exactColumn, Type: bigquery.StringFieldType})
	if _, err := tableRef.Update(ctx, bigquery.TableMetadataToUpdate{Schema: schema}, md.ETag); err != nil {
		return fmt.Errorf("unable to add %s to %s: %w", exactColumn, b.opts.Table, err)
	}
	b.logger.Info("Added column to watermark table", "table", b.fqtn(), "column", exactColumn)
	return nil
}

func (b *BigQuery) GetLastSyncTime(ctx context.Context, tableName string) (*time.Time, error) {
	if err := b.ensureTable(ctx); err != nil {
		return nil, err
	}

	q := b.client.Query(fmt.Sprintf(
		"SELECT last_sync_time, %s FROM %s WHERE table_name = @table_name ORDER BY last_sync_time DESC LIMIT 1",
		exactColumn, b.fqtn()))
	q.Parameters = []bigquery.QueryParameter{{Name: "table_name", Value: tableName}}

	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load watermark for %s: %w", tableName, err)
	}
	var row struct {
		LastSyncTime bigquery.NullTimestamp `bigquery:"last_sync_time"`
		Exact        bigquery.NullString    `bigquery:"last_sync_time_exact"`
	}
	if err := it.Next(&row); err != nil {
		if errors.Is(err, iterator.Done) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read watermark for %s: %w", tableName, err)
	}
	return resolveWatermark(row.LastSyncTime, row.Exact), nil
}

func (b *BigQuery) Commit(ctx context.Context, tableName string, lastSyncTime *time.Time, committedAt time.Time) error {
	if err := b.ensureTable(ctx); err != nil {
		return err
	}

	q := b.client.Query(fmt.Sprintf(`
	MERGE %s AS target
	USING (SELECT @table_name AS table_name, @last_sync_time AS last_sync_time,
		@last_sync_time_exact AS last_sync_time_exact, @updated_at AS updated_at) AS source
	ON target.table_name = source.table_name
	WHEN MATCHED THEN
		UPDATE SET last_sync_time = source.last_sync_time, last_sync_time_exact = source.last_sync_time_exact,
			updated_at = source.updated_at
	WHEN NOT MATCHED THEN
		INSERT (table_name, last_sync_time, last_sync_time_exact, updated_at)
		VALUES (source.table_name, source.last_sync_time, source.last_sync_time_exact, source.updated_at)`, b.fqtn()))

	last, exact := watermarkValues(lastSyncTime)
	q.Parameters = []bigquery.QueryParameter{
		{Name: "table_name", Value: tableName},
		{Name: "last_sync_time", Value: last},
		{Name: "last_sync_time_exact", Value: exact},
		{Name: "updated_at", Value: committedAt.UTC()},
	}

	job, err := q.Run(ctx)
	if err != nil {
		return fmt.Errorf("failed to save watermark for %s: %w", tableName, err)
	}
	status, err := job.Wait(ctx)
	if err != nil {
		return fmt.Errorf("failed to save watermark for %s: %w", tableName, err)
	}
	if err := status.Err(); err != nil {
		return fmt.Errorf("failed to save watermark for %s: %w", tableName, err)
	}
	b.logger.Debug("Saved watermark", "table", tableName, "last_sync_time", lastSyncTime)
	return nil
}

func (b *BigQuery) List(ctx context.Context) ([]snapshot.Watermark, error) {
	if err := b.ensureTable(ctx); err != nil {
		return nil, err
	}

	q := b.client.Query(fmt.Sprintf(
		"SELECT table_name, last_sync_time, %s, updated_at FROM %s ORDER BY table_name", exactColumn, b.fqtn()))
	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list watermarks: %w", err)
	}

	var out []snapshot.Watermark
	for {
		var row struct {
			TableName    string                 `bigquery:"table_name"`
			LastSyncTime bigquery.NullTimestamp `bigquery:"last_sync_time"`
			Exact        bigquery.NullString    `bigquery:"last_sync_time_exact"`
			UpdatedAt    time.Time              `bigquery:"updated_at"`
		}
		err := it.Next(&row)
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read watermarks: %w", err)
		}
		out = append(out, snapshot.Watermark{
			TableName:    row.TableName,
			LastSyncTime: resolveWatermark(row.LastSyncTime, row.Exact),
			UpdatedAt:    row.UpdatedAt.UTC(),
		})
	}
	return out, nil
}

func (b *BigQuery) Close() error {
	return b.client.Close()
}

// watermarkValues splits a watermark into its TIMESTAMP value, truncated to microseconds,
// and its exact text
func watermarkValues(t *time.Time) (bigquery.NullTimestamp, bigquery.NullString) {
	if t == nil {
		return bigquery.NullTimestamp{}, bigquery.NullString{}
	}
	u := t.UTC()
	return bigquery.NullTimestamp{Timestamp: u.Truncate(time.Microsecond), Valid: true},
		bigquery.NullString{StringVal: u.Format(time.RFC3339Nano), Valid: true}
}

// resolveWatermark prefers the exact text when it agrees with the TIMESTAMP column.
// Rows written without it fall back to microsecond precision.
func resolveWatermark(ts bigquery.NullTimestamp, exact bigquery.NullString) *time.Time {
	if !ts.Valid {
		return nil
	}
	if exact.Valid {
		t, err := time.Parse(time.RFC3339Nano, exact.StringVal)
		if err == nil && t.Truncate(time.Microsecond).Equal(ts.Timestamp) {
			t = t.UTC()
			return &t
		}
	}
	t := ts.Timestamp.UTC()
	return &t
}

func isStatus(err error, code int) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == code
}
