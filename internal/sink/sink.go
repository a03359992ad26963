// Package sink implements snapshot.ObjectSink for cloud object stores and the local filesystem.
package sink

import (
	"context"
	"errors"
	"fmt"

	"github.com/hashicorp/go-hclog"

	"github.com/katasec/dstream-snapshot-mssql/internal/config"
	"github.com/katasec/dstream-snapshot-mssql/pkg/snapshot"
)

// ErrObjectExists is returned when a write would overwrite an existing snapshot object
var ErrObjectExists = errors.New("object already exists")

// Sink is an ObjectSink holding a client that should be closed at shutdown
type Sink interface {
	snapshot.ObjectSink
	Close() error
}

// New builds the sink selected by cfg.Type
func New(ctx context.Context, cfg config.SinkConfig, logger hclog.Logger) (Sink, error) {
	logger = logger.Named("sink")

	var (
		s   Sink
		err error
	)
	switch cfg.Type {
	case "azure_blob":
		s, err = NewAzureBlob(ctx, cfg.ConnectionString, cfg.ContainerName, logger)
	case "gcs":
		s, err = NewGCS(ctx, cfg.Bucket, logger)
	case "s3":
		s, err = NewS3(ctx, S3Options{
			Bucket:    cfg.Bucket,
			Region:    cfg.Region,
			Endpoint:  cfg.Endpoint,
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
		}, logger)
	case "local":
		s, err = NewLocal(cfg.Path, logger)
	case "memory":
		s = NewMemory()
	default:
		return nil, fmt.Errorf("unsupported sink type: %s", cfg.Type)
	}
	if err != nil {
		return nil, err
	}

	maxElapsed, err := cfg.GetRetryMaxElapsed()
	if err != nil {
		return nil, fmt.Errorf("invalid retry_max_elapsed: %w", err)
	}
	if maxElapsed > 0 {
		s = WithRetry(s, maxElapsed, logger)
	}
	return s, nil
}
