package sink

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"cloud.google.com/go/storage"
	"github.com/hashicorp/go-hclog"
	"google.golang.org/api/googleapi"
)

// GCS writes snapshot objects to a Cloud Storage bucket
type GCS struct {
	client *storage.Client
	bucket string
	logger hclog.Logger
}

// NewGCS uses application default credentials
func NewGCS(ctx context.Context, bucket string, logger hclog.Logger) (*GCS, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	return &GCS{client: client, bucket: bucket, logger: logger}, nil
}

// Write uploads data with a does-not-exist precondition. The object only becomes
// visible when the writer is closed successfully.
func (g *GCS) Write(ctx context.Context, name string, data []byte, contentType string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	obj := g.client.Bucket(g.bucket).Object(name).If(storage.Conditions{DoesNotExist: true})
	w := obj.NewWriter(ctx)
	w.ContentType = contentType

	if _, err := w.Write(data); err != nil {
		cancel()
		_ = w.Close()
		return fmt.Errorf("failed to write gs://%s/%s: %w", g.bucket, name, err)
	}
	if err := w.Close(); err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed {
			return fmt.Errorf("gs://%s/%s: %w", g.bucket, name, ErrObjectExists)
		}
		return fmt.Errorf("failed to upload gs://%s/%s: %w", g.bucket, name, err)
	}

	g.logger.Info("Uploaded object", "uri", fmt.Sprintf("gs://%s/%s", g.bucket, name), "bytes", len(data))
	return nil
}

func (g *GCS) Close() error {
	return g.client.Close()
}
