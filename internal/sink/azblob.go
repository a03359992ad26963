package sink

import (
	"context"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/hashicorp/go-hclog"
)

// AzureBlob writes snapshot objects as block blobs
type AzureBlob struct {
	client        *azblob.Client
	containerName string
	logger        hclog.Logger
}

// NewAzureBlob creates the container if it does not exist yet
func NewAzureBlob(ctx context.Context, connectionString, containerName string, logger hclog.Logger) (*AzureBlob, error) {
	client, err := azblob.NewClientFromConnectionString(connectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure Blob client: %w", err)
	}
	_, err = client.CreateContainer(ctx, containerName, nil)
	if err != nil && !bloberror.HasCode(err, bloberror.ContainerAlreadyExists) {
		return nil, fmt.Errorf("failed to create or check container: %w", err)
	}

	return &AzureBlob{
		client:        client,
		containerName: containerName,
		logger:        logger,
	}, nil
}

// Write uploads data, refusing to replace an existing blob
func (a *AzureBlob) Write(ctx context.Context, name string, data []byte, contentType string) error {
	_, err := a.client.UploadBuffer(ctx, a.containerName, name, data, &azblob.UploadBufferOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: to.Ptr(contentType)},
		AccessConditions: &blob.AccessConditions{
			ModifiedAccessConditions: &blob.ModifiedAccessConditions{IfNoneMatch: to.Ptr(azcore.ETagAny)},
		},
	})
	if bloberror.HasCode(err, bloberror.BlobAlreadyExists, bloberror.ConditionNotMet) {
		return fmt.Errorf("blob %s/%s: %w", a.containerName, name, ErrObjectExists)
	}
	if err != nil {
		return fmt.Errorf("failed to upload blob %s/%s: %w", a.containerName, name, err)
	}

	a.logger.Info("Uploaded blob", "container", a.containerName, "blob", name, "bytes", len(data))
	return nil
}

func (a *AzureBlob) Close() error { return nil }
