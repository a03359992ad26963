package locking

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/lease"
	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
)

// DefaultLockTTL is the lease duration; leases are renewed at a third of it
const DefaultLockTTL = 60 * time.Second

type heldLease struct {
	client *lease.BlobClient
	cancel context.CancelFunc
	done   chan struct{}
}

// BlobLocker implements DistributedLocker with Azure blob leases. Each lock is
// an empty blob in the container.
type BlobLocker struct {
	containerName string
	lockTTL       time.Duration
	logger        hclog.Logger

	containerClient *container.Client

	mu     sync.Mutex
	leases map[string]*heldLease
}

// NewBlobLocker connects to the storage account and ensures the container exists
func NewBlobLocker(ctx context.Context, connectionString, containerName string, logger hclog.Logger) (*BlobLocker, error) {
	azblobClient, err := azblob.NewClientFromConnectionString(connectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure Blob client: %w", err)
	}
	_, err = azblobClient.CreateContainer(ctx, containerName, nil)
	if err != nil && !bloberror.HasCode(err, bloberror.ContainerAlreadyExists) {
		return nil, fmt.Errorf("failed to create or check container: %w", err)
	}

	return &BlobLocker{
		containerName:   containerName,
		lockTTL:         DefaultLockTTL,
		logger:          logger,
		containerClient: azblobClient.ServiceClient().NewContainerClient(containerName),
		leases:          make(map[string]*heldLease),
	}, nil
}

// ensureBlob creates the empty lock blob if it is missing
func (bl *BlobLocker) ensureBlob(ctx context.Context, client *blockblob.Client) error {
	_, err := client.UploadBuffer(ctx, []byte{}, &blockblob.UploadBufferOptions{
		AccessConditions: &blob.AccessConditions{
			ModifiedAccessConditions: &blob.ModifiedAccessConditions{IfNoneMatch: to.Ptr(azcore.ETagAny)},
		},
	})
	if err != nil && !bloberror.HasCode(err, bloberror.BlobAlreadyExists, bloberror.ConditionNotMet, bloberror.LeaseIDMissing) {
		return fmt.Errorf("failed to ensure blob exists: %w", err)
	}
	return nil
}

// AcquireLock takes a lease on the lock blob and keeps renewing it until released
func (bl *BlobLocker) AcquireLock(ctx context.Context, lockName string) (string, error) {
	blockblobClient := bl.containerClient.NewBlockBlobClient(lockName)
	if err := bl.ensureBlob(ctx, blockblobClient); err != nil {
		return "", err
	}

	blobLeaseClient, err := lease.NewBlobClient(blockblobClient, &lease.BlobClientOptions{LeaseID: to.Ptr(uuid.NewString())})
	if err != nil {
		return "", fmt.Errorf("failed to create blob lease client: %w", err)
	}

	resp, err := blobLeaseClient.AcquireLease(ctx, int32(bl.lockTTL.Seconds()), nil)
	if bloberror.HasCode(err, bloberror.LeaseAlreadyPresent) {
		return "", fmt.Errorf("blob %s: %w", lockName, ErrLocked)
	}
	if err != nil {
		return "", fmt.Errorf("failed to acquire lock for blob %s: %w", lockName, err)
	}
	leaseID := *resp.LeaseID

	renewCtx, cancel := context.WithCancel(context.Background())
	held := &heldLease{client: blobLeaseClient, cancel: cancel, done: make(chan struct{})}
	bl.mu.Lock()
	bl.leases[leaseID] = held
	bl.mu.Unlock()
	go bl.renew(renewCtx, lockName, held)

	bl.logger.Debug("Lock acquired", "blob", lockName, "lease_id", leaseID)
	return leaseID, nil
}

func (bl *BlobLocker) renew(ctx context.Context, lockName string, held *heldLease) {
	defer close(held.done)
	ticker := time.NewTicker(bl.lockTTL / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := held.client.RenewLease(ctx, nil); err != nil {
				bl.logger.Warn("Failed to renew lock", "blob", lockName, "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// ReleaseLock stops renewal and releases the lease
func (bl *BlobLocker) ReleaseLock(ctx context.Context, lockName string, leaseID string) error {
	bl.mu.Lock()
	held, ok := bl.leases[leaseID]
	delete(bl.leases, leaseID)
	bl.mu.Unlock()
	if !ok {
		return fmt.Errorf("no lease %s held for blob %s", leaseID, lockName)
	}

	held.cancel()
	<-held.done

	if _, err := held.client.ReleaseLease(ctx, nil); err != nil {
		return fmt.Errorf("failed to release lock for blob %s: %w", lockName, err)
	}
	bl.logger.Debug("Lock released", "blob", lockName)
	return nil
}

// GetLockedTables checks which lock blobs currently carry an active lease
func (bl *BlobLocker) GetLockedTables(ctx context.Context, lockNames []string) ([]string, error) {
	locked := []string{}
	for _, lockName := range lockNames {
		props, err := bl.containerClient.NewBlobClient(lockName).GetProperties(ctx, nil)
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get properties for blob %s: %w", lockName, err)
		}
		if props.LeaseState != nil && *props.LeaseState == lease.StateTypeLeased {
			locked = append(locked, lockName)
		}
	}
	return locked, nil
}
