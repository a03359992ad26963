// Package locking provides per-table locks so that concurrent sync runs never
// process the same table at the same time.
package locking

import (
	"context"
	"errors"
)

// ErrLocked is returned by AcquireLock when another holder owns the lock
var ErrLocked = errors.New("lock is held by another process")

// DistributedLocker defines an interface for a distributed locking mechanism.
type DistributedLocker interface {
	// AcquireLock acquires the named lock and returns its lease ID. It fails with
	// ErrLocked when the lock is currently held elsewhere.
	AcquireLock(ctx context.Context, lockName string) (string, error)

	// ReleaseLock releases a lease obtained from AcquireLock.
	ReleaseLock(ctx context.Context, lockName string, leaseID string) error

	// GetLockedTables returns the lock names among lockNames that are currently held.
	GetLockedTables(ctx context.Context, lockNames []string) ([]string, error)
}

// GetBlobLockName returns the lock name for a given table name
func GetBlobLockName(tableName string) string {
	return tableName + ".lock"
}
