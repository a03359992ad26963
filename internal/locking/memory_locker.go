package locking

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// MemoryLocker is a process-local DistributedLocker
type MemoryLocker struct {
	mu    sync.Mutex
	held  map[string]string
	taken int
}

// NewMemoryLocker returns a locker with no locks held
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]string)}
}

func (m *MemoryLocker) AcquireLock(ctx context.Context, lockName string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.held[lockName]; ok {
		return "", fmt.Errorf("%s: %w", lockName, ErrLocked)
	}
	leaseID := uuid.NewString()
	m.held[lockName] = leaseID
	m.taken++
	return leaseID, nil
}

func (m *MemoryLocker) ReleaseLock(ctx context.Context, lockName string, leaseID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.held[lockName] != leaseID {
		return fmt.Errorf("lease %s does not hold %s", leaseID, lockName)
	}
	delete(m.held, lockName)
	return nil
}

func (m *MemoryLocker) GetLockedTables(ctx context.Context, lockNames []string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	locked := []string{}
	for _, name := range lockNames {
		if _, ok := m.held[name]; ok {
			locked = append(locked, name)
		}
	}
	sort.Strings(locked)
	return locked, nil
}

// Acquisitions returns how many locks have been granted
func (m *MemoryLocker) Acquisitions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.taken
}
