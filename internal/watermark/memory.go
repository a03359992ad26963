package watermark

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/katasec/dstream-snapshot-mssql/pkg/snapshot"
)

// Memory is an in-process watermark store
type Memory struct {
	mu         sync.Mutex
	marks      map[string]snapshot.Watermark
	getErrs    map[string]error
	commitErrs map[string]error
	commits    []snapshot.Watermark
}

// NewMemory returns an empty store
func NewMemory() *Memory {
	return &Memory{
		marks:      make(map[string]snapshot.Watermark),
		getErrs:    make(map[string]error),
		commitErrs: make(map[string]error),
	}
}

// FailGet makes lookups for the table fail with err; nil clears it
func (m *Memory) FailGet(table string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	setErr(m.getErrs, table, err)
}

// FailCommit makes commits for the table fail with err; nil clears it
func (m *Memory) FailCommit(table string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	setErr(m.commitErrs, table, err)
}

func setErr(errs map[string]error, table string, err error) {
	if err == nil {
		delete(errs, table)
		return
	}
	errs[table] = err
}

func (m *Memory) GetLastSyncTime(ctx context.Context, tableName string) (*time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.getErrs[tableName]; err != nil {
		return nil, err
	}
	w, ok := m.marks[tableName]
	if !ok {
		return nil, nil
	}
	return utcPtr(w.LastSyncTime), nil
}

func (m *Memory) Commit(ctx context.Context, tableName string, lastSyncTime *time.Time, committedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.commitErrs[tableName]; err != nil {
		return err
	}
	w := snapshot.Watermark{
		TableName:    tableName,
		LastSyncTime: utcPtr(lastSyncTime),
		UpdatedAt:    committedAt.UTC(),
	}
	m.marks[tableName] = w
	m.commits = append(m.commits, w)
	return nil
}

// Get returns the stored watermark for a table
func (m *Memory) Get(tableName string) (snapshot.Watermark, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.marks[tableName]
	return w, ok
}

// Commits returns every successful commit in order
func (m *Memory) Commits() []snapshot.Watermark {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]snapshot.Watermark(nil), m.commits...)
}

func (m *Memory) List(ctx context.Context) ([]snapshot.Watermark, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]snapshot.Watermark, 0, len(m.marks))
	for _, w := range m.marks {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TableName < out[j].TableName })
	return out, nil
}

func (m *Memory) Close() error { return nil }
