package sink

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Object is a stored snapshot
type Object struct {
	Data        []byte
	ContentType string
}

// Memory keeps objects in a map. It is used in tests and for dry runs.
type Memory struct {
	mu      sync.Mutex
	objects map[string]Object
	errs    []error
	writes  int
}

// NewMemory returns an empty Memory sink
func NewMemory() *Memory {
	return &Memory{objects: make(map[string]Object)}
}

// FailNext queues errors returned by the next writes, one per call
func (m *Memory) FailNext(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs = append(m.errs, errs...)
}

func (m *Memory) Write(ctx context.Context, name string, data []byte, contentType string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++

	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		return err
	}
	if _, ok := m.objects[name]; ok {
		return fmt.Errorf("%s: %w", name, ErrObjectExists)
	}
	m.objects[name] = Object{Data: append([]byte(nil), data...), ContentType: contentType}
	return nil
}

// Get returns a stored object
func (m *Memory) Get(name string) (Object, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.objects[name]
	return o, ok
}

// Names returns the stored object names in lexical order
func (m *Memory) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.objects))
	for n := range m.objects {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Writes returns the number of write attempts, failed ones included
func (m *Memory) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

func (m *Memory) Close() error { return nil }
