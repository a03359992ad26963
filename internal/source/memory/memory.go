// Package memory provides an in-process data source used by tests and local dry runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/spf13/cast"

	"github.com/katasec/dstream-snapshot-mssql/pkg/snapshot"
)

// Source holds tables in memory and applies the same filtering rules as the SQL Server source
type Source struct {
	mu      sync.Mutex
	columns map[string][]string
	rows    map[string][]snapshot.Row
	errs    map[string]error
	openErr error

	opens   int
	closes  int
	queries []snapshot.Query
}

var (
	_ snapshot.Connector  = (*Source)(nil)
	_ snapshot.DataSource = (*Source)(nil)
)

// New returns an empty Source
func New() *Source {
	return &Source{
		columns: make(map[string][]string),
		rows:    make(map[string][]snapshot.Row),
		errs:    make(map[string]error),
	}
}

// SetTable replaces the contents of a table
func (s *Source) SetTable(name string, columns []string, rows ...snapshot.Row) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.columns[name] = columns
	s.rows[name] = rows
}

// AppendRows adds rows to an existing table
func (s *Source) AppendRows(name string, rows ...snapshot.Row) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[name] = append(s.rows[name], rows...)
}

// FailTable makes every query against the table return err; nil clears it
func (s *Source) FailTable(name string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.errs, name)
		return
	}
	s.errs[name] = err
}

// FailOpen makes Open return err
func (s *Source) FailOpen(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.openErr = err
}

// Open returns a session over the source
func (s *Source) Open(ctx context.Context) (snapshot.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.openErr != nil {
		return nil, s.openErr
	}
	s.opens++
	return &session{source: s}, nil
}

// Stats returns how many sessions were opened and closed
func (s *Source) Stats() (opens, closes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opens, s.closes
}

// Queries returns every query issued so far
func (s *Source) Queries() []snapshot.Query {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]snapshot.Query(nil), s.queries...)
}

// QueryRows implements snapshot.DataSource
func (s *Source) QueryRows(ctx context.Context, q snapshot.Query) (*snapshot.ExtractionResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries = append(s.queries, q)

	if err := s.errs[q.Table]; err != nil {
		return nil, err
	}
	rows, ok := s.rows[q.Table]
	if !ok {
		return nil, fmt.Errorf("invalid object name '%s'", q.Table)
	}

	result := &snapshot.ExtractionResult{Columns: append([]string(nil), s.columns[q.Table]...)}
	if q.TimestampColumn == "" {
		for _, r := range rows {
			result.Rows = append(result.Rows, copyRow(r))
		}
		return result, nil
	}

	type stamped struct {
		row snapshot.Row
		ts  time.Time
	}
	var matched []stamped
	for _, r := range rows {
		v := r[q.TimestampColumn]
		if v == nil {
			// NULL never compares greater than the bound
			if q.After == nil {
				matched = append(matched, stamped{row: r})
			}
			continue
		}
		ts, err := cast.ToTimeE(v)
		if err != nil {
			return nil, fmt.Errorf("column %s of table %s is not a timestamp: %w", q.TimestampColumn, q.Table, err)
		}
		if q.After != nil && !ts.After(*q.After) {
			continue
		}
		matched = append(matched, stamped{row: r, ts: ts})
	}

	// SQL Server sorts NULLs first in ascending order
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].ts.Before(matched[j].ts) })
	for _, m := range matched {
		result.Rows = append(result.Rows, copyRow(m.row))
	}
	return result, nil
}

func copyRow(r snapshot.Row) snapshot.Row {
	out := make(snapshot.Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

type session struct {
	source *Source
	once   sync.Once
}

func (s *session) QueryRows(ctx context.Context, q snapshot.Query) (*snapshot.ExtractionResult, error) {
	return s.source.QueryRows(ctx, q)
}

func (s *session) Close() error {
	s.once.Do(func() {
		s.source.mu.Lock()
		s.source.closes++
		s.source.mu.Unlock()
	})
	return nil
}
