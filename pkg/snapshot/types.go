package snapshot

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cast"
)

// SyncTarget is the configuration for one source table
type SyncTarget struct {
	Name            string `json:"name" mapstructure:"name"`
	TimestampColumn string `json:"timestamp_column,omitempty" mapstructure:"timestamp_column"`
}

// Differential reports whether the table can be extracted incrementally
func (t SyncTarget) Differential() bool {
	return t.TimestampColumn != ""
}

// Watermark is the durable sync cursor for one table
type Watermark struct {
	TableName    string     `json:"table_name"`
	LastSyncTime *time.Time `json:"last_sync_time,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Query describes one extraction
type Query struct {
	Table           string
	TimestampColumn string
	After           *time.Time
}

// Row maps column names to values
type Row map[string]any

// ExtractionResult is the row set produced by one extraction
type ExtractionResult struct {
	// Columns is the column order reported by the source. Rows may carry keys that are not listed.
	Columns []string
	Rows    []Row
}

// Len returns the number of extracted rows
func (r *ExtractionResult) Len() int {
	if r == nil {
		return 0
	}
	return len(r.Rows)
}

// MaxTimestamp returns the largest non-NULL value of column across all rows.
// It returns nil when column is empty, there are no rows, or every value is NULL.
func (r *ExtractionResult) MaxTimestamp(column string) (*time.Time, error) {
	if column == "" || r.Len() == 0 {
		return nil, nil
	}

	var max *time.Time
	for i, row := range r.Rows {
		v, ok := row[column]
		if !ok || v == nil {
			continue
		}
		ts, err := cast.ToTimeE(v)
		if err != nil {
			return nil, fmt.Errorf("row %d: column %s is not a timestamp: %w", i, column, err)
		}
		if max == nil || ts.After(*max) {
			t := ts
			max = &t
		}
	}
	return max, nil
}

// Status is the outcome of one table cycle
type Status string

const (
	// StatusSuccess means the table cycle reached Done
	StatusSuccess Status = "success"
	// StatusError means the table cycle failed
	StatusError Status = "error"
)

// SyncOutcome is the result of one table in a run
type SyncOutcome struct {
	Table  string `json:"table"`
	Status Status `json:"status"`
	Error  string `json:"error,omitempty"`
	Object string `json:"object,omitempty"`
	Rows   int    `json:"rows"`
}

// RunStatus is the run-level status
type RunStatus string

const (
	RunSuccess        RunStatus = "success"
	RunPartialSuccess RunStatus = "partial_success"
	RunError          RunStatus = "error"
)

// Summary aggregates table outcome counts
type Summary struct {
	TotalTables  int `json:"total_tables"`
	SuccessCount int `json:"success_count"`
	ErrorCount   int `json:"error_count"`
}

// RunResult is the externally observable result of a sync pass
type RunResult struct {
	RunID   string        `json:"run_id"`
	Status  RunStatus     `json:"status"`
	Message string        `json:"message,omitempty"`
	Summary Summary       `json:"summary"`
	Details []SyncOutcome `json:"details"`
}

// Add appends an outcome and updates the summary counts
func (r *RunResult) Add(o SyncOutcome) {
	r.Details = append(r.Details, o)
	r.Summary.TotalTables++
	if o.Status == StatusSuccess {
		r.Summary.SuccessCount++
	} else {
		r.Summary.ErrorCount++
	}
}

// Finalize sets Status from the collected outcomes
func (r *RunResult) Finalize() {
	if r.Summary.ErrorCount == 0 {
		r.Status = RunSuccess
		return
	}
	r.Status = RunPartialSuccess
}

// WroteData reports whether any table in the run produced a snapshot object
func (r *RunResult) WroteData() bool {
	for _, d := range r.Details {
		if d.Object != "" {
			return true
		}
	}
	return false
}

// ValidateTargets rejects empty and duplicate table names. SQL Server identifiers
// are case-insensitive by default, so names differing only in case are duplicates.
func ValidateTargets(targets []SyncTarget) error {
	seen := make(map[string]struct{}, len(targets))
	for i, t := range targets {
		name := strings.TrimSpace(t.Name)
		if name == "" {
			return fmt.Errorf("table %d has no name", i)
		}
		key := strings.ToLower(name)
		if _, ok := seen[key]; ok {
			return fmt.Errorf("duplicate table name %q", t.Name)
		}
		seen[key] = struct{}{}
	}
	return nil
}
