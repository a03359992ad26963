// Package engine runs incremental table sync passes.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/errgroup"

	"github.com/katasec/dstream-snapshot-mssql/internal/encoding"
	"github.com/katasec/dstream-snapshot-mssql/internal/locking"
	"github.com/katasec/dstream-snapshot-mssql/pkg/snapshot"
)

// Dependencies are the capabilities a sync pass runs against
type Dependencies struct {
	Connector snapshot.Connector
	Sink      snapshot.ObjectSink
	Store     snapshot.WatermarkStore
	Codec     encoding.Codec
	// Locker is optional; nil disables per-table locking
	Locker locking.DistributedLocker
}

// Options tune a sync pass
type Options struct {
	// Concurrency is the number of tables synced at once. Values below 1 mean 1.
	Concurrency int
	// Prefix is prepended to every object name
	Prefix string
	// Location is the time zone object names are rendered in; nil means UTC
	Location *time.Location
	// Clock defaults to time.Now
	Clock func() time.Time
	// LockName maps a table to its lock name; defaults to locking.GetBlobLockName
	LockName func(table string) string
}

// Orchestrator syncs a set of tables, isolating each table's failures
type Orchestrator struct {
	deps   Dependencies
	opts   Options
	logger hclog.Logger
}

// NewOrchestrator creates an orchestrator
func NewOrchestrator(deps Dependencies, opts Options, logger hclog.Logger) *Orchestrator {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.LockName == nil {
		opts.LockName = locking.GetBlobLockName
	}
	return &Orchestrator{
		deps:   deps,
		opts:   opts,
		logger: logger.Named("engine"),
	}
}

// RunAll runs one sync pass over targets. The result is never nil. A non-nil
// error is a *Error of kind ConfigurationError or ConnectionError, in which case
// no table was attempted and the result status is error.
func (o *Orchestrator) RunAll(ctx context.Context, targets []snapshot.SyncTarget) (*snapshot.RunResult, error) {
	result := &snapshot.RunResult{
		RunID:   uuid.NewString(),
		Details: []snapshot.SyncOutcome{},
	}
	logger := o.logger.With("run_id", result.RunID)

	if err := snapshot.ValidateTargets(targets); err != nil {
		return o.abort(logger, result, &Error{Kind: ConfigurationError, Err: err})
	}

	logger.Info("Starting sync run", "tables", len(targets), "concurrency", o.opts.Concurrency)
	session, err := o.deps.Connector.Open(ctx)
	if err != nil {
		return o.abort(logger, result, &Error{Kind: ConnectionError, Err: err})
	}
	defer func() {
		if err := session.Close(); err != nil {
			logger.Warn("Failed to close source session", "error", err)
		}
	}()

	outcomes := make([]snapshot.SyncOutcome, len(targets))
	var g errgroup.Group
	g.SetLimit(o.opts.Concurrency)
	for i, target := range targets {
		g.Go(func() error {
			outcomes[i] = o.newTask(session, target, logger).run(ctx)
			return nil
		})
	}
	_ = g.Wait()

	for _, outcome := range outcomes {
		result.Add(outcome)
	}
	result.Finalize()
	result.Message = fmt.Sprintf("synced %d of %d tables", result.Summary.SuccessCount, result.Summary.TotalTables)

	logger.Info("Sync run complete",
		"status", result.Status,
		"success", result.Summary.SuccessCount,
		"errors", result.Summary.ErrorCount)
	return result, nil
}

func (o *Orchestrator) abort(logger hclog.Logger, result *snapshot.RunResult, err *Error) (*snapshot.RunResult, error) {
	result.Status = snapshot.RunError
	result.Message = err.Error()
	logger.Error("Sync run aborted", "kind", err.Kind, "error", err.Err)
	return result, err
}

func (o *Orchestrator) newTask(source snapshot.DataSource, target snapshot.SyncTarget, logger hclog.Logger) *tableTask {
	return &tableTask{
		target:   target,
		source:   source,
		sink:     o.deps.Sink,
		store:    o.deps.Store,
		codec:    o.deps.Codec,
		locker:   o.deps.Locker,
		lockName: o.opts.LockName(target.Name),
		prefix:   o.opts.Prefix,
		location: o.opts.Location,
		now:      o.opts.Clock,
		logger:   logger.With("table", target.Name),
	}
}
