package engine

import (
	"context"
	"errors"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/katasec/dstream-snapshot-mssql/internal/encoding"
	"github.com/katasec/dstream-snapshot-mssql/internal/locking"
	"github.com/katasec/dstream-snapshot-mssql/pkg/snapshot"
)

// State is a step of a table sync cycle
type State string

const (
	StateIdle                State = "Idle"
	StateExtracting          State = "Extracting"
	StateEmpty               State = "Empty"
	StateWriting             State = "Writing"
	StateCommittingWatermark State = "CommittingWatermark"
	StateDone                State = "Done"
	StateFailed              State = "Failed"
)

// tableTask runs one sync cycle for one table
type tableTask struct {
	target   snapshot.SyncTarget
	source   snapshot.DataSource
	sink     snapshot.ObjectSink
	store    snapshot.WatermarkStore
	codec    encoding.Codec
	locker   locking.DistributedLocker
	lockName string
	prefix   string
	location *time.Location
	now      func() time.Time
	logger   hclog.Logger

	state   State
	history []State
}

func (t *tableTask) transition(s State) {
	t.state = s
	t.history = append(t.history, s)
	t.logger.Trace("State transition", "state", s)
}

func (t *tableTask) fail(kind ErrorKind, err error) error {
	t.transition(StateFailed)
	return &Error{Kind: kind, Table: t.target.Name, Err: err}
}

// run drives the cycle to Done or Failed and reports the outcome
func (t *tableTask) run(ctx context.Context) snapshot.SyncOutcome {
	t.transition(StateIdle)
	outcome := snapshot.SyncOutcome{Table: t.target.Name}

	object, rows, err := t.sync(ctx)
	outcome.Object = object
	outcome.Rows = rows
	if err != nil {
		outcome.Status = snapshot.StatusError
		outcome.Error = err.Error()
		t.logger.Error("Table sync failed", "error", err)
		return outcome
	}

	outcome.Status = snapshot.StatusSuccess
	if object == "" {
		t.logger.Info("No new rows")
	} else {
		t.logger.Info("Table synced", "object", object, "rows", rows)
	}
	return outcome
}

func (t *tableTask) sync(ctx context.Context) (string, int, error) {
	if t.locker != nil {
		leaseID, err := t.locker.AcquireLock(ctx, t.lockName)
		if err != nil {
			if errors.Is(err, locking.ErrLocked) {
				t.logger.Warn("Table is locked by another process, skipping", "lock", t.lockName)
			}
			return "", 0, t.fail(LockError, err)
		}
		defer func() {
			if err := t.locker.ReleaseLock(context.WithoutCancel(ctx), t.lockName, leaseID); err != nil {
				t.logger.Warn("Failed to release lock", "lock", t.lockName, "error", err)
			}
		}()
	}

	t.transition(StateExtracting)
	var previous *time.Time
	if t.target.Differential() {
		last, err := t.store.GetLastSyncTime(ctx, t.target.Name)
		if err != nil {
			t.logger.Warn("Failed to read watermark, extracting full range", "error", err)
		} else {
			previous = last
		}
	}

	result, err := t.source.QueryRows(ctx, snapshot.Query{
		Table:           t.target.Name,
		TimestampColumn: t.target.TimestampColumn,
		After:           previous,
	})
	if err != nil {
		return "", 0, t.fail(ExtractionError, err)
	}
	rows := result.Len()
	if rows == 0 {
		t.transition(StateEmpty)
		t.transition(StateDone)
		return "", 0, nil
	}
	t.logger.Debug("Extracted rows", "rows", rows, "after", previous)

	t.transition(StateWriting)
	data, err := t.codec.Encode(result)
	if err != nil {
		return "", rows, t.fail(SinkWriteError, err)
	}
	object := ObjectName(t.prefix, t.target.Name, t.codec.Extension(), t.now(), t.location)
	if err := t.sink.Write(ctx, object, data, t.codec.ContentType()); err != nil {
		return "", rows, t.fail(SinkWriteError, err)
	}

	maxTimestamp, err := result.MaxTimestamp(t.target.TimestampColumn)
	if err != nil {
		return object, rows, t.fail(WatermarkError, err)
	}

	t.transition(StateCommittingWatermark)
	next := laterOf(previous, maxTimestamp)
	if err := t.store.Commit(ctx, t.target.Name, next, t.now()); err != nil {
		return object, rows, t.fail(WatermarkError, err)
	}

	t.transition(StateDone)
	return object, rows, nil
}

// laterOf keeps a committed watermark from moving backwards
func laterOf(previous, current *time.Time) *time.Time {
	if current == nil {
		return previous
	}
	if previous != nil && previous.After(*current) {
		return previous
	}
	return current
}
