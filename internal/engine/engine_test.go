package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/katasec/dstream-snapshot-mssql/internal/encoding"
	"github.com/katasec/dstream-snapshot-mssql/internal/locking"
	"github.com/katasec/dstream-snapshot-mssql/internal/sink"
	"github.com/katasec/dstream-snapshot-mssql/internal/source/memory"
	"github.com/katasec/dstream-snapshot-mssql/internal/watermark"
	"github.com/katasec/dstream-snapshot-mssql/pkg/snapshot"
)

var (
	t1 = time.Date(2024, 1, 15, 8, 0, 0, 0, time.UTC)
	t2 = time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)
	t3 = time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	t4 = time.Date(2024, 1, 15, 11, 0, 0, 0, time.UTC)
)

// stepClock advances one second per call so object names never collide
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type fixture struct {
	source *memory.Source
	sink   *sink.Memory
	store  *watermark.Memory
	locker locking.DistributedLocker
	clock  *stepClock
}

func newFixture() *fixture {
	return &fixture{
		source: memory.New(),
		sink:   sink.NewMemory(),
		store:  watermark.NewMemory(),
		clock:  &stepClock{now: time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)},
	}
}

func (f *fixture) orchestrator(concurrency int) *Orchestrator {
	return NewOrchestrator(Dependencies{
		Connector: f.source,
		Sink:      f.sink,
		Store:     f.store,
		Codec:     encoding.CSV{},
		Locker:    f.locker,
	}, Options{
		Concurrency: concurrency,
		Prefix:      "snapshots",
		Clock:       f.clock.Now,
	}, hclog.NewNullLogger())
}

func order(id int, ts time.Time) snapshot.Row {
	return snapshot.Row{"id": id, "status": "shipped", "updated_at": ts}
}

func TestRunAll_OrdersAndCustomers(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.source.SetTable("orders", []string{"id", "status", "updated_at"}, order(1, t1), order(2, t2), order(3, t3))
	f.source.SetTable("customers", []string{"id", "name"},
		snapshot.Row{"id": 1, "name": "Alice"},
		snapshot.Row{"id": 2, "name": "Bob"})
	targets := []snapshot.SyncTarget{
		{Name: "orders", TimestampColumn: "updated_at"},
		{Name: "customers"},
	}
	o := f.orchestrator(1)

	result, err := o.RunAll(ctx, targets)
	require.NoError(t, err)
	assert.Equal(t, snapshot.RunSuccess, result.Status)
	assert.NotEmpty(t, result.RunID)
	assert.Equal(t, snapshot.Summary{TotalTables: 2, SuccessCount: 2}, result.Summary)
	require.Len(t, result.Details, 2)
	assert.Equal(t, "orders", result.Details[0].Table)
	assert.Equal(t, 3, result.Details[0].Rows)
	assert.Equal(t, "customers", result.Details[1].Table)
	assert.Equal(t, 2, result.Details[1].Rows)

	names := f.sink.Names()
	require.Len(t, names, 2)
	orders, ok := f.sink.Get(result.Details[0].Object)
	require.True(t, ok)
	assert.Equal(t, "text/csv", orders.ContentType)
	assert.Equal(t, 4, strings.Count(string(orders.Data), "\n"))
	customers, ok := f.sink.Get(result.Details[1].Object)
	require.True(t, ok)
	assert.Equal(t, 3, strings.Count(string(customers.Data), "\n"))

	last, err := f.store.GetLastSyncTime(ctx, "orders")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.True(t, last.Equal(t3))
	last, err = f.store.GetLastSyncTime(ctx, "customers")
	require.NoError(t, err)
	assert.Nil(t, last)

	// a table without a timestamp column keeps a record of its last write, with no sync time
	customersMark, ok := f.store.Get("customers")
	require.True(t, ok)
	assert.Nil(t, customersMark.LastSyncTime)
	assert.False(t, customersMark.UpdatedAt.IsZero())
	marks, err := f.store.List(ctx)
	require.NoError(t, err)
	require.Len(t, marks, 2)
	assert.Equal(t, "customers", marks[0].TableName)
	assert.Nil(t, marks[0].LastSyncTime)
	assert.Equal(t, "orders", marks[1].TableName)
	require.NotNil(t, marks[1].LastSyncTime)
	assert.True(t, marks[1].LastSyncTime.Equal(t3))

	// second run: nothing newer than T3
	f.source.SetTable("customers", []string{"id", "name"})
	result, err = o.RunAll(ctx, targets)
	require.NoError(t, err)
	assert.Equal(t, snapshot.RunSuccess, result.Status)
	assert.Empty(t, result.Details[0].Object)
	assert.Len(t, f.sink.Names(), 2)

	queries := f.source.Queries()
	require.Len(t, queries, 4)
	require.NotNil(t, queries[2].After)
	assert.True(t, queries[2].After.Equal(t3))

	last, err = f.store.GetLastSyncTime(ctx, "orders")
	require.NoError(t, err)
	assert.True(t, last.Equal(t3))

	opens, closes := f.source.Stats()
	assert.Equal(t, 2, opens)
	assert.Equal(t, 2, closes)
}

func TestRunAll_EmptyExtractionIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.source.SetTable("orders", []string{"id", "updated_at"}, order(1, t1))
	targets := []snapshot.SyncTarget{{Name: "orders", TimestampColumn: "updated_at"}}
	o := f.orchestrator(1)

	_, err := o.RunAll(ctx, targets)
	require.NoError(t, err)
	commits := len(f.store.Commits())
	objects := f.sink.Names()

	for i := 0; i < 3; i++ {
		result, err := o.RunAll(ctx, targets)
		require.NoError(t, err)
		assert.Equal(t, snapshot.RunSuccess, result.Status)
		assert.Equal(t, 0, result.Details[0].Rows)
	}
	assert.Len(t, f.store.Commits(), commits)
	assert.Equal(t, objects, f.sink.Names())
}

func TestRunAll_ExclusiveLowerBound(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.source.SetTable("orders", []string{"id", "status", "updated_at"}, order(1, t1), order(2, t3))
	targets := []snapshot.SyncTarget{{Name: "orders", TimestampColumn: "updated_at"}}
	o := f.orchestrator(1)

	_, err := o.RunAll(ctx, targets)
	require.NoError(t, err)

	// a row tying the watermark is not re-emitted
	f.source.AppendRows("orders", order(3, t3), order(4, t4))
	result, err := o.RunAll(ctx, targets)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Details[0].Rows)

	obj, ok := f.sink.Get(result.Details[0].Object)
	require.True(t, ok)
	assert.Contains(t, string(obj.Data), "2024-01-15T11:00:00Z")
	assert.NotContains(t, string(obj.Data), "2024-01-15T10:00:00Z")
}

func TestRunAll_WatermarkMonotonic(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.source.SetTable("orders", []string{"id", "updated_at"}, order(1, t2))
	targets := []snapshot.SyncTarget{{Name: "orders", TimestampColumn: "updated_at"}}
	o := f.orchestrator(1)

	seen := []time.Time{t2}
	_, err := o.RunAll(ctx, targets)
	require.NoError(t, err)

	for i, ts := range []time.Time{t3, t4, t4.Add(time.Hour)} {
		f.source.AppendRows("orders", order(10+i, ts))
		seen = append(seen, ts)
		prev, err := f.store.GetLastSyncTime(ctx, "orders")
		require.NoError(t, err)

		_, err = o.RunAll(ctx, targets)
		require.NoError(t, err)
		last, err := f.store.GetLastSyncTime(ctx, "orders")
		require.NoError(t, err)
		assert.False(t, last.Before(*prev))
		assert.True(t, last.Equal(seen[len(seen)-1]))
	}
}

func TestRunAll_NullTimestamps(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.source.SetTable("orders", []string{"id", "updated_at"},
		snapshot.Row{"id": 1, "updated_at": nil},
		snapshot.Row{"id": 2, "updated_at": nil})
	targets := []snapshot.SyncTarget{{Name: "orders", TimestampColumn: "updated_at"}}

	result, err := f.orchestrator(1).RunAll(ctx, targets)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Details[0].Rows)
	last, err := f.store.GetLastSyncTime(ctx, "orders")
	require.NoError(t, err)
	assert.Nil(t, last)
}

func TestRunAll_WatermarkReadFailureExtractsFullRange(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	require.NoError(t, f.store.Commit(ctx, "orders", &t2, t2))
	f.store.FailGet("orders", errors.New("metadata table unavailable"))
	f.source.SetTable("orders", []string{"id", "updated_at"}, order(1, t1), order(2, t3))

	result, err := f.orchestrator(1).RunAll(ctx, []snapshot.SyncTarget{{Name: "orders", TimestampColumn: "updated_at"}})
	require.NoError(t, err)
	assert.Equal(t, snapshot.RunSuccess, result.Status)
	assert.Equal(t, 2, result.Details[0].Rows)
	assert.Nil(t, f.source.Queries()[0].After)

	w, ok := f.store.Get("orders")
	require.True(t, ok)
	assert.True(t, w.LastSyncTime.Equal(t3))
}

func TestLaterOf(t *testing.T) {
	assert.Nil(t, laterOf(nil, nil))
	assert.Equal(t, &t1, laterOf(&t1, nil))
	assert.Equal(t, &t2, laterOf(nil, &t2))
	assert.Equal(t, &t3, laterOf(&t3, &t2))
	assert.Equal(t, &t4, laterOf(&t3, &t4))
}

func TestRunAll_WriteFailureSkipsCommit(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.source.SetTable("orders", []string{"id", "updated_at"}, order(1, t1))
	f.sink.FailNext(errors.New("bucket unavailable"))

	result, err := f.orchestrator(1).RunAll(ctx, []snapshot.SyncTarget{{Name: "orders", TimestampColumn: "updated_at"}})
	require.NoError(t, err)
	assert.Equal(t, snapshot.RunPartialSuccess, result.Status)
	assert.Equal(t, snapshot.StatusError, result.Details[0].Status)
	assert.Contains(t, result.Details[0].Error, string(SinkWriteError))
	assert.Contains(t, result.Details[0].Error, "bucket unavailable")
	assert.Empty(t, f.store.Commits())
}

type recordingSink struct {
	snapshot.ObjectSink
	events *[]string
	mu     *sync.Mutex
}

func (r recordingSink) Write(ctx context.Context, name string, data []byte, contentType string) error {
	r.mu.Lock()
	*r.events = append(*r.events, "write")
	r.mu.Unlock()
	return r.ObjectSink.Write(ctx, name, data, contentType)
}

type recordingStore struct {
	snapshot.WatermarkStore
	events *[]string
	mu     *sync.Mutex
}

func (r recordingStore) Commit(ctx context.Context, table string, last *time.Time, at time.Time) error {
	r.mu.Lock()
	*r.events = append(*r.events, "commit")
	r.mu.Unlock()
	return r.WatermarkStore.Commit(ctx, table, last, at)
}

func TestRunAll_WriteBeforeCommit(t *testing.T) {
	f := newFixture()
	f.source.SetTable("orders", []string{"id", "updated_at"}, order(1, t1))
	f.source.SetTable("customers", []string{"id"}, snapshot.Row{"id": 1})

	var (
		events []string
		mu     sync.Mutex
	)
	o := NewOrchestrator(Dependencies{
		Connector: f.source,
		Sink:      recordingSink{ObjectSink: f.sink, events: &events, mu: &mu},
		Store:     recordingStore{WatermarkStore: f.store, events: &events, mu: &mu},
		Codec:     encoding.JSONLines{},
	}, Options{Clock: f.clock.Now}, hclog.NewNullLogger())

	_, err := o.RunAll(context.Background(), []snapshot.SyncTarget{
		{Name: "orders", TimestampColumn: "updated_at"},
		{Name: "customers"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"write", "commit", "write", "commit"}, events)
}

func TestRunAll_PerTableIsolation(t *testing.T) {
	for _, concurrency := range []int{1, 3} {
		f := newFixture()
		for _, name := range []string{"orders", "customers", "products"} {
			f.source.SetTable(name, []string{"id"}, snapshot.Row{"id": 1})
		}
		f.source.FailTable("customers", errors.New("deadlock victim"))

		result, err := f.orchestrator(concurrency).RunAll(context.Background(), []snapshot.SyncTarget{
			{Name: "orders"}, {Name: "customers"}, {Name: "products"},
		})
		require.NoError(t, err)
		assert.Equal(t, snapshot.RunPartialSuccess, result.Status)
		assert.Equal(t, snapshot.Summary{TotalTables: 3, SuccessCount: 2, ErrorCount: 1}, result.Summary)
		assert.Equal(t, []snapshot.Status{snapshot.StatusSuccess, snapshot.StatusError, snapshot.StatusSuccess},
			[]snapshot.Status{result.Details[0].Status, result.Details[1].Status, result.Details[2].Status})
		assert.Equal(t, "products", result.Details[2].Table)
		assert.Contains(t, result.Details[1].Error, string(ExtractionError))

		opens, closes := f.source.Stats()
		assert.Equal(t, 1, opens)
		assert.Equal(t, 1, closes)
	}
}

func TestRunAll_AllFailedIsPartialSuccess(t *testing.T) {
	f := newFixture()
	result, err := f.orchestrator(1).RunAll(context.Background(), []snapshot.SyncTarget{{Name: "missing_a"}, {Name: "missing_b"}})
	require.NoError(t, err)
	assert.Equal(t, snapshot.RunPartialSuccess, result.Status)
	assert.Equal(t, result.Summary.TotalTables, result.Summary.ErrorCount)
}

func TestRunAll_NoTargets(t *testing.T) {
	f := newFixture()
	result, err := f.orchestrator(1).RunAll(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, snapshot.RunSuccess, result.Status)
	assert.Equal(t, 0, result.Summary.TotalTables)
}

func TestRunAll_DuplicateTargets(t *testing.T) {
	f := newFixture()
	f.source.SetTable("orders", []string{"id"}, snapshot.Row{"id": 1})

	result, err := f.orchestrator(1).RunAll(context.Background(), []snapshot.SyncTarget{{Name: "orders"}, {Name: "ORDERS"}})
	require.Error(t, err)
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, ConfigurationError, kind)
	assert.True(t, kind.Fatal())

	require.NotNil(t, result)
	assert.Equal(t, snapshot.RunError, result.Status)
	assert.Empty(t, result.Details)
	opens, _ := f.source.Stats()
	assert.Equal(t, 0, opens)
	assert.Empty(t, f.source.Queries())
}

func TestRunAll_ConnectionError(t *testing.T) {
	f := newFixture()
	refused := errors.New("connection refused")
	f.source.FailOpen(refused)

	result, err := f.orchestrator(1).RunAll(context.Background(), []snapshot.SyncTarget{{Name: "orders"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, refused)
	kind, _ := KindOf(err)
	assert.Equal(t, ConnectionError, kind)
	assert.Equal(t, snapshot.RunError, result.Status)
	assert.Contains(t, result.Message, "connection refused")
	assert.Empty(t, f.sink.Names())
}

func TestRunAll_CommitFailureLeavesObject(t *testing.T) {
	f := newFixture()
	f.source.SetTable("orders", []string{"id", "updated_at"}, order(1, t1))
	f.store.FailCommit("orders", errors.New("quota exceeded"))

	result, err := f.orchestrator(1).RunAll(context.Background(), []snapshot.SyncTarget{{Name: "orders", TimestampColumn: "updated_at"}})
	require.NoError(t, err)
	assert.Equal(t, snapshot.StatusError, result.Details[0].Status)
	assert.Contains(t, result.Details[0].Error, string(WatermarkError))
	assert.NotEmpty(t, result.Details[0].Object)
	assert.Len(t, f.sink.Names(), 1)
	_, ok := f.store.Get("orders")
	assert.False(t, ok)
}

type staticSource struct {
	result *snapshot.ExtractionResult
}

func (s staticSource) QueryRows(ctx context.Context, q snapshot.Query) (*snapshot.ExtractionResult, error) {
	return s.result, nil
}

func TestTableTask_InvalidTimestamp(t *testing.T) {
	f := newFixture()
	task := &tableTask{
		target: snapshot.SyncTarget{Name: "orders", TimestampColumn: "updated_at"},
		source: staticSource{result: &snapshot.ExtractionResult{
			Columns: []string{"id", "updated_at"},
			Rows:    []snapshot.Row{{"id": 1, "updated_at": "not a time"}},
		}},
		sink:     f.sink,
		store:    f.store,
		codec:    encoding.CSV{},
		location: time.UTC,
		now:      f.clock.Now,
		logger:   hclog.NewNullLogger(),
	}

	outcome := task.run(context.Background())
	assert.Equal(t, snapshot.StatusError, outcome.Status)
	assert.Contains(t, outcome.Error, string(WatermarkError))
	assert.NotEmpty(t, outcome.Object)
	assert.Len(t, f.sink.Names(), 1)
	assert.Empty(t, f.store.Commits())
	assert.Equal(t, StateFailed, task.state)
}

func TestRunAll_LockedTable(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	locker := locking.NewMemoryLocker()
	f.locker = locker
	f.source.SetTable("orders", []string{"id"}, snapshot.Row{"id": 1})
	f.source.SetTable("customers", []string{"id"}, snapshot.Row{"id": 1})

	leaseID, err := locker.AcquireLock(ctx, locking.GetBlobLockName("orders"))
	require.NoError(t, err)

	result, err := f.orchestrator(1).RunAll(ctx, []snapshot.SyncTarget{{Name: "orders"}, {Name: "customers"}})
	require.NoError(t, err)
	assert.Equal(t, snapshot.StatusError, result.Details[0].Status)
	assert.Contains(t, result.Details[0].Error, string(LockError))
	assert.Equal(t, snapshot.StatusSuccess, result.Details[1].Status)
	assert.Len(t, f.source.Queries(), 1)

	// the customers lock was released after its cycle
	locked, err := locker.GetLockedTables(ctx, []string{"orders.lock", "customers.lock"})
	require.NoError(t, err)
	assert.Equal(t, []string{"orders.lock"}, locked)
	require.NoError(t, locker.ReleaseLock(ctx, "orders.lock", leaseID))
}

func TestTableTask_States(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.source.SetTable("orders", []string{"id", "updated_at"}, order(1, t1))
	f.source.SetTable("empty", []string{"id"})

	newTask := func(target snapshot.SyncTarget) *tableTask {
		return &tableTask{
			target:   target,
			source:   f.source,
			sink:     f.sink,
			store:    f.store,
			codec:    encoding.CSV{},
			location: time.UTC,
			now:      f.clock.Now,
			logger:   hclog.NewNullLogger(),
		}
	}

	task := newTask(snapshot.SyncTarget{Name: "orders", TimestampColumn: "updated_at"})
	task.run(ctx)
	assert.Equal(t, []State{StateIdle, StateExtracting, StateWriting, StateCommittingWatermark, StateDone}, task.history)

	task = newTask(snapshot.SyncTarget{Name: "empty"})
	task.run(ctx)
	assert.Equal(t, []State{StateIdle, StateExtracting, StateEmpty, StateDone}, task.history)

	task = newTask(snapshot.SyncTarget{Name: "nope"})
	outcome := task.run(ctx)
	assert.Equal(t, []State{StateIdle, StateExtracting, StateFailed}, task.history)
	assert.Equal(t, snapshot.StatusError, outcome.Status)
}

func TestObjectName(t *testing.T) {
	now := time.Date(2024, 1, 15, 1, 2, 3, 0, time.UTC)
	tokyo, err := time.LoadLocation("Asia/Tokyo")
	require.NoError(t, err)

	assert.Equal(t, "orders/orders_20240115_010203.csv", ObjectName("", "orders", "csv", now, nil))
	assert.Equal(t, "exports/orders/orders_20240115_100203.jsonl", ObjectName("exports", "orders", "jsonl", now, tokyo))
	assert.Less(t,
		ObjectName("", "orders", "csv", now, nil),
		ObjectName("", "orders", "csv", now.Add(time.Second), nil))
}

func TestError(t *testing.T) {
	inner := errors.New("boom")
	err := &Error{Kind: ExtractionError, Table: "orders", Err: inner}
	assert.Equal(t, "ExtractionError: table orders: boom", err.Error())
	assert.ErrorIs(t, err, inner)
	assert.False(t, ExtractionError.Fatal())

	_, ok := KindOf(inner)
	assert.False(t, ok)
}
