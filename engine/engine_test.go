package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tiertrace/tiertrace/internal/config"
	"github.com/tiertrace/tiertrace/internal/query"
	"github.com/tiertrace/tiertrace/trace"
)

func testTraceID(t *testing.T, n int) trace.TraceID {
	t.Helper()
	id, err := trace.ParseTraceID(fmt.Sprintf("%032x", n+1))
	require.NoError(t, err)
	return id
}

func testSpanID(t *testing.T, n int) trace.SpanID {
	t.Helper()
	id, err := trace.ParseSpanID(fmt.Sprintf("%016x", n+1))
	require.NoError(t, err)
	return id
}

func newIdleEngine(t *testing.T) *Engine {
	t.Helper()
	cfg := config.New(
		config.WithStorageDir(t.TempDir()),
		config.WithHotCapacity(8),
		config.WithWarmCapacity(64),
		config.WithHotRetention(50*time.Millisecond),
		config.WithWarmRetention(time.Hour),
		config.WithMaxTracesPerPartition(1000),
	)
	e, err := New(cfg, nil)
	require.NoError(t, err)
	e.head.SetRate(10000) // store every span (Keep or Defer; never Drop) for deterministic tests
	return e
}

// newTestEngine returns an engine already in the Running state but with
// no background workers started, for tests that exercise Ingest/Query
// synchronously without the sweep/migration loop interfering.
func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e := newIdleEngine(t)
	e.state.Store(int32(Running))
	return e
}

func mkSpan(t *testing.T, n int, service, op string, isError bool) *trace.Span {
	t.Helper()
	status := trace.Status{Code: trace.StatusOK}
	if isError {
		status = trace.Status{Code: trace.StatusError, Message: "boom"}
	}
	return &trace.Span{
		TraceID:       testTraceID(t, n),
		SpanID:        testSpanID(t, n),
		ServiceName:   service,
		OperationName: op,
		StartTime:     int64(n+1) * int64(time.Second),
		Duration:      int64(10 * time.Millisecond),
		Status:        status,
		Attributes:    map[string]string{"http.url": "/checkout/confirm"},
	}
}

func TestIngestAndQueryByService(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.Ingest(mkSpan(t, 0, "api", "GET /checkout", false)))
	require.NoError(t, e.Ingest(mkSpan(t, 1, "worker", "process", false)))

	results, err := e.Query(QueryRequest{
		Filter: query.Compare{Field: query.FieldService, Op: query.OpEq, Value: query.Value{Str: "api"}},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "api", results[0].ServiceName)
}

func TestIngestRejectsInvalidSpan(t *testing.T) {
	e := newTestEngine(t)
	bad := &trace.Span{}
	err := e.Ingest(bad)
	assert.ErrorIs(t, err, trace.ErrInvalidSpan)
}

func TestIngestRefusedWhenNotRunning(t *testing.T) {
	e := newIdleEngine(t)
	err := e.Ingest(mkSpan(t, 0, "api", "GET /", false))
	assert.Error(t, err)
}

func TestOverflowTriggersSynchronousMigration(t *testing.T) {
	e := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.migrationLoop(ctx) // the overflow path waits on this worker

	for i := 0; i < 20; i++ {
		require.NoError(t, e.Ingest(mkSpan(t, i, "api", "GET /", false)))
	}

	assert.True(t, e.warm.WriteCursor() > 0, "expected some spans to have migrated to warm")
	assert.LessOrEqual(t, e.hot.Len(), e.hot.Capacity())
}

func TestQueryFindsSpansAcrossHotAndWarm(t *testing.T) {
	e := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.migrationLoop(ctx) // the overflow path waits on this worker

	for i := 0; i < 20; i++ {
		require.NoError(t, e.Ingest(mkSpan(t, i, "api", "GET /checkout", false)))
	}

	results, err := e.Query(QueryRequest{
		Filter: query.Compare{Field: query.FieldService, Op: query.OpEq, Value: query.Value{Str: "api"}},
		Limit:  100,
	})
	require.NoError(t, err)
	assert.Len(t, results, 20)
	for i := 1; i < len(results); i++ {
		assert.GreaterOrEqual(t, results[i-1].StartTime, results[i].StartTime, "expected newest-first ordering")
	}
}

func TestQueryByAttributeTextSearch(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.Ingest(mkSpan(t, 0, "api", "GET /checkout", false)))

	results, err := e.Query(QueryRequest{
		Filter: query.Compare{Field: query.FieldAttribute, AttrKey: "http.url", Op: query.OpContains, Value: query.Value{Str: "checkout"}},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
}

func TestEvaluateTraceDropUnlinksHotSpan(t *testing.T) {
	e := newTestEngine(t)
	e.head.SetRate(10000) // defer almost everything to the tail sampler

	s := mkSpan(t, 0, "api", "GET /", false)
	require.NoError(t, e.Ingest(s))

	decision := e.EvaluateTrace(s.TraceID)
	if decision.String() == "drop" {
		results, err := e.Query(QueryRequest{Filter: query.Compare{
			Field: query.FieldService, Op: query.OpEq, Value: query.Value{Str: "api"},
		}})
		require.NoError(t, err)
		assert.Empty(t, results)
	}
}

func TestStatsReportsOccupancy(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.Ingest(mkSpan(t, 0, "api", "GET /", false)))

	stats := e.Stats()
	assert.Equal(t, "running", stats.State)
	assert.Equal(t, 1, stats.HotLen)
	assert.Equal(t, e.hot.Capacity(), stats.HotCapacity)
}

func TestStartShutdownLifecycle(t *testing.T) {
	e := newIdleEngine(t)
	ctx := context.Background()
	require.NoError(t, e.Start(ctx))
	assert.Equal(t, Running, e.State())

	require.NoError(t, e.Ingest(mkSpan(t, 0, "api", "GET /", false)))

	require.NoError(t, e.Shutdown(ctx, time.Second))
	assert.Equal(t, Stopped, e.State())

	err := e.Ingest(mkSpan(t, 1, "api", "GET /", false))
	assert.Error(t, err)
}

func TestDoubleStartFails(t *testing.T) {
	e := newIdleEngine(t)
	ctx := context.Background()
	require.NoError(t, e.Start(ctx))
	defer e.Shutdown(ctx, time.Second)

	assert.Error(t, e.Start(ctx))
}
