package sampler

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tiertrace/tiertrace/trace"
)

func mkTraceID(t *testing.T, hex string) trace.TraceID {
	t.Helper()
	id, err := trace.ParseTraceID(hex)
	require.NoError(t, err)
	return id
}

func TestHeadSamplerStableForUnchangedRate(t *testing.T) {
	h := NewHeadSampler(100) // 1%
	id := mkTraceID(t, "0102030405060708090a0b0c0d0e0f10")
	first := h.Decide(id)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, h.Decide(id))
	}
}

func TestHeadSamplerDistributionNearTarget(t *testing.T) {
	h := NewHeadSampler(100) // 1% deferred-or-kept
	kept := 0
	const n = 100_000
	for i := 0; i < n; i++ {
		id := mkTraceID(t, fmt.Sprintf("%032x", i+1))
		if d := h.Decide(id); d == Keep || d == Defer {
			kept++
		}
	}
	frac := float64(kept) / n
	assert.InDelta(t, 0.01, frac, 0.005)
}

func TestHeadSamplerZeroRateStillHasAlwaysKeepFloor(t *testing.T) {
	h := NewHeadSampler(0)
	kept := 0
	const n = 20_000
	for i := 0; i < n; i++ {
		id := mkTraceID(t, fmt.Sprintf("%032x", i+1))
		if h.Decide(id) == Keep {
			kept++
		}
	}
	assert.Greater(t, kept, 0)
}

func TestTailSamplerKeepsErrorTraces(t *testing.T) {
	ts := NewTailSampler(100, time.Minute)
	id := mkTraceID(t, "00000000000000000000000000000001")
	now := time.Unix(0, 0)
	ts.Observe(id, "svc", 10*time.Millisecond, true, now)
	assert.Equal(t, Keep, ts.Evaluate(id))
}

func TestTailSamplerKeepsSlowTraces(t *testing.T) {
	ts := NewTailSampler(100, time.Minute)
	id := mkTraceID(t, "00000000000000000000000000000002")
	now := time.Unix(0, 0)
	ts.Observe(id, "svc", 2*time.Second, false, now)
	assert.Equal(t, Keep, ts.Evaluate(id))
}

func TestTailSamplerKeepsLargeTraces(t *testing.T) {
	ts := NewTailSampler(100, time.Minute)
	id := mkTraceID(t, "00000000000000000000000000000003")
	now := time.Unix(0, 0)
	for i := 0; i < 101; i++ {
		ts.Observe(id, "svc", time.Millisecond, false, now)
	}
	assert.Equal(t, Keep, ts.Evaluate(id))
}

func TestTailSamplerKeepsManyServiceTraces(t *testing.T) {
	ts := NewTailSampler(100, time.Minute)
	id := mkTraceID(t, "00000000000000000000000000000004")
	now := time.Unix(0, 0)
	for i := 0; i < 6; i++ {
		ts.Observe(id, fmt.Sprintf("svc-%d", i), time.Millisecond, false, now)
	}
	assert.Equal(t, Keep, ts.Evaluate(id))
}

func TestTailSamplerUnknownTraceDefaultsToKeep(t *testing.T) {
	ts := NewTailSampler(100, time.Minute)
	id := mkTraceID(t, "000000000000000000000000000000ff")
	assert.Equal(t, Keep, ts.Evaluate(id))
}

func TestTailSamplerEvictsOverCapacity(t *testing.T) {
	ts := NewTailSampler(2, time.Minute)
	now := time.Unix(0, 0)
	ids := make([]trace.TraceID, 3)
	for i := range ids {
		ids[i] = mkTraceID(t, fmt.Sprintf("%032x", i+1))
		ts.Observe(ids[i], "svc", time.Millisecond, false, now)
	}
	assert.Equal(t, 2, ts.Len())
}

func TestTailSamplerSweepExpiredByMaxWait(t *testing.T) {
	ts := NewTailSampler(100, 10*time.Second)
	id := mkTraceID(t, "00000000000000000000000000000005")
	start := time.Unix(0, 0)
	ts.Observe(id, "svc", time.Millisecond, false, start)

	expired := ts.SweepExpired(start.Add(20 * time.Second))
	assert.Contains(t, expired, id)
	assert.Equal(t, 0, ts.Len())
}

func TestHeadSamplerBudgetGatesAlwaysKeepFloor(t *testing.T) {
	h := NewHeadSampler(0)
	budget := NewBudget(100, 0)
	h.SetBudget(budget)

	anyKept := false
	const n = 20_000
	for i := 0; i < n; i++ {
		id := mkTraceID(t, fmt.Sprintf("%032x", i+1))
		if h.Decide(id) == Keep {
			anyKept = true
		}
	}
	assert.True(t, anyKept, "expected some always-keep floor hits with capacity available")

	budget.SetUsage(200, 0)
	for i := 0; i < n; i++ {
		id := mkTraceID(t, fmt.Sprintf("%032x", i+1))
		assert.NotEqual(t, Keep, h.Decide(id))
	}
}

func TestTailSamplerBudgetGatesKeep(t *testing.T) {
	ts := NewTailSampler(100, time.Minute)
	budget := NewBudget(100, 0)
	ts.SetBudget(budget)

	id := mkTraceID(t, "00000000000000000000000000000006")
	now := time.Unix(0, 0)
	ts.Observe(id, "svc", 10*time.Millisecond, true, now) // would Keep on error alone

	budget.SetUsage(200, 0)
	assert.Equal(t, Drop, ts.Evaluate(id))
}

func TestTailSamplerPatternOverridesDropOnAnomaly(t *testing.T) {
	ts := NewTailSampler(100, time.Minute)
	pattern := NewPatternDetector(10)
	ts.SetPattern(pattern)
	now := time.Unix(0, 0)

	// Seed the window with ordinary short traces with a little spread,
	// so the rolling stddev is nonzero.
	baseline := []time.Duration{4 * time.Millisecond, 5 * time.Millisecond, 6 * time.Millisecond, 5 * time.Millisecond, 5 * time.Millisecond}
	for i, d := range baseline {
		id := mkTraceID(t, fmt.Sprintf("%032x", i+1))
		ts.Observe(id, "svc", d, false, now)
		ts.Evaluate(id)
	}

	// Well under slowTraceThreshold/largeTraceSpanCount/manyServicesCount
	// on its own, but tens of sigma above the seeded baseline.
	anomalous := mkTraceID(t, "000000000000000000000000000000aa")
	ts.Observe(anomalous, "svc", 50*time.Millisecond, false, now)
	assert.Equal(t, Keep, ts.Evaluate(anomalous))
}

func TestPatternDetectorFlagsServicePathCycle(t *testing.T) {
	p := NewPatternDetector(10)
	assert.True(t, p.IsAnomalous(time.Millisecond, 3, 2, []string{"a", "b", "a"}))
	assert.False(t, p.IsAnomalous(time.Millisecond, 3, 2, []string{"a", "b", "c"}))
}

func TestPatternDetectorFlagsServiceCountOverTen(t *testing.T) {
	p := NewPatternDetector(10)
	path := make([]string, 11)
	for i := range path {
		path[i] = fmt.Sprintf("svc-%d", i)
	}
	assert.True(t, p.IsAnomalous(time.Millisecond, 3, 11, path))
}

func TestBudgetHasCapacityRespectsWatermarks(t *testing.T) {
	b := NewBudget(1000, 500)
	assert.True(t, b.HasCapacity())

	b.SetUsage(1000, 0)
	assert.False(t, b.HasCapacity())

	b.SetUsage(0, 500)
	assert.False(t, b.HasCapacity())
}

func TestBudgetDisabledWatermarkAlwaysHasCapacity(t *testing.T) {
	b := NewBudget(0, 0)
	b.SetUsage(1<<40, 1<<40)
	assert.True(t, b.HasCapacity())
}

func TestAdaptiveControllerTightensUnderLoad(t *testing.T) {
	head := NewHeadSampler(5000)
	ctrl := NewAdaptiveController(head, 1, 5)
	now := time.Unix(0, 0)
	// Ten spans per second against a target of one: every adjustment
	// after the first sees refused calls and cuts the rate by 10%.
	for i := 0; i < 10; i++ {
		for j := 0; j < 10; j++ {
			ctrl.Observe(now)
		}
		now = now.Add(time.Second)
	}
	assert.Less(t, head.Rate(), uint64(5000))
	assert.LessOrEqual(t, head.Rate(), uint64(10000))
}
