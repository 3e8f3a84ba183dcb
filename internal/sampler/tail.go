package sampler

import (
	"container/list"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/tiertrace/tiertrace/trace"
)

// tailDefaults mirror §4.7's evaluate() thresholds.
const (
	defaultMaxWait       = 30 * time.Second
	slowTraceThreshold   = 1 * time.Second
	largeTraceSpanCount  = 100
	manyServicesCount    = 5
	probabilisticKeepPct = 0.01
)

var probabilisticKeepThreshold = uint64(probabilisticKeepPct * float64(^uint64(0)))

// aggregate holds the running state the tail sampler accumulates for one
// trace as its spans arrive.
type aggregate struct {
	spanCount   int
	maxDuration time.Duration
	anyError    bool
	services    map[string]struct{}
	// servicePath is the run-length-encoded sequence of services this
	// trace's spans touched, in arrival order (consecutive spans from
	// the same service collapse to one entry) — the shape the pattern
	// detector's cycle check needs.
	servicePath []string
	firstSeen   time.Time
}

// TailSampler accumulates per-trace aggregates in a bounded, LRU-evicted
// map keyed by trace ID and decides Keep/Drop once a trace looks
// complete, per §4.7.
type TailSampler struct {
	mu       sync.Mutex
	capacity int
	maxWait  time.Duration

	entries map[trace.TraceID]*list.Element // trace ID -> LRU node
	order   *list.List                      // most-recently-touched at front

	budget  *Budget
	pattern *PatternDetector
}

type lruEntry struct {
	id  trace.TraceID
	agg *aggregate
}

// NewTailSampler creates a tail sampler bounded at capacity distinct
// in-flight traces (LRU-evicted on overflow) with maxWait as the pending
// trace age limit. maxWait <= 0 uses the §4.7 default of 30s.
func NewTailSampler(capacity int, maxWait time.Duration) *TailSampler {
	if maxWait <= 0 {
		maxWait = defaultMaxWait
	}
	return &TailSampler{
		capacity: capacity,
		maxWait:  maxWait,
		entries:  make(map[trace.TraceID]*list.Element),
		order:    list.New(),
	}
}

// SetBudget installs the disk/memory budget gate Evaluate consults
// before honoring a Keep verdict, per §4.7. A nil budget disables
// gating.
func (t *TailSampler) SetBudget(b *Budget) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.budget = b
}

// SetPattern installs the anomaly detector Evaluate consults, per §4.7.
// A nil pattern detector disables anomaly-driven Keep overrides.
func (t *TailSampler) SetPattern(p *PatternDetector) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pattern = p
}

// Observe folds one span into its trace's aggregate, creating the
// aggregate (and evicting the LRU tail if over capacity) on first sight.
func (t *TailSampler) Observe(id trace.TraceID, serviceName string, duration time.Duration, isError bool, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	el, ok := t.entries[id]
	var agg *aggregate
	if ok {
		agg = el.Value.(*lruEntry).agg
		t.order.MoveToFront(el)
	} else {
		agg = &aggregate{services: make(map[string]struct{}), firstSeen: now}
		el = t.order.PushFront(&lruEntry{id: id, agg: agg})
		t.entries[id] = el
		t.evictOverCapacityLocked()
	}

	agg.spanCount++
	if duration > agg.maxDuration {
		agg.maxDuration = duration
	}
	if isError {
		agg.anyError = true
	}
	agg.services[serviceName] = struct{}{}
	if len(agg.servicePath) == 0 || agg.servicePath[len(agg.servicePath)-1] != serviceName {
		agg.servicePath = append(agg.servicePath, serviceName)
	}
}

func (t *TailSampler) evictOverCapacityLocked() {
	if t.capacity <= 0 {
		return
	}
	for len(t.entries) > t.capacity {
		back := t.order.Back()
		if back == nil {
			return
		}
		t.order.Remove(back)
		delete(t.entries, back.Value.(*lruEntry).id)
	}
}

// Evaluate decides Keep/Drop for a completed trace and removes it from
// the pending set. A trace never observed returns Keep (conservative),
// per §4.7's "on internal errors, default to Keep" failure semantics.
// Before honoring any Keep verdict it consults the budget gate; a trace
// that would otherwise be dropped can still be kept if the pattern
// detector flags it anomalous.
func (t *TailSampler) Evaluate(id trace.TraceID) Decision {
	t.mu.Lock()
	el, ok := t.entries[id]
	if !ok {
		t.mu.Unlock()
		return Keep
	}
	agg := el.Value.(*lruEntry).agg
	t.order.Remove(el)
	delete(t.entries, id)
	budget := t.budget
	pattern := t.pattern
	t.mu.Unlock()

	anomalous := pattern != nil && pattern.IsAnomalous(agg.maxDuration, agg.spanCount, len(agg.services), agg.servicePath)
	if pattern != nil {
		pattern.Observe(agg.maxDuration, agg.spanCount)
	}

	keep := agg.anyError ||
		agg.maxDuration > slowTraceThreshold ||
		agg.spanCount > largeTraceSpanCount ||
		len(agg.services) > manyServicesCount ||
		anomalous
	if !keep && probabilisticHash(id) < probabilisticKeepThreshold {
		keep = true
	}
	if !keep {
		return Drop
	}
	if budget != nil && !budget.HasCapacity() {
		return Drop
	}
	return Keep
}

// SweepExpired evicts every pending trace first seen more than maxWait
// before now, wherever it sits in the LRU order, and returns their trace
// IDs (always Drop-eligible per §4.7: an incomplete trace that exceeded
// max_wait is evicted rather than kept indefinitely). The engine unlinks
// their spans from indices on Drop.
func (t *TailSampler) SweepExpired(now time.Time) []trace.TraceID {
	t.mu.Lock()
	defer t.mu.Unlock()

	var expired []trace.TraceID
	for el := t.order.Back(); el != nil; {
		prev := el.Prev()
		entry := el.Value.(*lruEntry)
		if now.Sub(entry.agg.firstSeen) > t.maxWait {
			expired = append(expired, entry.id)
			t.order.Remove(el)
			delete(t.entries, entry.id)
		}
		el = prev
	}
	return expired
}

// Len reports how many traces are currently pending evaluation.
func (t *TailSampler) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func probabilisticHash(id trace.TraceID) uint64 {
	var buf [16]byte
	hi, lo := id.Hi(), id.Lo()
	for i := 0; i < 8; i++ {
		buf[i] = byte(hi >> (56 - 8*i))
		buf[8+i] = byte(lo >> (56 - 8*i))
	}
	// Distinct seed-ish salt from the head sampler's hash by hashing
	// twice: keeps the two sampling stages statistically independent.
	return xxhash.Sum64(append(buf[:], 0xA5))
}
