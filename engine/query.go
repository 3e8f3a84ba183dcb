package engine

import (
	"sort"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/tiertrace/tiertrace/internal/bitmapindex"
	"github.com/tiertrace/tiertrace/internal/coldarchive"
	"github.com/tiertrace/tiertrace/internal/compact"
	"github.com/tiertrace/tiertrace/internal/query"
	"github.com/tiertrace/tiertrace/trace"
)

// maxColdPartitionsPerQuery bounds how many hourly cold partitions a
// single query will open, so an unbounded time range can't turn a query
// into an accidental full-archive scan.
const maxColdPartitionsPerQuery = 24 * 7

// QueryRequest is the engine's query surface: a filter over span fields
// plus an optional time range used only to decide which cold partitions
// to consult (hot and warm are always searched in full).
type QueryRequest struct {
	Filter     query.Filter
	Limit      int
	SinceNS    int64 // 0 means unbounded
	UntilNS    int64 // 0 means unbounded
}

// Query resolves req against hot, warm, and (when a time range narrows
// which partitions are relevant) cold storage, per §4.6's two-phase
// resolution: a candidate bitmap per tier followed by an exact residual
// check, merged and ordered newest-first with span_id-ascending tiebreak.
func (e *Engine) Query(req QueryRequest) ([]trace.Span, error) {
	filter := req.Filter
	if filter == nil {
		filter = query.All{}
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 100
	}

	var results []trace.Span
	results = append(results, collectMatches(filter, &hotResolver{e: e}, limit)...)
	results = append(results, collectMatches(filter, &warmResolver{e: e}, limit)...)

	if buckets := hourBucketsInRange(req.SinceNS, req.UntilNS); len(buckets) > 0 {
		for _, key := range buckets {
			p, err := e.cold.Partition(key)
			if err != nil {
				continue // Partition creates a missing partition; an error means it could not be opened
			}
			cr := &coldResolver{e: e, p: p}
			results = append(results, collectMatches(filter, cr, limit)...)
		}
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].StartTime != results[j].StartTime {
			return results[i].StartTime > results[j].StartTime
		}
		return results[i].SpanID < results[j].SpanID
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func collectMatches(filter query.Filter, r query.Resolver, limit int) []trace.Span {
	candidates := query.CandidateBitmap(filter, r)
	it := candidates.Iterator()
	out := make([]trace.Span, 0, min(int(candidates.GetCardinality()), limit))
	for it.HasNext() {
		slot := it.Next()
		span, ok := r.Span(slot)
		if !ok {
			continue
		}
		if !query.Matches(filter, &span) {
			continue
		}
		out = append(out, span)
	}
	return out
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func hourBucketsInRange(sinceNS, untilNS int64) []int64 {
	if sinceNS == 0 && untilNS == 0 {
		return nil
	}
	if untilNS == 0 {
		untilNS = sinceNS
	}
	if sinceNS == 0 {
		sinceNS = untilNS
	}
	start := bitmapindex.HourBucket(sinceNS)
	end := bitmapindex.HourBucket(untilNS)
	if end < start {
		start, end = end, start
	}
	if end-start+1 > maxColdPartitionsPerQuery {
		end = start + maxColdPartitionsPerQuery - 1
	}
	buckets := make([]int64, 0, end-start+1)
	for b := start; b <= end; b++ {
		buckets = append(buckets, b)
	}
	return buckets
}

// hotResolver implements query.Resolver over the hot ring. Its slot IDs
// are the low 32 bits of the ring's monotonic write cursor; reconstructing
// the full 64-bit cursor value assumes fewer than 2^32 spans have been
// written to this ring within the process's lifetime, which comfortably
// exceeds realistic hot-tier churn for §6's retention windows.
type hotResolver struct{ e *Engine }

func (r *hotResolver) ServiceBitmap(name string) *roaring.Bitmap {
	id, ok := r.e.names.ID(name)
	if !ok {
		return roaring.New()
	}
	return r.e.hotIndex.Service(id)
}

func (r *hotResolver) OperationBitmap(name string) *roaring.Bitmap {
	id, ok := r.e.names.ID(name)
	if !ok {
		return roaring.New()
	}
	return r.e.hotIndex.Operation(id)
}

func (r *hotResolver) ErrorBitmap() *roaring.Bitmap { return r.e.hotIndex.Errors() }
func (r *hotResolver) AllSlots() *roaring.Bitmap    { return r.e.hotIndex.AllServices() }

func (r *hotResolver) SearchTokens(tokens []string) *roaring.Bitmap {
	out := roaring.New()
	for _, t := range tokens {
		out.Or(r.e.hotSearch.Query(t))
	}
	return out
}

func (r *hotResolver) Span(slot uint32) (trace.Span, bool) {
	global := r.e.reconstructHotSlotID(slot)
	cs, ok := r.e.hot.Get(global)
	if !ok {
		return trace.Span{}, false
	}
	return r.e.hydrate(&cs), true
}

func (e *Engine) reconstructHotSlotID(low32 uint32) uint64 {
	cur := e.hot.WriteCursor()
	candidate := (cur &^ 0xFFFFFFFF) | uint64(low32)
	if candidate > cur {
		candidate -= 1 << 32
	}
	return candidate
}

// warmResolver implements query.Resolver over the mmap-backed warm
// store, whose slot IDs are stable for the store's lifetime.
type warmResolver struct{ e *Engine }

func (r *warmResolver) ServiceBitmap(name string) *roaring.Bitmap {
	id, ok := r.e.names.ID(name)
	if !ok {
		return roaring.New()
	}
	return r.e.warmIndex.Service(id)
}

func (r *warmResolver) OperationBitmap(name string) *roaring.Bitmap {
	id, ok := r.e.names.ID(name)
	if !ok {
		return roaring.New()
	}
	return r.e.warmIndex.Operation(id)
}

func (r *warmResolver) ErrorBitmap() *roaring.Bitmap { return r.e.warmIndex.Errors() }
func (r *warmResolver) AllSlots() *roaring.Bitmap    { return r.e.warmIndex.AllServices() }

func (r *warmResolver) SearchTokens(tokens []string) *roaring.Bitmap {
	out := roaring.New()
	for _, t := range tokens {
		out.Or(r.e.warmSearch.Query(t))
	}
	return out
}

func (r *warmResolver) Span(slot uint32) (trace.Span, bool) {
	cs, err := r.e.warm.Get(slot)
	if err != nil {
		return trace.Span{}, false
	}
	if cs.StartTimeNS == 0 {
		return trace.Span{}, false // invalidated slot
	}
	return r.e.hydrate(&cs), true
}

// coldResolver implements query.Resolver over a single cold partition.
// It has no per-operation bitmap or search index (§4.5 only keeps
// per-service and flag bitmaps in the side-car); those constraints fall
// back to a full scan of the partition, bounded by its own size caps.
type coldResolver struct {
	e *Engine
	p *coldarchive.Partition

	once  sync.Once
	spans []compact.CompactSpan
	err   error
}

func (r *coldResolver) load() {
	r.once.Do(func() { r.spans, r.err = r.p.ReadAll() })
}

func (r *coldResolver) ServiceBitmap(name string) *roaring.Bitmap {
	idx := r.p.Index()
	localID, ok := idx.Services[name]
	if !ok {
		return roaring.New()
	}
	b, ok := idx.ServiceBitmaps[localID]
	if !ok {
		return roaring.New()
	}
	return b.Clone()
}

func (r *coldResolver) OperationBitmap(string) *roaring.Bitmap { return r.AllSlots() }
func (r *coldResolver) ErrorBitmap() *roaring.Bitmap           { return r.p.Index().ErrorBitmap.Clone() }

func (r *coldResolver) AllSlots() *roaring.Bitmap {
	r.load()
	b := roaring.New()
	for i := range r.spans {
		b.Add(uint32(i))
	}
	return b
}

func (r *coldResolver) SearchTokens([]string) *roaring.Bitmap { return r.AllSlots() }

func (r *coldResolver) Span(slot uint32) (trace.Span, bool) {
	r.load()
	if r.err != nil || int(slot) >= len(r.spans) {
		return trace.Span{}, false
	}
	cs := r.spans[slot]
	return r.e.hydrate(&cs), true
}
