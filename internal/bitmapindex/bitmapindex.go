// Package bitmapindex implements the per-key roaring bitmap indices of
// spec §4.3 (C4): per-service, per-operation, per-hour-bucket, error and
// root sets over span slot IDs, queried with AND/OR/ANDNOT set algebra.
package bitmapindex

import (
	"github.com/RoaringBitmap/roaring/v2"

	"github.com/tiertrace/tiertrace/internal/compact"
	"github.com/tiertrace/tiertrace/internal/locking"
)

// HourBucket returns the 1-hour bucket key for a nanosecond timestamp,
// per §3's "per-time-bucket (1h)" index.
func HourBucket(startTimeNS int64) int64 {
	return startTimeNS / int64(3600_000_000_000)
}

type pendingAdd struct {
	slot         uint32
	serviceIdx   uint16
	operationIdx uint16
	hourBucket   int64
	isError      bool
	isRoot       bool
}

// Index holds the full set of bitmap indices for one storage tier. The
// zero value is not usable; construct with New.
type Index struct {
	mu          locking.RWMutex
	byService   map[uint16]*roaring.Bitmap
	byOperation map[uint16]*roaring.Bitmap
	byHour      map[int64]*roaring.Bitmap
	errorSet    *roaring.Bitmap
	rootSet     *roaring.Bitmap

	pendingMu locking.Mutex
	pending   []pendingAdd

	// watermark bounds how many buffered adds accumulate before a flush
	// takes the write lock, per §4.3's batching guidance.
	watermark int
}

// New creates an empty index set. watermark <= 0 defaults to 256.
func New(watermark int) *Index {
	if watermark <= 0 {
		watermark = 256
	}
	return &Index{
		byService:   make(map[uint16]*roaring.Bitmap),
		byOperation: make(map[uint16]*roaring.Bitmap),
		byHour:      make(map[int64]*roaring.Bitmap),
		errorSet:    roaring.New(),
		rootSet:     roaring.New(),
		watermark:   watermark,
	}
}

// AddSpan stages slot's membership for c's service, operation, hour
// bucket, error and root sets. The add is O(log n) once flushed; calls
// batch under a lightweight mutex and flush only when the batch crosses
// watermark, per §4.3.
func (idx *Index) AddSpan(slot uint32, c *compact.CompactSpan) {
	add := pendingAdd{
		slot:         slot,
		serviceIdx:   c.ServiceIdx,
		operationIdx: c.OperationIdx,
		hourBucket:   HourBucket(int64(c.StartTimeNS)),
		isError:      c.IsError(),
		isRoot:       c.IsRoot(),
	}

	idx.pendingMu.Lock()
	idx.pending = append(idx.pending, add)
	full := len(idx.pending) >= idx.watermark
	idx.pendingMu.Unlock()

	if full {
		idx.Flush()
	}
}

// Flush applies all buffered adds to the bitmaps under the write lock.
// Safe to call even with an empty batch (e.g. before a query that needs
// up-to-date results).
func (idx *Index) Flush() {
	idx.pendingMu.Lock()
	batch := idx.pending
	idx.pending = nil
	idx.pendingMu.Unlock()

	if len(batch) == 0 {
		return
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	for _, a := range batch {
		idx.serviceBitmapLocked(a.serviceIdx).Add(a.slot)
		idx.operationBitmapLocked(a.operationIdx).Add(a.slot)
		idx.hourBitmapLocked(a.hourBucket).Add(a.slot)
		if a.isError {
			idx.errorSet.Add(a.slot)
		}
		if a.isRoot {
			idx.rootSet.Add(a.slot)
		}
	}
}

func (idx *Index) serviceBitmapLocked(service uint16) *roaring.Bitmap {
	b, ok := idx.byService[service]
	if !ok {
		b = roaring.New()
		idx.byService[service] = b
	}
	return b
}

func (idx *Index) operationBitmapLocked(op uint16) *roaring.Bitmap {
	b, ok := idx.byOperation[op]
	if !ok {
		b = roaring.New()
		idx.byOperation[op] = b
	}
	return b
}

func (idx *Index) hourBitmapLocked(hour int64) *roaring.Bitmap {
	b, ok := idx.byHour[hour]
	if !ok {
		b = roaring.New()
		idx.byHour[hour] = b
	}
	return b
}

// RemoveSlot clears slot from every bitmap it may be a member of. Used
// when the tail sampler discards a trace's spans (§4.6) and when a
// partition's spans are evicted during compaction.
func (idx *Index) RemoveSlot(slot uint32) {
	idx.Flush()
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for _, b := range idx.byService {
		b.Remove(slot)
	}
	for _, b := range idx.byOperation {
		b.Remove(slot)
	}
	for _, b := range idx.byHour {
		b.Remove(slot)
	}
	idx.errorSet.Remove(slot)
	idx.rootSet.Remove(slot)
}

// Service returns a read-only snapshot of the bitmap for the given
// interned service ID (nil/empty if unknown).
func (idx *Index) Service(service uint16) *roaring.Bitmap {
	idx.Flush()
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	b, ok := idx.byService[service]
	if !ok {
		return roaring.New()
	}
	return b.Clone()
}

// Operation returns a read-only snapshot of the bitmap for the given
// interned operation ID.
func (idx *Index) Operation(operation uint16) *roaring.Bitmap {
	idx.Flush()
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	b, ok := idx.byOperation[operation]
	if !ok {
		return roaring.New()
	}
	return b.Clone()
}

// Hour returns a read-only snapshot of the bitmap for the given hour
// bucket (see HourBucket).
func (idx *Index) Hour(hour int64) *roaring.Bitmap {
	idx.Flush()
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	b, ok := idx.byHour[hour]
	if !ok {
		return roaring.New()
	}
	return b.Clone()
}

// Errors returns a read-only snapshot of the error-span bitmap.
func (idx *Index) Errors() *roaring.Bitmap {
	idx.Flush()
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.errorSet.Clone()
}

// Roots returns a read-only snapshot of the root-span bitmap.
func (idx *Index) Roots() *roaring.Bitmap {
	idx.Flush()
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.rootSet.Clone()
}

// AllServices returns the union of every per-service bitmap, which §4.3
// requires to equal the live slot set of the current tier.
func (idx *Index) AllServices() *roaring.Bitmap {
	idx.Flush()
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := roaring.New()
	for _, b := range idx.byService {
		out.Or(b)
	}
	return out
}

// Rebuild discards every bitmap and repopulates them from spans, keyed
// by their slot IDs. Used by the migration worker after a Compact pass
// that renumbers slots (§4.6).
func (idx *Index) Rebuild(spans map[uint32]*compact.CompactSpan) {
	idx.pendingMu.Lock()
	idx.pending = nil
	idx.pendingMu.Unlock()

	idx.mu.Lock()
	idx.byService = make(map[uint16]*roaring.Bitmap)
	idx.byOperation = make(map[uint16]*roaring.Bitmap)
	idx.byHour = make(map[int64]*roaring.Bitmap)
	idx.errorSet = roaring.New()
	idx.rootSet = roaring.New()
	idx.mu.Unlock()

	for slot, c := range spans {
		idx.AddSpan(slot, c)
	}
	idx.Flush()
}

// And intersects a set of bitmaps, returning an empty bitmap for a nil
// or empty input slice. Shared helper for the query planner (C9).
func And(bitmaps ...*roaring.Bitmap) *roaring.Bitmap {
	if len(bitmaps) == 0 {
		return roaring.New()
	}
	out := bitmaps[0].Clone()
	for _, b := range bitmaps[1:] {
		out.And(b)
	}
	return out
}

// AndNot returns base with every bit in exclude cleared.
func AndNot(base *roaring.Bitmap, exclude ...*roaring.Bitmap) *roaring.Bitmap {
	out := base.Clone()
	for _, e := range exclude {
		out.AndNot(e)
	}
	return out
}

// OrAll unions a set of bitmaps.
func OrAll(bitmaps ...*roaring.Bitmap) *roaring.Bitmap {
	out := roaring.New()
	for _, b := range bitmaps {
		out.Or(b)
	}
	return out
}
