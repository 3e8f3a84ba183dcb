// Package ring implements the lock-free hot ring of spec §4.2 (C3): a
// fixed-capacity array of compact.CompactSpan with a single
// monotonically increasing write cursor.
package ring

import (
	"errors"
	"sync/atomic"

	"github.com/tiertrace/tiertrace/internal/compact"
)

// ErrFull is returned by TryPush when the ring has no room for another
// span without overwriting one the migrator has not yet moved to warm
// storage. The caller (the tiered engine) is expected to trigger a
// HotToWarm migration and retry exactly once, per §4.6.
var ErrFull = errors.New("ring: full")

type slot struct {
	// seq publishes a slot with release-store semantics: seq == index+1
	// means the slot holds a valid record for that index. Readers must
	// observe seq before trusting span, and re-check it after reading
	// span to detect a concurrent overwrite (generation validation, §4.2).
	seq  atomic.Uint64
	span compact.CompactSpan
}

// Ring is a single-writer-per-slot, wait-free bounded ring buffer. The
// zero value is not usable; construct with New.
type Ring struct {
	capacity uint64
	slots    []slot

	writeCursor atomic.Uint64 // next slot index to be claimed
	readCursor  atomic.Uint64 // hot_read_cursor / hot_high_watermark (§4.2, §4.6)
}

// New creates a ring holding up to capacity spans. capacity must be > 0.
func New(capacity int) *Ring {
	if capacity <= 0 {
		panic("ring: capacity must be positive")
	}
	return &Ring{
		capacity: uint64(capacity),
		slots:    make([]slot, capacity),
	}
}

// Capacity returns the ring's fixed slot count.
func (r *Ring) Capacity() int { return int(r.capacity) }

// WriteCursor returns the current monotonically increasing write cursor.
func (r *Ring) WriteCursor() uint64 { return r.writeCursor.Load() }

// ReadCursor returns the migrator-maintained hot_read_cursor: slots below
// this index have already been migrated and should not be routed to as
// "hot" by new queries.
func (r *Ring) ReadCursor() uint64 { return r.readCursor.Load() }

// AdvanceReadCursor moves hot_read_cursor forward to at least to. Used by
// the migration worker after a HotToWarm batch completes (§4.6). It is a
// no-op if to is behind the current cursor.
func (r *Ring) AdvanceReadCursor(to uint64) {
	for {
		cur := r.readCursor.Load()
		if to <= cur {
			return
		}
		if r.readCursor.CompareAndSwap(cur, to) {
			return
		}
	}
}

// TryPush reserves a slot via atomic fetch-add and publishes span into
// it. It returns ErrFull when the un-migrated span count has reached
// capacity; the caller should migrate and retry exactly once (§4.6).
func (r *Ring) TryPush(span compact.CompactSpan) (slotID uint64, err error) {
	write := r.writeCursor.Load()
	if write-r.readCursor.Load() >= r.capacity {
		return 0, ErrFull
	}
	idx := r.writeCursor.Add(1) - 1
	s := &r.slots[idx%r.capacity]
	s.span = span
	s.seq.Store(idx + 1) // release: publishes span to readers
	return idx, nil
}

// Get returns the span stored at slotID and whether it was still valid
// (not yet overwritten by a wrapping writer) at the moment of the read.
// Callers iterating a snapshot range should treat a false return as "skip
// this slot", per §4.2's generation-validation guidance.
func (r *Ring) Get(slotID uint64) (compact.CompactSpan, bool) {
	s := &r.slots[slotID%r.capacity]
	if s.seq.Load() != slotID+1 {
		return compact.CompactSpan{}, false
	}
	span := s.span
	if s.seq.Load() != slotID+1 {
		return compact.CompactSpan{}, false
	}
	return span, true
}

// Range returns the [lo, hi) slot ID bounds a reader should scan to see
// "the current window", per §4.2: [max(0, write−capacity), write).
func (r *Ring) Range() (lo, hi uint64) {
	hi = r.writeCursor.Load()
	if hi > r.capacity {
		lo = hi - r.capacity
	}
	if lo < r.readCursor.Load() {
		lo = r.readCursor.Load()
	}
	return lo, hi
}

// Len returns the number of live (not yet migrated) slots currently in
// the ring.
func (r *Ring) Len() int {
	lo, hi := r.Range()
	if hi < lo {
		return 0
	}
	return int(hi - lo)
}
