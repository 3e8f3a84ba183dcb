package sampler

import "sync/atomic"

// Budget gates Keep decisions behind configured disk/memory watermarks,
// per §4.7's "budget.has_capacity() gates Keep decisions when disk/
// memory exceeds configured watermarks". Usage is sampled periodically
// by the engine's sweep loop rather than measured inline, so HasCapacity
// stays the pair of atomic loads the head sampler's bounded-time
// contract requires.
type Budget struct {
	maxDiskBytes   int64
	maxMemoryBytes int64

	diskBytes   atomic.Int64
	memoryBytes atomic.Int64
}

// NewBudget creates a Budget enforcing the given watermarks. A watermark
// of 0 disables that dimension's check.
func NewBudget(maxDiskBytes, maxMemoryBytes int64) *Budget {
	return &Budget{maxDiskBytes: maxDiskBytes, maxMemoryBytes: maxMemoryBytes}
}

// SetUsage records the current disk and memory footprint for future
// HasCapacity calls.
func (b *Budget) SetUsage(diskBytes, memoryBytes int64) {
	b.diskBytes.Store(diskBytes)
	b.memoryBytes.Store(memoryBytes)
}

// DiskBytes returns the last recorded disk usage.
func (b *Budget) DiskBytes() int64 { return b.diskBytes.Load() }

// MemoryBytes returns the last recorded memory usage.
func (b *Budget) MemoryBytes() int64 { return b.memoryBytes.Load() }

// HasCapacity reports whether both watermarks still have headroom. A
// Budget with both watermarks at 0 always has capacity.
func (b *Budget) HasCapacity() bool {
	if b.maxDiskBytes > 0 && b.diskBytes.Load() >= b.maxDiskBytes {
		return false
	}
	if b.maxMemoryBytes > 0 && b.memoryBytes.Load() >= b.maxMemoryBytes {
		return false
	}
	return true
}
