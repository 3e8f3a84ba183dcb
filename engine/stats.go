package engine

import "github.com/tiertrace/tiertrace/internal/errs"

// Stats is a point-in-time snapshot of the engine's tier occupancy and
// sampling behavior, for diagnostics and tests.
type Stats struct {
	State string

	HotLen      int
	HotCapacity int

	WarmWriteCursor uint64
	WarmCapacity    int

	ColdPartitions int

	DroppedByHeadSampler uint64
	DroppedByTailSampler uint64

	InternedNames     int
	PendingTailTraces int

	HeadSampleRatePer10000 uint64

	BudgetDiskBytes   int64
	BudgetMemoryBytes int64
	BudgetHasCapacity bool
}

// Stats reports the engine's current diagnostics, per the supplemental
// observability surface of §13.
func (e *Engine) Stats() Stats {
	return Stats{
		State: e.State().String(),

		HotLen:      e.hot.Len(),
		HotCapacity: e.hot.Capacity(),

		WarmWriteCursor: e.warm.WriteCursor(),
		WarmCapacity:    e.warm.Capacity(),

		ColdPartitions: e.cold.PartitionCount(),

		DroppedByHeadSampler: e.droppedByHead.Load(),
		DroppedByTailSampler: e.droppedByTail.Load(),

		InternedNames:     e.names.Len(),
		PendingTailTraces: e.tail.Len(),

		HeadSampleRatePer10000: e.head.Rate(),

		BudgetDiskBytes:   e.budget.DiskBytes(),
		BudgetMemoryBytes: e.budget.MemoryBytes(),
		BudgetHasCapacity: e.budget.HasCapacity(),
	}
}

// DrainErrors collapses every background migration/archival error queued
// since the last call into a count per concrete error type, per §7's
// summarize-rather-than-flood reporting policy.
func (e *Engine) DrainErrors() map[string]int {
	summary := errs.Aggregate(e.errCh)
	out := make(map[string]int, len(summary))
	for k, v := range summary {
		out[k] = v.Count
	}
	return out
}
