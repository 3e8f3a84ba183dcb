package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/tiertrace/tiertrace/internal/compact"
	"github.com/tiertrace/tiertrace/internal/errs"
	"github.com/tiertrace/tiertrace/internal/retry"
	"github.com/tiertrace/tiertrace/internal/warmstore"
)

// migrationLoop drains migration requests until the channel is closed
// (Shutdown) or ctx is cancelled (hard-abort past the grace period).
func (e *Engine) migrationLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case req, ok := <-e.migrations:
			if !ok {
				return nil
			}
			e.handleMigration(req)
		}
	}
}

func (e *Engine) handleMigration(req migrationRequest) {
	e.migMu.Lock()
	defer e.migMu.Unlock()

	var err error
	switch req.kind {
	case migrateHotToWarm:
		err = e.doHotToWarmLocked()
	case migrateWarmToCold:
		err = e.doWarmToColdLocked()
	case migrateCompact:
		e.doCompactLocked()
	}
	if err != nil {
		select {
		case e.errCh <- err:
		default:
		}
		e.log.Log(fmt.Sprintf("ERROR: migration kind=%d: %v", req.kind, err))
	}
	if req.done != nil {
		close(req.done)
	}
}

// sweepLoop is the background timer driving periodic, age-based
// migration and tail-sampler expiry, per §4.6/§4.7. It never blocks
// ingest: every action it takes either enqueues a migration request or
// operates on its own locks.
func (e *Engine) sweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(e.sweepInterval())
	defer ticker.Stop()

	ticks := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			ticks++
			e.refreshBudgetUsage()
			for _, id := range e.tail.SweepExpired(now) {
				e.unlinkDeferred(id)
				e.droppedByTail.Add(1)
			}
			if e.hot.Len() > e.hot.Capacity()/2 {
				e.enqueueMigration(migrationRequest{kind: migrateHotToWarm})
			}
			if ticks%10 == 0 {
				e.enqueueMigration(migrationRequest{kind: migrateWarmToCold})
			}
			if ticks%30 == 0 {
				e.enqueueMigration(migrationRequest{kind: migrateCompact})
			}
		}
	}
}

// refreshBudgetUsage samples disk and memory footprint for the C8
// budget gate, per §4.7. It runs on the sweep timer rather than inline
// with ingest so HasCapacity stays a pair of atomic loads on the hot
// path.
func (e *Engine) refreshBudgetUsage() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	disk := e.warm.SizeBytes() + e.cold.DiskUsageBytes()
	e.budget.SetUsage(disk, int64(m.Alloc))
}

func (e *Engine) sweepInterval() time.Duration {
	if e.cfg.HotRetention > 0 && e.cfg.HotRetention < 10*time.Second {
		return e.cfg.HotRetention
	}
	return time.Second
}

func (e *Engine) enqueueMigration(req migrationRequest) {
	select {
	case e.migrations <- req:
	default:
		e.log.Log("WARN: migration queue full, dropping request")
	}
}

// requestMigrationAndWait enqueues a migration request and waits up to
// timeout for migrationLoop's background goroutine to process it,
// reporting whether it completed in time. It never runs the migration
// itself: the ingest-calling goroutine only ever waits on a channel,
// keeping the archival path off the ingest thread per §5. Used by
// Ingest on ring overflow, where §5 specifies ingest_block_timeout as
// the bound on this suspension point.
func (e *Engine) requestMigrationAndWait(kind migrationKind, timeout time.Duration) bool {
	done := make(chan struct{})
	select {
	case e.migrations <- migrationRequest{kind: kind, done: done}:
	default:
		e.log.Log("WARN: migration queue full, dropping overflow request")
		return false
	}

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// doHotToWarmLocked copies up to migration_batch_size of the oldest
// un-migrated hot spans into the warm store, reindexes them under their
// warm-tier slot IDs, drops their hot-tier index entries, and advances
// the ring's read cursor past the batch. Callers hold migMu.
func (e *Engine) doHotToWarmLocked() error {
	lo, hi := e.hot.Range()
	if hi <= lo {
		return nil
	}
	end := lo + uint64(e.cfg.MigrationBatchSize)
	if end > hi {
		end = hi
	}

	var batch []compact.CompactSpan
	var hotSlots []uint32
	for id := lo; id < end; id++ {
		cs, ok := e.hot.Get(id)
		if !ok {
			continue // overwritten before migration reached it; already gone
		}
		batch = append(batch, cs)
		hotSlots = append(hotSlots, uint32(id))
	}
	if len(batch) == 0 {
		e.hot.AdvanceReadCursor(end)
		return nil
	}

	firstWarmSlot, err := e.warm.Append(batch)
	if errors.Is(err, warmstore.ErrBufferFull) {
		if cerr := e.doWarmToColdLocked(); cerr != nil {
			return cerr
		}
		firstWarmSlot, err = e.warm.Append(batch)
	}
	if err != nil {
		return &errs.StorageError{Tier: "warm", Op: "append", Err: err}
	}

	for i, cs := range batch {
		warmSlot := firstWarmSlot + uint32(i)
		e.warmIndex.AddSpan(warmSlot, &cs)
		span := e.hydrate(&cs)
		e.warmSearch.IndexText(warmSlot, searchableText(&span))
		e.hotIndex.RemoveSlot(hotSlots[i])
		e.hotSearch.Remove(hotSlots[i])
	}

	e.hot.AdvanceReadCursor(end)
	return nil
}

// doWarmToColdLocked scans the warm store for slots older than
// warm_retention, archives them into the cold catalogue, and
// invalidates their warm-tier storage and indices. Callers hold migMu.
func (e *Engine) doWarmToColdLocked() error {
	cursor := e.warm.WriteCursor()
	if cursor == 0 {
		return nil
	}
	cutoff := time.Now().Add(-e.cfg.WarmRetention).UnixNano()

	var batch []compact.CompactSpan
	var slots []uint32
	for slot := uint32(0); uint64(slot) < cursor; slot++ {
		cs, err := e.warm.Get(slot)
		if err != nil {
			continue
		}
		if cs.StartTimeNS == 0 {
			continue // invalidated slot
		}
		if int64(cs.StartTimeNS) > cutoff {
			continue
		}
		batch = append(batch, cs)
		slots = append(slots, slot)
	}
	if len(batch) == 0 {
		return nil
	}

	serviceNames := func(id uint16) string {
		name, _ := e.names.Lookup(id)
		return name
	}
	archiveErr := retry.Do(context.Background(), retry.Default(), func() error {
		return e.cold.Archive(batch, serviceNames)
	})
	if archiveErr != nil {
		return &errs.StorageError{Tier: "cold", Op: "archive", Err: archiveErr}
	}

	for _, slot := range slots {
		e.warm.Invalidate(slot)
		e.warmIndex.RemoveSlot(slot)
		e.warmSearch.Remove(slot)
	}
	return nil
}

// doCompactLocked rebuilds the hot bitmap index from the ring's current
// live window (cheap: bounded by hot_capacity), leaving out slots a
// tail-sampler Drop has already unlinked, and re-optimizes both
// tiers' search indices, per §4.6's "periodically rebuild bitmaps that
// have crossed the dirty threshold".
func (e *Engine) doCompactLocked() {
	lo, hi := e.hot.Range()
	indexed := e.hotIndex.AllServices()
	live := make(map[uint32]*compact.CompactSpan, hi-lo)
	for id := lo; id < hi; id++ {
		if !indexed.Contains(uint32(id)) {
			continue // unlinked by a tail-sampler Drop; keep it out
		}
		if cs, ok := e.hot.Get(id); ok {
			c := cs
			live[uint32(id)] = &c
		}
	}
	e.hotIndex.Rebuild(live)
	e.hotSearch.Compact()
	e.warmSearch.Compact()
}
