package engine

import (
	"errors"
	"strings"
	"time"

	"github.com/tiertrace/tiertrace/internal/compact"
	"github.com/tiertrace/tiertrace/internal/errs"
	"github.com/tiertrace/tiertrace/internal/ring"
	"github.com/tiertrace/tiertrace/internal/sampler"
	"github.com/tiertrace/tiertrace/internal/search"
	"github.com/tiertrace/tiertrace/trace"
)

// Ingest runs the §4.6 ingest path: head-sample, intern, write to the
// hot ring (migrating and retrying exactly once on overflow), then
// index the new slot.
func (e *Engine) Ingest(s *trace.Span) error {
	if err := e.requireRunning(); err != nil {
		return err
	}
	if err := s.Validate(); err != nil {
		return err
	}

	now := time.Now()
	e.adapt.Observe(now)
	if s.IsError() {
		e.adapt.RecordErrorSpike()
	}

	decision := e.head.Decide(s.TraceID)
	if decision == sampler.Drop {
		e.droppedByHead.Add(1)
		return nil
	}

	attrIdx, hasAttrs := e.storeAttributes(s)
	cs := compact.FromSpan(s, e.names, attrIdx)
	if hasAttrs {
		cs.Flags |= compact.FlagHasAttrs
	}

	slot, err := e.hot.TryPush(cs)
	if err != nil {
		if !errors.Is(err, ring.ErrFull) {
			return err
		}
		// The ring is full: ask the background migration worker to make
		// room and wait up to ingest_block_timeout, per §5. This
		// goroutine never runs doHotToWarmLocked itself, so lz4
		// compression, fsync and cold-archive retries always happen off
		// the ingest thread.
		e.requestMigrationAndWait(migrateHotToWarm, e.cfg.IngestBlockTimeout)
		slot, err = e.hot.TryPush(cs)
		if err != nil {
			return errs.ErrBufferFull
		}
	}

	hotSlot := uint32(slot)
	e.hotIndex.AddSpan(hotSlot, &cs)
	e.hotSearch.IndexText(hotSlot, searchableText(s))

	if decision == sampler.Defer {
		e.tail.Observe(s.TraceID, s.ServiceName, time.Duration(s.Duration), s.IsError(), now)
		e.deferMu.Lock()
		e.deferredSlots[s.TraceID] = append(e.deferredSlots[s.TraceID], deferredRef{tier: hotTier, slot: hotSlot})
		e.deferMu.Unlock()
	}
	return nil
}

// EvaluateTrace asks the tail sampler for its final verdict on id (the
// caller signals trace completion, typically on a "no span seen in N
// seconds" heuristic upstream of this package) and unlinks the trace's
// spans from the live indices on Drop.
func (e *Engine) EvaluateTrace(id trace.TraceID) sampler.Decision {
	decision := e.tail.Evaluate(id)
	if decision == sampler.Drop {
		e.unlinkDeferred(id)
		e.droppedByTail.Add(1)
	} else {
		e.forgetDeferred(id)
	}
	return decision
}

func (e *Engine) unlinkDeferred(id trace.TraceID) {
	e.deferMu.Lock()
	refs := e.deferredSlots[id]
	delete(e.deferredSlots, id)
	e.deferMu.Unlock()

	for _, r := range refs {
		switch r.tier {
		case hotTier:
			e.hotIndex.RemoveSlot(r.slot)
			e.hotSearch.Remove(r.slot)
		case warmTier:
			e.warmIndex.RemoveSlot(r.slot)
			e.warmSearch.Remove(r.slot)
			e.warm.Invalidate(r.slot)
		}
	}
}

func (e *Engine) forgetDeferred(id trace.TraceID) {
	e.deferMu.Lock()
	delete(e.deferredSlots, id)
	e.deferMu.Unlock()
}

// storeAttributes merges a span's attributes with its status message (the
// one piece of §3's "cannot restore beyond the whitelist side-table"
// data CompactSpan has no field for) into the attribute side-table,
// returning the assigned index and whether anything was stored.
func (e *Engine) storeAttributes(s *trace.Span) (idx uint32, ok bool) {
	if len(s.Attributes) == 0 && s.Status.Message == "" {
		return 0, false
	}
	merged := make(map[string]string, len(s.Attributes)+1)
	for k, v := range s.Attributes {
		merged[k] = v
	}
	if s.Status.Message != "" {
		merged["error.message"] = s.Status.Message
	}

	idx = e.nextAttrIdx.Add(1)
	e.attrMu.Lock()
	e.attrs[idx] = merged
	e.attrMu.Unlock()
	return idx, true
}

// searchableText is what the inverted index tokenizes for a span: its
// operation name plus the value of every whitelisted attribute it
// carries, per §4.8.
func searchableText(s *trace.Span) string {
	var sb strings.Builder
	sb.WriteString(s.OperationName)
	for k, v := range s.Attributes {
		if _, ok := search.WhitelistedAttributeKeys[k]; ok {
			sb.WriteByte(' ')
			sb.WriteString(v)
		}
	}
	if s.Status.Message != "" {
		sb.WriteByte(' ')
		sb.WriteString(s.Status.Message)
	}
	return sb.String()
}

// hydrate reconstructs a logical Span from its compact encoding, filling
// in attributes and the error message from the side-table when present.
func (e *Engine) hydrate(cs *compact.CompactSpan) trace.Span {
	s := compact.ToSpan(cs, e.names)
	if !cs.HasAttrs() {
		return s
	}
	e.attrMu.RLock()
	attrs, ok := e.attrs[cs.AttrBitmapIdx]
	e.attrMu.RUnlock()
	if !ok {
		return s
	}
	s.Attributes = attrs
	if msg, ok := attrs["error.message"]; ok {
		s.Status.Message = msg
	}
	return s
}
