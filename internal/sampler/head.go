// Package sampler implements the smart sampler of spec §4.7 (C8): a
// bounded-time head sampler that runs on every span, and a tail sampler
// that aggregates per-trace state and makes the final keep/drop call
// once a trace looks complete.
package sampler

import (
	"math"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"github.com/tiertrace/tiertrace/trace"
)

// Decision is the head sampler's bounded-time verdict.
type Decision int

const (
	// Drop discards the span outright.
	Drop Decision = iota
	// Keep retains the span unconditionally.
	Keep
	// Defer passes the decision to the tail sampler once the trace
	// completes.
	Defer
)

func (d Decision) String() string {
	switch d {
	case Keep:
		return "keep"
	case Defer:
		return "defer"
	default:
		return "drop"
	}
}

// alwaysKeepFraction is the bottom slice of hash space that is always
// kept regardless of rate, per §4.7's "always-keep floor" guarantee that
// a trickle of traffic is visible even under heavy dropping.
const alwaysKeepFraction = 0.01

var alwaysKeepThreshold = uint64(alwaysKeepFraction * float64(math.MaxUint64))

// HeadSampler makes a Keep/Drop/Defer decision from a trace ID alone, in
// bounded time and without allocating, per §4.7.
type HeadSampler struct {
	ratePer10000 atomic.Uint64
	budget       *Budget
}

// NewHeadSampler creates a head sampler at the given rate (0..10000,
// where 10000 defers everything outside the always-keep floor to the
// tail sampler).
func NewHeadSampler(ratePer10000 uint64) *HeadSampler {
	h := &HeadSampler{}
	h.SetRate(ratePer10000)
	return h
}

// SetBudget installs the disk/memory budget gate consulted on the
// always-keep floor, per §4.7's "budget.has_capacity() gates Keep
// decisions". Call before traffic starts; a nil budget disables gating.
func (h *HeadSampler) SetBudget(b *Budget) { h.budget = b }

// SetRate updates the defer threshold; the adaptive rate controller
// calls this as load changes.
func (h *HeadSampler) SetRate(ratePer10000 uint64) {
	if ratePer10000 > 10000 {
		ratePer10000 = 10000
	}
	h.ratePer10000.Store(ratePer10000)
}

// Rate returns the current rate per 10,000.
func (h *HeadSampler) Rate() uint64 { return h.ratePer10000.Load() }

// Decide hashes traceID and compares it against the current rate
// threshold. The same trace ID always yields the same decision for an
// unchanged rate, per §8's stability property.
func (h *HeadSampler) Decide(id trace.TraceID) Decision {
	hash := hashTraceID(id)
	if hash < alwaysKeepThreshold {
		if h.budget != nil && !h.budget.HasCapacity() {
			return Drop
		}
		return Keep
	}
	threshold := h.ratePer10000.Load() * (math.MaxUint64 / 10000)
	if hash < threshold {
		return Defer
	}
	return Drop
}

func hashTraceID(id trace.TraceID) uint64 {
	var buf [16]byte
	hi, lo := id.Hi(), id.Lo()
	for i := 0; i < 8; i++ {
		buf[i] = byte(hi >> (56 - 8*i))
		buf[8+i] = byte(lo >> (56 - 8*i))
	}
	return xxhash.Sum64(buf[:])
}
