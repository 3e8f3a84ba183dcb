// Package compact implements the fixed 64-byte CompactSpan record of spec
// §3 (C2) and its conversion from/to the logical trace.Span.
package compact

import (
	"unsafe"

	"github.com/tiertrace/tiertrace/internal/intern"
	"github.com/tiertrace/tiertrace/trace"
)

// Flag bits within CompactSpan.Flags, per §3's physical layout table.
const (
	FlagError            uint8 = 1 << 0
	FlagRoot             uint8 = 1 << 1
	FlagHasAttrs         uint8 = 1 << 2
	FlagDurationOverflow uint8 = 1 << 3
)

// maxDurationNS is the largest duration a 32-bit nanosecond field can
// hold without overflow (~4.29s), per §3 and §8's boundary behavior.
const maxDurationNS = uint32(0xFFFFFFFF)

// CompactSpan is the exact 64-byte physical encoding of a span described
// in spec §3. Go aligns it to 8 bytes (its widest field); init rejects
// only an alignment above 64. Field order and sizes are load-bearing:
// changing them changes sizeof(CompactSpan).
type CompactSpan struct {
	TraceIDHi     uint64 // 8
	TraceIDLo     uint64 // 8
	SpanID        uint64 // 8
	ParentSpanID  uint64 // 8
	StartTimeNS   uint64 // 8
	DurationNS    uint32 // 4 (saturating)
	ServiceIdx    uint16 // 2
	OperationIdx  uint16 // 2
	Kind          uint8  // 1
	Status        uint8  // 1
	Flags         uint8  // 1
	Reserved      uint8  // 1
	AttrBitmapIdx uint32 // 4
	_             [8]byte
}

// sizeCheck fails to compile if CompactSpan ever drifts from 64 bytes:
// an array type cannot have a negative length, so the expression below
// is only valid when the sizes are equal. This is the static_assert
// spec §3/§8 require.
type sizeCheck [0]struct {
	_ [unsafe.Sizeof(CompactSpan{}) - 64]byte
	_ [64 - unsafe.Sizeof(CompactSpan{})]byte
}

func init() {
	if unsafe.Sizeof(CompactSpan{}) != 64 {
		panic("compact: CompactSpan must be exactly 64 bytes")
	}
	if unsafe.Alignof(CompactSpan{}) > 64 {
		panic("compact: CompactSpan alignment exceeds 64 bytes")
	}
}

// IsRoot reports flags.root, matching the flags.root ⇔ parent_span_id==0
// invariant of §3.
func (c *CompactSpan) IsRoot() bool { return c.Flags&FlagRoot != 0 }

// IsError reports flags.error.
func (c *CompactSpan) IsError() bool { return c.Flags&FlagError != 0 }

// HasAttrs reports whether AttrBitmapIdx references a populated
// side-table entry.
func (c *CompactSpan) HasAttrs() bool { return c.Flags&FlagHasAttrs != 0 }

// DurationOverflowed reports whether the original duration was clamped.
func (c *CompactSpan) DurationOverflowed() bool { return c.Flags&FlagDurationOverflow != 0 }

// TraceID reconstructs the 128-bit trace ID from its two halves.
func (c *CompactSpan) TraceID() trace.TraceID {
	return trace.TraceIDFromParts(c.TraceIDHi, c.TraceIDLo)
}

// FromSpan converts a logical Span into its compact encoding, interning
// the service and operation names along the way. attrIdx is whatever the
// caller's attribute side-table assigned (0 means "no side entry"); it is
// the caller's responsibility to populate that table when HasAttrs is set.
//
// FromSpan has no error result: ID validation happens earlier, in
// trace.Span.Validate, and unknown kinds/statuses never occur here because
// trace.Kind/trace.StatusCode are already normalized by the time a Span
// reaches this function.
func FromSpan(s *trace.Span, names *intern.Table, attrIdx uint32) CompactSpan {
	var flags uint8
	if s.IsRoot() {
		flags |= FlagRoot
	}
	if s.IsError() {
		flags |= FlagError
	}
	if len(s.Attributes) > 0 {
		flags |= FlagHasAttrs
	}

	duration := s.Duration
	if duration < 0 {
		duration = 0
	}
	durationNS := uint32(duration)
	if duration > int64(maxDurationNS) {
		durationNS = maxDurationNS
		flags |= FlagDurationOverflow
	}

	return CompactSpan{
		TraceIDHi:     s.TraceID.Hi(),
		TraceIDLo:     s.TraceID.Lo(),
		SpanID:        uint64(s.SpanID),
		ParentSpanID:  uint64(s.ParentSpanID),
		StartTimeNS:   uint64(s.StartTime),
		DurationNS:    durationNS,
		ServiceIdx:    names.Intern(s.ServiceName),
		OperationIdx:  names.Intern(s.OperationName),
		Kind:          uint8(s.Kind),
		Status:        uint8(s.Status.Code),
		Flags:         flags,
		AttrBitmapIdx: attrIdx,
	}
}

// ToSpan reconstructs the fields of a logical Span that CompactSpan can
// represent on its own (it cannot restore the error message or
// attributes beyond the whitelist side-table; callers needing those
// rehydrate from the attribute side-table separately).
func ToSpan(c *CompactSpan, names *intern.Table) trace.Span {
	svc, _ := names.Lookup(c.ServiceIdx)
	op, _ := names.Lookup(c.OperationIdx)
	status := trace.Status{Code: trace.StatusCode(c.Status)}
	return trace.Span{
		TraceID:       c.TraceID(),
		SpanID:        trace.SpanID(c.SpanID),
		ParentSpanID:  trace.SpanID(c.ParentSpanID),
		ServiceName:   svc,
		OperationName: op,
		StartTime:     int64(c.StartTimeNS),
		Duration:      int64(c.DurationNS),
		Kind:          trace.Kind(c.Kind),
		Status:        status,
	}
}
