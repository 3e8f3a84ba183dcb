package query

import (
	"regexp"
	"strings"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/tiertrace/tiertrace/internal/search"
	"github.com/tiertrace/tiertrace/trace"
)

// Resolver is whatever a single storage tier exposes to the query
// planner: bitmap lookups by indexed key, the inverted search index, and
// span hydration for the residual pass. The engine implements this once
// per tier (hot/warm/cold) and merges the resulting spans.
type Resolver interface {
	ServiceBitmap(name string) *roaring.Bitmap
	OperationBitmap(name string) *roaring.Bitmap
	ErrorBitmap() *roaring.Bitmap
	AllSlots() *roaring.Bitmap
	SearchTokens(tokens []string) *roaring.Bitmap
	Span(slot uint32) (trace.Span, bool)
}

// CandidateBitmap computes a superset of slots that could possibly match
// f, per §4.6's resolution algorithm: AND of per-key bitmaps, text via
// search-index intersection. Comparisons with no backing bitmap (kind,
// duration, trace/span/parent IDs, non-whitelisted attributes) fall back
// to "no constraint" here; Matches applies the exact semantics during
// the residual walk.
func CandidateBitmap(f Filter, r Resolver) *roaring.Bitmap {
	switch v := f.(type) {
	case All:
		return r.AllSlots()
	case Compare:
		return candidateForCompare(v, r)
	case And:
		left := CandidateBitmap(v.Left, r)
		left.And(CandidateBitmap(v.Right, r))
		return left
	case Or:
		left := CandidateBitmap(v.Left, r)
		left.Or(CandidateBitmap(v.Right, r))
		return left
	case Not:
		// The inner candidate set can be a superset of the inner
		// matches, so its complement could exclude true matches; leave
		// Not unnarrowed and let Matches decide.
		return r.AllSlots()
	default:
		return r.AllSlots()
	}
}

func candidateForCompare(c Compare, r Resolver) *roaring.Bitmap {
	switch c.Field {
	case FieldService:
		if c.Op == OpEq {
			return r.ServiceBitmap(c.Value.Str)
		}
	case FieldOperation:
		if c.Op == OpEq {
			return r.OperationBitmap(c.Value.Str)
		}
	case FieldStatus:
		if c.Op == OpEq && c.Value.Status == trace.StatusError {
			return r.ErrorBitmap()
		}
	case FieldAttribute:
		if _, ok := search.WhitelistedAttributeKeys[c.AttrKey]; ok && (c.Op == OpEq || c.Op == OpContains) {
			return r.SearchTokens(search.Tokenize(c.Value.Str))
		}
	}
	// No applicable bitmap: don't narrow the candidate set, let the
	// residual pass decide exactly.
	return r.AllSlots()
}

// Matches evaluates f against a hydrated span with full Go semantics. It
// is the source of truth; CandidateBitmap only narrows what gets walked.
func Matches(f Filter, s *trace.Span) bool {
	switch v := f.(type) {
	case All:
		return true
	case Compare:
		return matchesCompare(v, s)
	case And:
		return Matches(v.Left, s) && Matches(v.Right, s)
	case Or:
		return Matches(v.Left, s) || Matches(v.Right, s)
	case Not:
		return !Matches(v.Inner, s)
	default:
		return false
	}
}

func matchesCompare(c Compare, s *trace.Span) bool {
	switch c.Field {
	case FieldService:
		return compareStrings(c.Op, s.ServiceName, c.Value.Str)
	case FieldOperation:
		return compareStrings(c.Op, s.OperationName, c.Value.Str)
	case FieldKind:
		return compareStrings(c.Op, strings.ToLower(s.Kind.String()), strings.ToLower(c.Value.Str))
	case FieldStatus:
		return compareOrdered(c.Op, int64(s.Status.Code), int64(c.Value.Status))
	case FieldDuration:
		return compareOrdered(c.Op, s.Duration, int64(c.Value.Duration))
	case FieldTraceID:
		return compareStrings(c.Op, s.TraceID.String(), c.Value.Str)
	case FieldSpanID:
		return compareStrings(c.Op, s.SpanID.String(), c.Value.Str)
	case FieldParentSpanID:
		return compareStrings(c.Op, s.ParentSpanID.String(), c.Value.Str)
	case FieldAttribute:
		val, ok := s.Attributes[c.AttrKey]
		if !ok {
			return false
		}
		return compareStrings(c.Op, val, c.Value.Str)
	default:
		return false
	}
}

func compareStrings(op Op, got, want string) bool {
	switch op {
	case OpEq:
		return got == want
	case OpNeq:
		return got != want
	case OpContains:
		return strings.Contains(strings.ToLower(got), strings.ToLower(want))
	case OpRegex:
		re, err := regexp.Compile(want)
		if err != nil {
			return false
		}
		return re.MatchString(got)
	default:
		return false
	}
}

func compareOrdered(op Op, got, want int64) bool {
	switch op {
	case OpEq:
		return got == want
	case OpNeq:
		return got != want
	case OpLt:
		return got < want
	case OpLte:
		return got <= want
	case OpGt:
		return got > want
	case OpGte:
		return got >= want
	default:
		return false
	}
}
