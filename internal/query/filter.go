// Package query implements the filter AST of spec §6 and its resolution
// against bitmap indices (C9): `all | compare(field, op, value) |
// and/or/not`, composed via roaring set operations with a residual
// per-span check for anything no bitmap can answer precisely.
package query

import (
	"time"

	"github.com/tiertrace/tiertrace/trace"
)

// Field names the span property a Compare filter inspects.
type Field string

const (
	FieldService      Field = "service"
	FieldOperation    Field = "operation"
	FieldDuration     Field = "duration"
	FieldStatus       Field = "status"
	FieldTraceID      Field = "trace_id"
	FieldSpanID       Field = "span_id"
	FieldParentSpanID Field = "parent_span_id"
	FieldKind         Field = "kind"
	FieldAttribute    Field = "attribute"
)

// Op names a comparison operator.
type Op string

const (
	OpEq       Op = "eq"
	OpNeq      Op = "neq"
	OpLt       Op = "lt"
	OpLte      Op = "lte"
	OpGt       Op = "gt"
	OpGte      Op = "gte"
	OpContains Op = "contains"
	OpRegex    Op = "regex"
)

// Value is a tagged union over the literal types §6 allows.
type Value struct {
	Str      string
	Int      int64
	Duration time.Duration
	Status   trace.StatusCode
	Bool     bool
}

// Filter is the sealed filter AST: All, Compare, And, Or, Not.
type Filter interface {
	isFilter()
}

// All matches every span.
type All struct{}

func (All) isFilter() {}

// Compare matches spans where Field (AttrKey when Field ==
// FieldAttribute) relates to Value via Op.
type Compare struct {
	Field   Field
	AttrKey string
	Op      Op
	Value   Value
}

func (Compare) isFilter() {}

// And matches spans both operands match.
type And struct{ Left, Right Filter }

func (And) isFilter() {}

// Or matches spans either operand matches.
type Or struct{ Left, Right Filter }

func (Or) isFilter() {}

// Not inverts Inner.
type Not struct{ Inner Filter }

func (Not) isFilter() {}

// Query is the full query surface tuple of §6.
type Query struct {
	Filter Filter
	Limit  int
}
