package trace

import "errors"

// ErrInvalidSpan is returned by Validate when a span fails the OTLP
// shape contract of §6 (zero trace_id/span_id, missing service or
// operation name, negative duration).
var ErrInvalidSpan = errors.New("invalid span")
