// Package errs defines the typed error kinds of spec §7 and the
// summarize-by-type aggregation the migration and archival workers use
// to report recurring failures without flooding logs per occurrence.
package errs

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/tiertrace/tiertrace/trace"
)

// ErrInvalidSpan is returned when ingest rejects a span that fails
// trace.Span.Validate.
var ErrInvalidSpan = trace.ErrInvalidSpan

// ErrBufferFull is returned when the hot ring and its one migration
// retry both fail to find room for an incoming span.
var ErrBufferFull = errors.New("buffer full")

// ErrInternOverflow names the intern-overflow error kind. Nothing in this
// module returns it: intern.Table.Intern maps names past
// max_intern_entries to the intern.Overflow sentinel instead.
var ErrInternOverflow = errors.New("intern table overflow")

// ErrTimeout names the timeout error kind. Ingest and Query take no
// deadline, so nothing in this module returns it.
var ErrTimeout = errors.New("operation timed out")

// ErrShuttingDown is returned by ingest while the engine is Draining or
// Stopped.
var ErrShuttingDown = errors.New("engine shutting down")

// ErrNotFound names the not-found error kind. The engine has no
// query-by-id call, so nothing in this module returns it.
var ErrNotFound = errors.New("not found")

// StorageError wraps an I/O, mmap, or compression failure with the tier
// and operation that produced it, per §7's Storage error kind.
type StorageError struct {
	Tier string // "warm" or "cold"
	Op   string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s storage: %s: %v", e.Tier, e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// errorSummary aggregates repeated errors of the same concrete type.
type errorSummary struct {
	Count   int
	Example string
}

// Aggregate drains ch and groups errors by their concrete Go type,
// keeping one example message per type and a count of occurrences.
// Engine.DrainErrors calls it on demand to summarize the queued
// background errors instead of reporting every individual failure.
func Aggregate(ch <-chan error) map[string]errorSummary {
	summary := make(map[string]errorSummary)
	for {
		select {
		case err, ok := <-ch:
			if !ok {
				return summary
			}
			if err == nil {
				continue
			}
			key := reflect.TypeOf(err).String()
			s := summary[key]
			s.Count++
			s.Example = err.Error()
			summary[key] = s
		default:
			return summary
		}
	}
}
