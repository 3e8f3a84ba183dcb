package query

import (
	"testing"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/stretchr/testify/assert"

	"github.com/tiertrace/tiertrace/trace"
)

type fakeResolver struct {
	spans map[uint32]trace.Span
}

func (f *fakeResolver) bitmapWhere(pred func(trace.Span) bool) *roaring.Bitmap {
	b := roaring.New()
	for slot, s := range f.spans {
		if pred(s) {
			b.Add(slot)
		}
	}
	return b
}

func (f *fakeResolver) ServiceBitmap(name string) *roaring.Bitmap {
	return f.bitmapWhere(func(s trace.Span) bool { return s.ServiceName == name })
}
func (f *fakeResolver) OperationBitmap(name string) *roaring.Bitmap {
	return f.bitmapWhere(func(s trace.Span) bool { return s.OperationName == name })
}
func (f *fakeResolver) ErrorBitmap() *roaring.Bitmap {
	return f.bitmapWhere(func(s trace.Span) bool { return s.Status.Code == trace.StatusError })
}
func (f *fakeResolver) AllSlots() *roaring.Bitmap {
	return f.bitmapWhere(func(trace.Span) bool { return true })
}
func (f *fakeResolver) SearchTokens(tokens []string) *roaring.Bitmap {
	return f.AllSlots()
}
func (f *fakeResolver) Span(slot uint32) (trace.Span, bool) {
	s, ok := f.spans[slot]
	return s, ok
}

func TestCandidateBitmapServiceEq(t *testing.T) {
	r := &fakeResolver{spans: map[uint32]trace.Span{
		1: {ServiceName: "api", OperationName: "GET"},
		2: {ServiceName: "worker", OperationName: "job"},
	}}
	f := Compare{Field: FieldService, Op: OpEq, Value: Value{Str: "api"}}
	b := CandidateBitmap(f, r)
	assert.True(t, b.Contains(1))
	assert.False(t, b.Contains(2))
}

func TestCandidateBitmapAndIntersects(t *testing.T) {
	r := &fakeResolver{spans: map[uint32]trace.Span{
		1: {ServiceName: "api", Status: trace.Status{Code: trace.StatusError}},
		2: {ServiceName: "api", Status: trace.Status{Code: trace.StatusOK}},
	}}
	f := And{
		Left:  Compare{Field: FieldService, Op: OpEq, Value: Value{Str: "api"}},
		Right: Compare{Field: FieldStatus, Op: OpEq, Value: Value{Status: trace.StatusError}},
	}
	b := CandidateBitmap(f, r)
	assert.True(t, b.Contains(1))
	assert.False(t, b.Contains(2))
}

func TestMatchesDurationThreshold(t *testing.T) {
	s := trace.Span{Duration: int64(600 * time.Millisecond)}
	f := Compare{Field: FieldDuration, Op: OpGt, Value: Value{Duration: 500 * time.Millisecond}}
	assert.True(t, Matches(f, &s))

	s.Duration = int64(300 * time.Millisecond)
	assert.False(t, Matches(f, &s))
}

func TestMatchesNotInverts(t *testing.T) {
	s := trace.Span{ServiceName: "api"}
	f := Not{Inner: Compare{Field: FieldService, Op: OpEq, Value: Value{Str: "api"}}}
	assert.False(t, Matches(f, &s))
	assert.True(t, Matches(Not{Inner: Compare{Field: FieldService, Op: OpEq, Value: Value{Str: "worker"}}}, &s))
}

func TestMatchesAttributeContains(t *testing.T) {
	s := trace.Span{Attributes: map[string]string{"http.url": "/checkout/confirm"}}
	f := Compare{Field: FieldAttribute, AttrKey: "http.url", Op: OpContains, Value: Value{Str: "checkout"}}
	assert.True(t, Matches(f, &s))
}

func TestMatchesOrCombinesAlternatives(t *testing.T) {
	s := trace.Span{ServiceName: "worker"}
	f := Or{
		Left:  Compare{Field: FieldService, Op: OpEq, Value: Value{Str: "api"}},
		Right: Compare{Field: FieldService, Op: OpEq, Value: Value{Str: "worker"}},
	}
	assert.True(t, Matches(f, &s))
}
