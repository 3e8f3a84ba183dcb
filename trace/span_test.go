package trace

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTraceIDRoundTrip(t *testing.T) {
	const hexID = "0102030405060708090a0b0c0d0e0f10"
	id, err := ParseTraceID(hexID)
	require.NoError(t, err)
	assert.Equal(t, hexID, id.String())
	assert.False(t, id.IsZero())
}

func TestTraceIDRejectsBadLength(t *testing.T) {
	_, err := ParseTraceID("abcd")
	assert.Error(t, err)
}

func TestSpanIDRoundTrip(t *testing.T) {
	id, err := ParseSpanID("0102030405060708")
	require.NoError(t, err)
	assert.Equal(t, "0102030405060708", id.String())
}

func TestSpanIsRootIsError(t *testing.T) {
	s := &Span{ParentSpanID: 0, Status: Status{Code: StatusError}}
	assert.True(t, s.IsRoot())
	assert.True(t, s.IsError())

	s.ParentSpanID = 42
	s.Status.Code = StatusOK
	assert.False(t, s.IsRoot())
	assert.False(t, s.IsError())
}

func TestSpanValidate(t *testing.T) {
	id, _ := ParseTraceID("0102030405060708090a0b0c0d0e0f10")
	sid, _ := ParseSpanID("0102030405060708")
	valid := &Span{TraceID: id, SpanID: sid, ServiceName: "svc", OperationName: "op"}
	assert.NoError(t, valid.Validate())

	missing := &Span{TraceID: id, SpanID: sid, OperationName: "op"}
	assert.ErrorIs(t, missing.Validate(), ErrInvalidSpan)
}

func TestParseKindAndStatusFallback(t *testing.T) {
	assert.Equal(t, KindServer, ParseKind("SERVER"))
	assert.Equal(t, KindInternal, ParseKind("bogus"))
	assert.Equal(t, StatusError, ParseStatusCode("Error"))
	assert.Equal(t, StatusUnset, ParseStatusCode("bogus"))
}
