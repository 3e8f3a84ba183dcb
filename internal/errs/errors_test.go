package errs

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStorageErrorUnwrapsAndFormats(t *testing.T) {
	inner := errors.New("disk full")
	err := &StorageError{Tier: "warm", Op: "flush", Err: inner}

	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "warm storage")
	assert.Contains(t, err.Error(), "flush")
}

func TestAggregateGroupsByConcreteType(t *testing.T) {
	ch := make(chan error, 4)
	ch <- &StorageError{Tier: "cold", Op: "compress", Err: errors.New("boom")}
	ch <- &StorageError{Tier: "cold", Op: "compress", Err: errors.New("boom again")}
	ch <- ErrBufferFull
	ch <- nil
	close(ch)

	summary := Aggregate(ch)
	require := assert.New(t)
	require.Equal(2, summary["*errs.StorageError"].Count)
	require.Equal(1, summary["*errors.errorString"].Count)
	require.Equal("buffer full", summary["*errors.errorString"].Example)
}
