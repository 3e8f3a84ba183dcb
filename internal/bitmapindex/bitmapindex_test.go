package bitmapindex

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tiertrace/tiertrace/internal/compact"
)

func span(slot uint32, service, operation uint16, isError, isRoot bool) (uint32, *compact.CompactSpan) {
	c := &compact.CompactSpan{ServiceIdx: service, OperationIdx: operation, StartTimeNS: uint64(slot) * 1000}
	var flags uint8
	if isError {
		flags |= compact.FlagError
	}
	if isRoot {
		flags |= compact.FlagRoot
	}
	c.Flags = flags
	return slot, c
}

func TestAddSpanAndQueryByService(t *testing.T) {
	idx := New(0)
	slot, c := span(1, 10, 20, false, true)
	idx.AddSpan(slot, c)
	idx.Flush()

	assert.True(t, idx.Service(10).Contains(1))
	assert.False(t, idx.Service(11).Contains(1))
	assert.True(t, idx.Roots().Contains(1))
	assert.False(t, idx.Errors().Contains(1))
}

func TestBatchFlushesAtWatermark(t *testing.T) {
	idx := New(4)
	for i := uint32(0); i < 4; i++ {
		slot, c := span(i, 1, 1, false, false)
		idx.AddSpan(slot, c)
	}
	// No manual Flush call: watermark of 4 should have triggered it.
	assert.EqualValues(t, 4, idx.Service(1).GetCardinality())
}

func TestRemoveSlotClearsAllSets(t *testing.T) {
	idx := New(0)
	slot, c := span(5, 1, 2, true, true)
	idx.AddSpan(slot, c)
	idx.Flush()
	require.True(t, idx.Errors().Contains(5))

	idx.RemoveSlot(5)
	assert.False(t, idx.Service(1).Contains(5))
	assert.False(t, idx.Errors().Contains(5))
	assert.False(t, idx.Roots().Contains(5))
}

func TestAllServicesIsUnionOfLiveSlots(t *testing.T) {
	idx := New(0)
	_, c1 := span(1, 1, 1, false, false)
	_, c2 := span(2, 2, 1, false, false)
	idx.AddSpan(1, c1)
	idx.AddSpan(2, c2)
	idx.Flush()

	all := idx.AllServices()
	assert.True(t, all.Contains(1))
	assert.True(t, all.Contains(2))
}

func TestAndAndAndNotHelpers(t *testing.T) {
	idx := New(0)
	_, c := span(3, 7, 7, true, false)
	idx.AddSpan(3, c)
	idx.Flush()

	intersection := And(idx.Service(7), idx.Operation(7))
	assert.True(t, intersection.Contains(3))

	excluded := AndNot(idx.Service(7), idx.Errors())
	assert.False(t, excluded.Contains(3))
}

func TestHourBucketGroupsByHour(t *testing.T) {
	const hourNS = int64(3600_000_000_000)
	assert.Equal(t, HourBucket(0), HourBucket(hourNS-1))
	assert.NotEqual(t, HourBucket(0), HourBucket(hourNS))
}

func TestRebuildRepopulatesFromSpans(t *testing.T) {
	idx := New(0)
	_, c := span(9, 3, 4, false, true)
	idx.AddSpan(9, c)
	idx.Flush()
	require.True(t, idx.Roots().Contains(9))

	idx.Rebuild(map[uint32]*compact.CompactSpan{9: c})
	assert.True(t, idx.Roots().Contains(9))
	assert.True(t, idx.Service(3).Contains(9))
}
