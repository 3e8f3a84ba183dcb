package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultIsUsableOutOfTheBox(t *testing.T) {
	c := Default()
	assert.Positive(t, c.HotCapacity)
	assert.Positive(t, c.WarmCapacity)
	assert.Equal(t, GranularityHourly, c.PartitionGranularity)
}

func TestOptionsOverrideDefaults(t *testing.T) {
	c := New(
		WithHotCapacity(10),
		WithStorageDir("/tmp/tiertrace"),
		WithHotRetention(5*time.Second),
		WithPartitionGranularity(GranularityDaily),
	)
	assert.Equal(t, 10, c.HotCapacity)
	assert.Equal(t, "/tmp/tiertrace", c.StorageDir)
	assert.Equal(t, 5*time.Second, c.HotRetention)
	assert.Equal(t, GranularityDaily, c.PartitionGranularity)
	// Unset fields keep their defaults.
	assert.Equal(t, Default().WarmCapacity, c.WarmCapacity)
}

func TestDefaultSetsBudgetAndSlowSpanKnobs(t *testing.T) {
	c := Default()
	assert.Equal(t, 1*time.Second, c.SlowSpanThreshold)
	assert.Equal(t, int64(0), c.MaxDiskBytes)
	assert.Equal(t, int64(0), c.MaxMemoryBytes)
	assert.Equal(t, 1000, c.PatternWindow)
}

func TestOptionsOverrideBudgetAndSlowSpanKnobs(t *testing.T) {
	c := New(
		WithSlowSpanThreshold(2*time.Second),
		WithMaxDiskBytes(1<<30),
		WithMaxMemoryBytes(1<<20),
		WithPatternWindow(500),
		WithCompressionLevel(9),
	)
	assert.Equal(t, 2*time.Second, c.SlowSpanThreshold)
	assert.Equal(t, int64(1<<30), c.MaxDiskBytes)
	assert.Equal(t, int64(1<<20), c.MaxMemoryBytes)
	assert.Equal(t, 500, c.PatternWindow)
	assert.Equal(t, 9, c.CompressionLevel)
}
