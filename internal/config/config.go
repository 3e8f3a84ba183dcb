// Package config defines the tiered engine's tunables and the
// functional-options constructors used to build them, per §6.
package config

import "time"

// Granularity selects how cold partitions are keyed.
type Granularity string

const (
	GranularityHourly Granularity = "hourly"
	GranularityDaily  Granularity = "daily"
	GranularityWeekly Granularity = "weekly"
)

// Config holds every tunable listed in §6's configuration table.
type Config struct {
	HotCapacity    int
	WarmCapacity   int
	HotRetention   time.Duration
	WarmRetention  time.Duration
	RetentionPeriod time.Duration

	StorageDir              string
	PartitionGranularity    Granularity
	MaxTracesPerPartition   int
	MaxPartitionSizeBytes   int64
	CompressionLevel        int
	MigrationBatchSize      int
	SlowSpanThreshold       time.Duration

	SamplingTargetTPS  float64
	SamplingErrorBoost float64

	// MaxDiskBytes and MaxMemoryBytes are the watermarks C8's budget
	// gate checks before honoring a Keep decision; 0 disables a check.
	MaxDiskBytes   int64
	MaxMemoryBytes int64
	// PatternWindow is how many recent traces the anomaly detector's
	// rolling duration/span-count statistics are computed over.
	PatternWindow int

	MaxInternEntries  int
	IngestBlockTimeout time.Duration
}

// Option mutates a Config during construction, following the same
// functional-options shape the tracer's StartOption uses.
type Option func(*Config)

// Default returns the engine's baseline configuration before any
// Options are applied.
func Default() *Config {
	return &Config{
		HotCapacity:           100_000,
		WarmCapacity:          1_000_000,
		HotRetention:          30 * time.Second,
		WarmRetention:         15 * time.Minute,
		RetentionPeriod:       90 * 24 * time.Hour,
		StorageDir:            "./data",
		PartitionGranularity:  GranularityHourly,
		MaxTracesPerPartition: 50_000,
		MaxPartitionSizeBytes: 256 << 20,
		CompressionLevel:      1,
		MigrationBatchSize:    1_000,
		SlowSpanThreshold:     1 * time.Second,
		SamplingTargetTPS:     100,
		SamplingErrorBoost:    5,
		MaxDiskBytes:          0,
		MaxMemoryBytes:        0,
		PatternWindow:         1000,
		MaxInternEntries:      1<<16 - 1,
		IngestBlockTimeout:    100 * time.Millisecond,
	}
}

// New builds a Config from Default() with opts applied in order.
func New(opts ...Option) *Config {
	c := Default()
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func WithHotCapacity(n int) Option   { return func(c *Config) { c.HotCapacity = n } }
func WithWarmCapacity(n int) Option  { return func(c *Config) { c.WarmCapacity = n } }
func WithHotRetention(d time.Duration) Option  { return func(c *Config) { c.HotRetention = d } }
func WithWarmRetention(d time.Duration) Option { return func(c *Config) { c.WarmRetention = d } }
func WithRetentionPeriod(d time.Duration) Option {
	return func(c *Config) { c.RetentionPeriod = d }
}
func WithStorageDir(dir string) Option { return func(c *Config) { c.StorageDir = dir } }
func WithPartitionGranularity(g Granularity) Option {
	return func(c *Config) { c.PartitionGranularity = g }
}
func WithMaxTracesPerPartition(n int) Option {
	return func(c *Config) { c.MaxTracesPerPartition = n }
}
func WithMaxPartitionSizeBytes(n int64) Option {
	return func(c *Config) { c.MaxPartitionSizeBytes = n }
}
func WithCompressionLevel(level int) Option { return func(c *Config) { c.CompressionLevel = level } }
func WithMigrationBatchSize(n int) Option   { return func(c *Config) { c.MigrationBatchSize = n } }
func WithSlowSpanThreshold(d time.Duration) Option {
	return func(c *Config) { c.SlowSpanThreshold = d }
}
func WithSamplingTargetTPS(tps float64) Option {
	return func(c *Config) { c.SamplingTargetTPS = tps }
}
func WithSamplingErrorBoost(mult float64) Option {
	return func(c *Config) { c.SamplingErrorBoost = mult }
}
func WithMaxDiskBytes(n int64) Option   { return func(c *Config) { c.MaxDiskBytes = n } }
func WithMaxMemoryBytes(n int64) Option { return func(c *Config) { c.MaxMemoryBytes = n } }
func WithPatternWindow(n int) Option    { return func(c *Config) { c.PatternWindow = n } }
func WithMaxInternEntries(n int) Option { return func(c *Config) { c.MaxInternEntries = n } }
func WithIngestBlockTimeout(d time.Duration) Option {
	return func(c *Config) { c.IngestBlockTimeout = d }
}
