// Package coldarchive implements the compressed, immutable cold tier of
// spec §4.5 (C6): granularity-keyed partitions (hourly by default, per
// §6's partition_granularity) of lz4-compressed CompactSpan blocks with
// a msgpack side-car index (PartitionIndex).
package coldarchive

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"
	"unsafe"

	"github.com/pierrec/lz4/v4"

	"github.com/tiertrace/tiertrace/internal/bitmapindex"
	"github.com/tiertrace/tiertrace/internal/compact"
	"github.com/tiertrace/tiertrace/internal/config"
	"github.com/tiertrace/tiertrace/internal/locking"
)

// blockCompressor is the subset of lz4's Compressor/CompressorHC that
// flushLocked needs; swapping the concrete type lets compression_level
// pick the fast or high-compression codec without branching at every
// call site.
type blockCompressor interface {
	CompressBlock(src, dst []byte) (int, error)
}

// newCompressor selects the fast fixed-ratio codec for level <= 1 (lz4's
// default, untunable) and the level-tunable high-compression codec
// otherwise, per §6's compression_level knob.
func newCompressor(level int) blockCompressor {
	if level > 1 {
		return &lz4.CompressorHC{Level: lz4.CompressionLevel(level)}
	}
	return &lz4.Compressor{}
}

// partitionBucket returns the integer partition key for a nanosecond
// timestamp at the configured granularity, per §6's
// partition_granularity (hourly|daily|weekly): hourly reuses
// bitmapindex's 1h bucket, daily divides by 24h, weekly keys by ISO
// year*100+week. Keys are these integers, not date-formatted strings.
func partitionBucket(startTimeNS int64, granularity config.Granularity) int64 {
	switch granularity {
	case config.GranularityDaily:
		return startTimeNS / int64(24*3600_000_000_000)
	case config.GranularityWeekly:
		year, week := time.Unix(0, startTimeNS).UTC().ISOWeek()
		return int64(year)*100 + int64(week)
	default:
		return bitmapindex.HourBucket(startTimeNS)
	}
}

const recordSize = int(unsafe.Sizeof(compact.CompactSpan{}))

func spansToBytes(spans []compact.CompactSpan) []byte {
	if len(spans) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&spans[0])), len(spans)*recordSize)
}

func bytesToSpans(raw []byte) ([]compact.CompactSpan, error) {
	if len(raw)%recordSize != 0 {
		return nil, fmt.Errorf("coldarchive: block length %d not a multiple of record size %d", len(raw), recordSize)
	}
	if len(raw) == 0 {
		return nil, nil
	}
	n := len(raw) / recordSize
	src := unsafe.Slice((*compact.CompactSpan)(unsafe.Pointer(&raw[0])), n)
	out := make([]compact.CompactSpan, n)
	copy(out, src)
	return out, nil
}

// Partition is one time bucket's worth (at the catalogue's granularity)
// of cold-tier spans: an append-only,
// length-prefixed sequence of lz4-compressed blocks plus the in-memory
// index that is flushed alongside the final block.
type Partition struct {
	mu  locking.Mutex
	dir string
	key int64 // partitionBucket of spans in this partition, at the catalogue's granularity

	dataPath  string
	indexPath string

	buffer     []compact.CompactSpan
	compressor blockCompressor

	index *PartitionIndex

	maxTraces       int
	maxBytes        int64
	bufferedSize    int64
	slowThresholdNS int64
}

func partitionPaths(dir string, key int64) (data, index string) {
	base := fmt.Sprintf("archive_%d", key)
	return filepath.Join(dir, base+".bin"), filepath.Join(dir, base+".index")
}

// OpenPartition opens (creating if absent) the partition for bucket key
// under dir. maxTraces and maxBytes bound the in-memory buffer before a
// flush is forced, per §4.5's write protocol; compressionLevel selects
// the lz4 codec (§6) and slowThreshold sets the duration above which a
// span is recorded in the partition's slow-spans bitmap (§4.5).
func OpenPartition(dir string, key int64, maxTraces int, maxBytes int64, compressionLevel int, slowThreshold time.Duration) (*Partition, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	dataPath, indexPath := partitionPaths(dir, key)

	p := &Partition{
		dir: dir, key: key,
		dataPath: dataPath, indexPath: indexPath,
		maxTraces: maxTraces, maxBytes: maxBytes,
		compressor:      newCompressor(compressionLevel),
		slowThresholdNS: slowThreshold.Nanoseconds(),
	}

	if raw, err := os.ReadFile(indexPath); err == nil {
		idx, err := unmarshalIndex(raw)
		if err != nil {
			return nil, fmt.Errorf("coldarchive: corrupt index for partition %d: %w", key, err)
		}
		p.index = idx
	} else {
		p.index = newPartitionIndex(key)
	}

	// Truncate a data file whose tail block is incomplete: the crash
	// recovery contract of §4.5 is "truncate to the last successful
	// flush marker", and every flush marker here is a fully-written
	// length-prefixed block.
	if err := p.truncateIncompleteTail(); err != nil {
		return nil, err
	}

	return p, nil
}

func (p *Partition) truncateIncompleteTail() error {
	f, err := os.OpenFile(p.dataPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	var offset int64
	var header [8]byte
	for {
		if _, err := f.ReadAt(header[:], offset); err != nil {
			break
		}
		uncompLen := binary.LittleEndian.Uint32(header[0:4])
		compLen := binary.LittleEndian.Uint32(header[4:8])
		_ = uncompLen
		blockEnd := offset + 8 + int64(compLen)
		if fi, err := f.Stat(); err != nil || fi.Size() < blockEnd {
			break
		}
		offset = blockEnd
	}
	return f.Truncate(offset)
}

// Append buffers spans for the partition and assigns each a local slot
// index (its position in the eventual flushed span stream, starting from
// however many spans are already on disk). It flushes automatically once
// maxTraces or maxBytes is exceeded.
func (p *Partition) Append(spans []compact.CompactSpan, serviceNames func(uint16) string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, s := range spans {
		p.buffer = append(p.buffer, s)
		p.bufferedSize += int64(recordSize)
		p.index.SpanCount++
		if s.IsRoot() {
			p.index.TraceCount++
		}

		local := p.index.localService(serviceNames(s.ServiceIdx))
		slot := uint32(p.index.SpanCount - 1)
		p.index.ServiceBitmaps[local].Add(slot)
		if s.IsError() {
			p.index.ErrorBitmap.Add(slot)
		}
		if p.slowThresholdNS > 0 && int64(s.DurationNS) > p.slowThresholdNS {
			p.index.SlowBitmap.Add(slot)
		}
		ns := int64(s.StartTimeNS)
		if p.index.StartNS == 0 || ns < p.index.StartNS {
			p.index.StartNS = ns
		}
		if ns > p.index.EndNS {
			p.index.EndNS = ns
		}
	}

	if p.shouldFlushLocked() {
		return p.flushLocked()
	}
	return nil
}

func (p *Partition) shouldFlushLocked() bool {
	if p.maxTraces > 0 && len(p.buffer) >= p.maxTraces {
		return true
	}
	if p.maxBytes > 0 && p.bufferedSize >= p.maxBytes {
		return true
	}
	return false
}

// Flush forces the current buffer to disk even if below threshold. Used
// on Draining shutdown, per §4.6.
func (p *Partition) Flush() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.flushLocked()
}

func (p *Partition) flushLocked() error {
	if len(p.buffer) == 0 {
		return p.writeIndexLocked()
	}
	raw := spansToBytes(p.buffer)
	dst := make([]byte, lz4.CompressBlockBound(len(raw)))
	n, err := p.compressor.CompressBlock(raw, dst)
	if err != nil {
		return fmt.Errorf("coldarchive: compress block: %w", err)
	}

	// Incompressible (or empty) input: lz4's Compressor signals this by
	// returning 0. Store the raw bytes instead, marking the block as
	// "stored" by giving it a compressed length equal to its
	// uncompressed length.
	payload := dst[:n]
	compLen := n
	if n == 0 {
		payload = raw
		compLen = len(raw)
	}

	f, err := os.OpenFile(p.dataPath, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	var header [8]byte
	binary.LittleEndian.PutUint32(header[0:4], uint32(len(raw)))
	binary.LittleEndian.PutUint32(header[4:8], uint32(compLen))
	if _, err := f.Write(header[:]); err != nil {
		return err
	}
	if _, err := f.Write(payload); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return err
	}

	p.buffer = p.buffer[:0]
	p.bufferedSize = 0
	return p.writeIndexLocked()
}

func (p *Partition) writeIndexLocked() error {
	raw, err := marshalIndex(p.index)
	if err != nil {
		return err
	}
	tmp := p.indexPath + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, p.indexPath)
}

// ReadAll decompresses every block in the partition's data file and
// returns the spans in on-disk order.
func (p *Partition) ReadAll() ([]compact.CompactSpan, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	f, err := os.Open(p.dataPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []compact.CompactSpan
	var header [8]byte
	for {
		if _, err := io.ReadFull(f, header[:]); err != nil {
			if err == io.EOF {
				break
			}
			return nil, err
		}
		uncompLen := binary.LittleEndian.Uint32(header[0:4])
		compLen := binary.LittleEndian.Uint32(header[4:8])
		compBlock := make([]byte, compLen)
		if _, err := io.ReadFull(f, compBlock); err != nil {
			return nil, err
		}

		var raw []byte
		if compLen == uncompLen {
			raw = compBlock // stored uncompressed, see flushLocked's fallback
		} else {
			raw = make([]byte, uncompLen)
			if _, err := lz4.UncompressBlock(compBlock, raw); err != nil {
				return nil, fmt.Errorf("coldarchive: decompress block: %w", err)
			}
		}

		spans, err := bytesToSpans(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, spans...)
	}
	return out, nil
}

// Index returns the partition's current side-car index.
func (p *Partition) Index() *PartitionIndex {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.index
}

// Catalogue tracks every open cold partition and enforces retention.
type Catalogue struct {
	mu          locking.RWMutex
	dir         string
	partitions  map[int64]*Partition
	maxTraces   int
	maxBytes    int64
	granularity config.Granularity
	compression int
	slowThresh  time.Duration
}

// NewCatalogue creates a catalogue rooted at dir. granularity selects how
// Archive buckets spans into partitions; compressionLevel and
// slowThreshold are forwarded to every partition it opens.
func NewCatalogue(dir string, maxTracesPerPartition int, maxPartitionSizeBytes int64, granularity config.Granularity, compressionLevel int, slowThreshold time.Duration) *Catalogue {
	return &Catalogue{
		dir:         dir,
		partitions:  make(map[int64]*Partition),
		maxTraces:   maxTracesPerPartition,
		maxBytes:    maxPartitionSizeBytes,
		granularity: granularity,
		compression: compressionLevel,
		slowThresh:  slowThreshold,
	}
}

// Partition returns the open partition for bucket key, opening it from
// disk on first access.
func (c *Catalogue) Partition(key int64) (*Partition, error) {
	c.mu.RLock()
	p, ok := c.partitions[key]
	c.mu.RUnlock()
	if ok {
		return p, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.partitions[key]; ok {
		return p, nil
	}
	p, err := OpenPartition(c.dir, key, c.maxTraces, c.maxBytes, c.compression, c.slowThresh)
	if err != nil {
		return nil, err
	}
	c.partitions[key] = p
	return p, nil
}

// PartitionCount reports how many partitions are currently open, for
// diagnostics.
func (c *Catalogue) PartitionCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.partitions)
}

// DiskUsageBytes sums the on-disk size of every open partition's data
// and index files, for budget watermark checks (§4.7).
func (c *Catalogue) DiskUsageBytes() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var total int64
	for key := range c.partitions {
		dataPath, indexPath := partitionPaths(c.dir, key)
		if fi, err := os.Stat(dataPath); err == nil {
			total += fi.Size()
		}
		if fi, err := os.Stat(indexPath); err == nil {
			total += fi.Size()
		}
	}
	return total
}

// Archive writes spans into the partition for their time bucket at the
// catalogue's configured granularity, keyed by the span's own
// StartTimeNS (§4.6's "archive to the Cold partition for the time
// bucket each span belongs to").
func (c *Catalogue) Archive(spans []compact.CompactSpan, serviceNames func(uint16) string) error {
	byBucket := make(map[int64][]compact.CompactSpan)
	for _, s := range spans {
		bucket := partitionBucket(int64(s.StartTimeNS), c.granularity)
		byBucket[bucket] = append(byBucket[bucket], s)
	}
	for bucket, batch := range byBucket {
		p, err := c.Partition(bucket)
		if err != nil {
			return err
		}
		if err := p.Append(batch, serviceNames); err != nil {
			return err
		}
	}
	return nil
}

// FlushAll forces every open partition to disk, used when the engine
// transitions to Draining (§4.6).
func (c *Catalogue) FlushAll() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, p := range c.partitions {
		if err := p.Flush(); err != nil {
			return err
		}
	}
	return nil
}

// SweepRetention deletes every partition whose upper time bound is older
// than retention relative to now, removing it from the catalogue before
// unlinking its files, per §4.5's atomicity requirement.
func (c *Catalogue) SweepRetention(now time.Time, retention time.Duration) ([]int64, error) {
	cutoff := now.Add(-retention).UnixNano()

	c.mu.Lock()
	var expired []int64
	for key, p := range c.partitions {
		if p.Index().EndNS < cutoff {
			expired = append(expired, key)
			delete(c.partitions, key)
		}
	}
	c.mu.Unlock()

	sort.Slice(expired, func(i, j int) bool { return expired[i] < expired[j] })
	for _, key := range expired {
		dataPath, indexPath := partitionPaths(c.dir, key)
		if err := os.Remove(dataPath); err != nil && !os.IsNotExist(err) {
			return expired, err
		}
		if err := os.Remove(indexPath); err != nil && !os.IsNotExist(err) {
			return expired, err
		}
	}
	return expired, nil
}
