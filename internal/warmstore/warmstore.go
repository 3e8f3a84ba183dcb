// Package warmstore implements the memory-mapped warm tier of spec §4.4
// (C5): an append-only, fixed-capacity array of compact.CompactSpan
// records backed by a file mapped with github.com/edsrzf/mmap-go.
package warmstore

import (
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"github.com/edsrzf/mmap-go"

	"github.com/tiertrace/tiertrace/internal/compact"
	"github.com/tiertrace/tiertrace/internal/locking"
)

const recordSize = int(unsafe.Sizeof(compact.CompactSpan{}))

// ErrBufferFull is returned when the warm file has no free slots left;
// the engine treats this as a trigger to rotate the aged range into
// Cold, per §4.4's failure model.
var ErrBufferFull = errors.New("warmstore: buffer full")

// ErrOutOfRange is returned by Get for a slot outside [0, write_cursor),
// per §4.4's zero-copy read contract.
var ErrOutOfRange = errors.New("warmstore: slot out of range")

// Store is a single-writer, many-reader append-only mmap of
// warm_capacity CompactSpan slots.
type Store struct {
	path     string
	capacity int

	mu   locking.RWMutex // guards file/data swap during rotation
	file *os.File
	data mmap.MMap

	writeCursor atomic.Uint64
}

// Open maps (creating if necessary) a warm file at path sized for
// capacity CompactSpan slots. A file whose length doesn't match
// capacity×64 is treated as corrupt: it is renamed to "<path>.quarantine"
// and a fresh file is created in its place, per §4.4.
func Open(path string, capacity int) (*Store, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("warmstore: capacity must be positive")
	}
	wantSize := int64(capacity * recordSize)

	if fi, err := os.Stat(path); err == nil {
		if fi.Size() != wantSize {
			quarantinePath := path + ".quarantine"
			if err := os.Rename(path, quarantinePath); err != nil {
				return nil, fmt.Errorf("warmstore: quarantine corrupt file: %w", err)
			}
		}
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("warmstore: open %s: %w", path, err)
	}
	if err := f.Truncate(wantSize); err != nil {
		f.Close()
		return nil, fmt.Errorf("warmstore: truncate %s: %w", path, err)
	}

	data, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("warmstore: mmap %s: %w", path, err)
	}

	return &Store{path: path, capacity: capacity, file: f, data: data}, nil
}

// Capacity returns the number of CompactSpan slots the file holds.
func (s *Store) Capacity() int { return s.capacity }

// SizeBytes returns the on-disk footprint of the mapped file, for budget
// watermark checks (§4.7's "budget.has_capacity()").
func (s *Store) SizeBytes() int64 { return int64(s.capacity * recordSize) }

// WriteCursor returns the number of slots written so far.
func (s *Store) WriteCursor() uint64 { return s.writeCursor.Load() }

// Append reserves a contiguous slab of len(batch) slots and writes them
// without fsync; pages reach disk when Flush is called, per §4.4.
// Returns the slot ID of the first span in the batch.
func (s *Store) Append(batch []compact.CompactSpan) (firstSlot uint32, err error) {
	if len(batch) == 0 {
		return 0, nil
	}
	start := s.writeCursor.Add(uint64(len(batch))) - uint64(len(batch))
	if int(start)+len(batch) > s.capacity {
		// Roll the cursor back: this batch cannot fit, caller should
		// rotate to Cold and retry against a fresh store.
		s.writeCursor.Add(-uint64(len(batch)))
		return 0, ErrBufferFull
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for i, span := range batch {
		s.writeSlotLocked(uint32(start)+uint32(i), span)
	}
	return uint32(start), nil
}

func (s *Store) writeSlotLocked(slot uint32, span compact.CompactSpan) {
	off := int(slot) * recordSize
	dst := (*compact.CompactSpan)(unsafe.Pointer(&s.data[off]))
	*dst = span
}

// Get performs a zero-copy read of the slot at index slot. It rejects
// any slot outside [0, write_cursor), per §4.4.
func (s *Store) Get(slot uint32) (compact.CompactSpan, error) {
	if uint64(slot) >= s.writeCursor.Load() {
		return compact.CompactSpan{}, ErrOutOfRange
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	off := int(slot) * recordSize
	src := (*compact.CompactSpan)(unsafe.Pointer(&s.data[off]))
	return *src, nil
}

// Invalidate zeroes a slot in place, used when the migration worker
// moves a span's tier ownership to Cold (§4.6's "invalidate warm slots").
func (s *Store) Invalidate(slot uint32) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	off := int(slot) * recordSize
	for i := 0; i < recordSize; i++ {
		s.data[off+i] = 0
	}
}

// Flush asks the OS to write dirty mmap pages back to disk. Call on a
// fixed interval, not per-write, per §4.4's async-flush guidance.
func (s *Store) Flush() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.Flush()
}

// Close unmaps the file and closes the underlying descriptor.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.data.Unmap(); err != nil {
		return err
	}
	return s.file.Close()
}
