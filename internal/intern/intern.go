// Package intern implements the grow-only string intern table of spec §4.1
// (C1): service and operation names are mapped to stable 16-bit IDs so
// CompactSpan can store them in 2 bytes each instead of a full string.
package intern

import (
	"sync"

	"github.com/tiertrace/tiertrace/internal/locking"
)

// Overflow is the sentinel ID returned once the table has interned
// max_intern_entries distinct names, per §3's "Intern table" invariant.
const Overflow uint16 = 0

// maxUsableID is the largest number of real (non-overflow) entries; ID 0
// is reserved for Overflow, so entries occupy 1..65535.
const maxUsableID = 1<<16 - 1

// Table is a thread-safe, grow-only string↔ID mapping. The zero value is
// not usable; construct with New.
type Table struct {
	mu        locking.RWMutex
	byName    map[string]uint16
	byID      []string // byID[0] is unused (reserved for Overflow)
	maxOnce   sync.Once
	maxLogged bool

	maxEntries int
	onOverflow func(name string)
}

// New creates an intern table bounded at maxEntries distinct names
// (default behavior: clamp to 2^16-1 as §3 mandates). A maxEntries of 0
// or negative is treated as the default.
func New(maxEntries int) *Table {
	if maxEntries <= 0 || maxEntries > maxUsableID {
		maxEntries = maxUsableID
	}
	return &Table{
		byName:     make(map[string]uint16, 256),
		byID:       []string{""}, // index 0 reserved
		maxEntries: maxEntries,
	}
}

// OnOverflow registers a callback invoked on every Intern call that maps
// a name to Overflow, not only the first; the table does not rate-limit
// it. Not required; mainly for warning logs.
func (t *Table) OnOverflow(fn func(name string)) {
	t.mu.Lock()
	t.onOverflow = fn
	t.mu.Unlock()
}

// Intern returns the stable ID for name, assigning a new one if this is
// the first time name has been seen. Concurrent calls with the same name
// are linearizable: all observe the same resulting ID.
func (t *Table) Intern(name string) uint16 {
	t.mu.RLock()
	if id, ok := t.byName[name]; ok {
		t.mu.RUnlock()
		return id
	}
	t.mu.RUnlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	// Re-check under write lock: another goroutine may have interned it.
	if id, ok := t.byName[name]; ok {
		return id
	}
	if len(t.byID) > t.maxEntries {
		if fn := t.onOverflow; fn != nil {
			fn(name)
		}
		return Overflow
	}
	id := uint16(len(t.byID))
	t.byID = append(t.byID, name)
	t.byName[name] = id
	return id
}

// Lookup resolves an ID back to its name. It returns false only for IDs
// that were never assigned by this table's lifetime (out-of-range), per
// §4.1's reverse-lookup contract. Overflow (0) resolves to the literal
// string "OVERFLOW".
func (t *Table) Lookup(id uint16) (string, bool) {
	if id == Overflow {
		return "OVERFLOW", true
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	if int(id) >= len(t.byID) {
		return "", false
	}
	return t.byID[id], true
}

// ID resolves name to its existing ID without creating one, for callers
// (the query resolver) that must not mutate the table just to discover
// whether a name was ever seen.
func (t *Table) ID(name string) (uint16, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	id, ok := t.byName[name]
	return id, ok
}

// Len returns the number of real (non-overflow) entries interned so far.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byID) - 1
}
