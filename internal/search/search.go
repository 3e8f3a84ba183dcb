// Package search implements the inverted token index of spec §4.8
// (C10): operation names and a whitelist of attribute values are
// tokenized and mapped to roaring bitmaps of span slot IDs.
package search

import (
	"regexp"
	"strings"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/tiertrace/tiertrace/internal/locking"
)

// WhitelistedAttributeKeys are the only attribute keys indexed for text
// search, per §3's index description; anything else is only reachable
// via a bounded linear scan over a candidate set.
var WhitelistedAttributeKeys = map[string]struct{}{
	"http.url":         {},
	"http.method":      {},
	"http.status_code": {},
	"db.statement":     {},
	"rpc.method":       {},
	"error.message":    {},
	"user.id":          {},
	"request.id":       {},
	"correlation.id":   {},
}

var tokenSplitter = regexp.MustCompile(`[^a-zA-Z0-9]+`)

// minTokenLength drops short, low-signal tokens per §4.8.
const minTokenLength = 3

// Tokenize splits text on non-alphanumeric runs, lowercases, and drops
// tokens shorter than minTokenLength.
func Tokenize(text string) []string {
	var out []string
	for _, tok := range tokenSplitter.Split(text, -1) {
		if len(tok) < minTokenLength {
			continue
		}
		out = append(out, strings.ToLower(tok))
	}
	return out
}

// defaultDirtyRatio triggers a bitmap's re-optimization once its removed
// bit count reaches this fraction of its cardinality, per §4.8's
// "periodic compaction rebuilds bitmaps exceeding a dirty ratio".
const defaultDirtyRatio = 0.25

// Index is a thread-safe inverted index: token -> bitmap of slot IDs.
type Index struct {
	mu          locking.RWMutex
	byToken     map[string]*roaring.Bitmap
	slotTokens  map[uint32]map[string]struct{}
	removed     map[string]int
	dirtyRatio  float64
}

// New creates an empty search index using the default dirty ratio.
func New() *Index {
	return &Index{
		byToken:    make(map[string]*roaring.Bitmap),
		slotTokens: make(map[uint32]map[string]struct{}),
		removed:    make(map[string]int),
		dirtyRatio: defaultDirtyRatio,
	}
}

// IndexText tokenizes text and adds slot to every resulting token's
// bitmap, recording the reverse mapping so Remove can find them later.
func (idx *Index) IndexText(slot uint32, text string) {
	tokens := Tokenize(text)
	if len(tokens) == 0 {
		return
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	set, ok := idx.slotTokens[slot]
	if !ok {
		set = make(map[string]struct{}, len(tokens))
		idx.slotTokens[slot] = set
	}
	for _, tok := range tokens {
		b, ok := idx.byToken[tok]
		if !ok {
			b = roaring.New()
			idx.byToken[tok] = b
		}
		b.Add(slot)
		set[tok] = struct{}{}
	}
}

// Remove clears slot from every token bitmap it was indexed under, per
// §4.8's eviction contract, and tracks the removal for dirty-ratio-based
// compaction.
func (idx *Index) Remove(slot uint32) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	tokens, ok := idx.slotTokens[slot]
	if !ok {
		return
	}
	for tok := range tokens {
		if b, ok := idx.byToken[tok]; ok {
			b.Remove(slot)
			idx.removed[tok]++
		}
	}
	delete(idx.slotTokens, slot)
}

// Query returns a read-only snapshot of the bitmap for token (already
// lowercased by the caller via Tokenize, or matched verbatim for an
// exact-match fast path).
func (idx *Index) Query(token string) *roaring.Bitmap {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	b, ok := idx.byToken[token]
	if !ok {
		return roaring.New()
	}
	return b.Clone()
}

// Compact re-optimizes every token bitmap whose removed-bit count has
// crossed the dirty ratio relative to its current cardinality, and
// resets that token's counter.
func (idx *Index) Compact() {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for tok, removedCount := range idx.removed {
		b, ok := idx.byToken[tok]
		if !ok {
			delete(idx.removed, tok)
			continue
		}
		card := b.GetCardinality()
		if card == 0 {
			delete(idx.byToken, tok)
			delete(idx.removed, tok)
			continue
		}
		if float64(removedCount)/float64(card) >= idx.dirtyRatio {
			b.RunOptimize()
			idx.removed[tok] = 0
		}
	}
}

// TokenCount returns the number of distinct tokens currently indexed.
func (idx *Index) TokenCount() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.byToken)
}
