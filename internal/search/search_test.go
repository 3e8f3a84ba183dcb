package search

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTokenizeLowercasesAndDropsShortTokens(t *testing.T) {
	got := Tokenize("GET /checkout/v2?id=42")
	assert.Equal(t, []string{"get", "checkout"}, got)
}

func TestIndexTextAndQuery(t *testing.T) {
	idx := New()
	idx.IndexText(1, "GET /checkout")
	idx.IndexText(2, "POST /checkout")

	b := idx.Query("checkout")
	assert.True(t, b.Contains(1))
	assert.True(t, b.Contains(2))
	assert.False(t, idx.Query("nonexistent").Contains(1))
}

func TestRemoveClearsSlotFromAllItsTokens(t *testing.T) {
	idx := New()
	idx.IndexText(5, "GET /checkout/confirm")
	idx.Remove(5)

	assert.False(t, idx.Query("checkout").Contains(5))
	assert.False(t, idx.Query("confirm").Contains(5))
}

func TestCompactResetsDirtyCounterAboveRatio(t *testing.T) {
	idx := New()
	idx.IndexText(1, "checkout")
	idx.IndexText(2, "checkout")
	idx.Remove(1) // 1 removed vs 1 remaining -> ratio 1.0 >= default 0.25

	idx.Compact()
	idx.mu.RLock()
	count := idx.removed["checkout"]
	idx.mu.RUnlock()
	assert.Equal(t, 0, count)
}

func TestWhitelistedAttributeKeysContainsSpecSet(t *testing.T) {
	for _, key := range []string{"http.url", "db.statement", "correlation.id"} {
		_, ok := WhitelistedAttributeKeys[key]
		assert.True(t, ok, "expected %s to be whitelisted", key)
	}
}
