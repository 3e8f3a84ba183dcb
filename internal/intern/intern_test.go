package intern

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInternStable(t *testing.T) {
	tbl := New(0)
	id1 := tbl.Intern("api-gateway")
	id2 := tbl.Intern("api-gateway")
	assert.Equal(t, id1, id2)
	assert.NotEqual(t, Overflow, id1)
}

func TestLookupRoundTrip(t *testing.T) {
	tbl := New(0)
	id := tbl.Intern("checkout")
	name, ok := tbl.Lookup(id)
	require.True(t, ok)
	assert.Equal(t, "checkout", name)
}

func TestLookupOutOfRange(t *testing.T) {
	tbl := New(0)
	_, ok := tbl.Lookup(60000)
	assert.False(t, ok)
}

func TestOverflowMapsToSentinel(t *testing.T) {
	tbl := New(2)
	a := tbl.Intern("a")
	b := tbl.Intern("b")
	assert.NotEqual(t, Overflow, a)
	assert.NotEqual(t, Overflow, b)

	var overflowed string
	tbl.OnOverflow(func(name string) { overflowed = name })

	c := tbl.Intern("c")
	assert.Equal(t, Overflow, c)
	assert.Equal(t, "c", overflowed)

	name, ok := tbl.Lookup(Overflow)
	assert.True(t, ok)
	assert.Equal(t, "OVERFLOW", name)
}

func TestInternConcurrentSameName(t *testing.T) {
	tbl := New(0)
	const n = 200
	ids := make([]uint16, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			ids[i] = tbl.Intern("shared-service")
		}(i)
	}
	wg.Wait()
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
}
