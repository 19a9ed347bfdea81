package registry

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTableAddGetRemove(t *testing.T) {
	tbl := New[string]()

	id1 := tbl.Add("first")
	id2 := tbl.Add("second")
	assert.NotEqual(t, id1, id2)

	v, ok := tbl.Get(id1)
	require.True(t, ok)
	assert.Equal(t, "first", v)

	assert.Equal(t, 2, tbl.Len())

	tbl.Remove(id1)
	_, ok = tbl.Get(id1)
	assert.False(t, ok)
	assert.Equal(t, 1, tbl.Len())

	_, err := tbl.MustGet(id1)
	assert.Error(t, err)

	v2, err := tbl.MustGet(id2)
	require.NoError(t, err)
	assert.Equal(t, "second", v2)
}

func TestTableRemoveUnknownIsNoop(t *testing.T) {
	tbl := New[int]()
	assert.NotPanics(t, func() { tbl.Remove(999) })
}

func TestTableConcurrentAdd(t *testing.T) {
	tbl := New[int]()
	var wg sync.WaitGroup
	ids := make(chan int32, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids <- tbl.Add(i)
		}(i)
	}
	wg.Wait()
	close(ids)

	seen := make(map[int32]bool)
	for id := range ids {
		assert.False(t, seen[id], "duplicate id allocated: %d", id)
		seen[id] = true
	}
	assert.Equal(t, 100, tbl.Len())
}

func TestTableEach(t *testing.T) {
	tbl := New[int]()
	tbl.Add(10)
	tbl.Add(20)
	sum := 0
	tbl.Each(func(id int32, v int) { sum += v })
	assert.Equal(t, 30, sum)
}
