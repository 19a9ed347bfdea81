package substrate

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBarrierSynchronizesAllRanks(t *testing.T) {
	const n = 5
	comms := NewLocalWorld(n)

	var mu sync.Mutex
	arrivedBeforeBarrier := 0

	var wg sync.WaitGroup
	wg.Add(n)
	for r := 0; r < n; r++ {
		go func(c Comm) {
			defer wg.Done()
			mu.Lock()
			arrivedBeforeBarrier++
			mu.Unlock()
			require.NoError(t, c.Barrier())
		}(comms[r])
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, n, arrivedBeforeBarrier)
}

func TestBcastDeliversRootValue(t *testing.T) {
	const n = 4
	comms := NewLocalWorld(n)
	results := make([][]byte, n)

	var wg sync.WaitGroup
	wg.Add(n)
	for r := 0; r < n; r++ {
		go func(rank int, c Comm) {
			defer wg.Done()
			buf := make([]byte, 4)
			if rank == 2 {
				copy(buf, []byte{1, 2, 3, 4})
			}
			require.NoError(t, c.Bcast(2, buf))
			results[rank] = buf
		}(r, comms[r])
	}
	wg.Wait()

	for r := 0; r < n; r++ {
		assert.Equal(t, []byte{1, 2, 3, 4}, results[r])
	}
}

func TestAllreduceSumMatchesOnEveryRank(t *testing.T) {
	const n = 4
	comms := NewLocalWorld(n)
	results := make([]int64, n)

	var wg sync.WaitGroup
	wg.Add(n)
	for r := 0; r < n; r++ {
		go func(rank int, c Comm) {
			defer wg.Done()
			v, err := c.AllreduceInt64(Sum, int64(rank+1))
			require.NoError(t, err)
			results[rank] = v
		}(r, comms[r])
	}
	wg.Wait()

	for r := 0; r < n; r++ {
		assert.EqualValues(t, 10, results[r])
	}
}

func TestIndexedBlockTypeRoundTrips(t *testing.T) {
	comms := NewLocalWorld(1)
	dt, err := comms[0].NewIndexedBlockType(2, []int64{0, 4}, 8)
	require.NoError(t, err)
	require.NoError(t, comms[0].CommitType(dt))

	src := make([]byte, 8*8)
	for i := range src {
		src[i] = byte(i)
	}
	packed, err := dt.Pack(src)
	require.NoError(t, err)
	assert.Len(t, packed, 2*2*8)

	dst := make([]byte, 8*8)
	require.NoError(t, dt.Unpack(packed, dst))
	assert.Equal(t, src[0:16], dst[0:16])
	assert.Equal(t, src[32:48], dst[32:48])

	require.NoError(t, comms[0].FreeType(dt))
	assert.ErrorIs(t, dt.Unpack(packed, dst), ErrFreed)
}

func TestSplitPartitionsByColor(t *testing.T) {
	const n = 4
	comms := NewLocalWorld(n)
	var mu sync.Mutex
	sizes := make([]int, n)

	var wg sync.WaitGroup
	wg.Add(n)
	for r := 0; r < n; r++ {
		go func(rank int, c Comm) {
			defer wg.Done()
			color := rank % 2
			sub, err := c.Split(color, rank)
			require.NoError(t, err)
			mu.Lock()
			sizes[rank] = sub.Size()
			mu.Unlock()
		}(r, comms[r])
	}
	wg.Wait()

	for r := 0; r < n; r++ {
		assert.Equal(t, 2, sizes[r])
	}
}
