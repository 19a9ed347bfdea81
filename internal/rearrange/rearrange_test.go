package rearrange

import (
	"encoding/binary"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/behrlich/go-pario/internal/substrate"
	"github.com/behrlich/go-pario/internal/typetag"
)

func float64sToBytes(vals []float64) []byte {
	buf := make([]byte, 8*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint64(buf[8*i:8*i+8], math.Float64bits(v))
	}
	return buf
}

func bytesToFloat64s(buf []byte) []float64 {
	out := make([]float64, len(buf)/8)
	for i := range out {
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[8*i : 8*i+8]))
	}
	return out
}

// runOnAll drives fn concurrently, one goroutine per rank, collecting
// every rank's (result, error) pair. Every comm it's given must already be
// one NewLocalWorld group so collective/point-to-point calls rendezvous.
func runOnAll(n int, fn func(rank int) (interface{}, error)) ([]interface{}, []error) {
	results := make([]interface{}, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for r := 0; r < n; r++ {
		r := r
		go func() {
			defer wg.Done()
			results[r], errs[r] = fn(r)
		}()
	}
	wg.Wait()
	return results, errs
}

func requireNoErrors(t *testing.T, errs []error) {
	t.Helper()
	for i, err := range errs {
		require.NoError(t, err, "rank %d", i)
	}
}

// TestBoxRoundTripFloat64 exercises the box round trip: a 1-D array of 8
// float64 elements spread across 4 compute ranks with rank 0 doubling as
// the sole I/O rank, round-tripped compute -> I/O -> compute.
func TestBoxRoundTripFloat64(t *testing.T) {
	const n = 4
	gdimlen := []int64{8}
	ioRanks := []int{0}

	comms := substrate.NewLocalWorld(n)
	localData := [][]float64{
		{10, 20}, {30, 40}, {50, 60}, {70, 80},
	}
	compmaps := [][]int64{
		{1, 2}, {3, 4}, {5, 6}, {7, 8},
	}

	type built struct {
		d     *IoDesc
		ioBuf []byte
	}
	results, errs := runOnAll(n, func(rank int) (interface{}, error) {
		d, err := Build(comms[rank], ioRanks, Box, 1, gdimlen, typetag.Float64, compmaps[rank])
		if err != nil {
			return nil, err
		}
		ioBuf, err := ComputeToIo(d, float64sToBytes(localData[rank]))
		if err != nil {
			return nil, err
		}
		return built{d, ioBuf}, nil
	})
	requireNoErrors(t, errs)

	ioRankResult := results[0].(built)
	assert.True(t, ioRankResult.d.IsIO)
	assert.Equal(t, int64(0), ioRankResult.d.BlockStart)
	assert.Equal(t, int64(8), ioRankResult.d.BlockCount)
	assert.False(t, ioRankResult.d.NeedsFill)
	got := bytesToFloat64s(ioRankResult.ioBuf)
	assert.Equal(t, []float64{10, 20, 30, 40, 50, 60, 70, 80}, got)

	for r := 1; r < n; r++ {
		b := results[r].(built)
		assert.False(t, b.d.IsIO)
		assert.Nil(t, b.ioBuf)
	}

	ioBufs := make([][]byte, n)
	ioBufs[0] = ioRankResult.ioBuf
	results2, errs2 := runOnAll(n, func(rank int) (interface{}, error) {
		var d *IoDesc
		if rank == 0 {
			d = ioRankResult.d
		} else {
			b := results[rank].(built)
			d = b.d
		}
		return IoToCompute(d, ioBufs[rank])
	})
	requireNoErrors(t, errs2)

	for r := 0; r < n; r++ {
		got := bytesToFloat64s(results2[r].([]byte))
		assert.Equal(t, localData[r], got, "rank %d", r)
	}
}

// TestBoxWithHoleSetsNeedsFill covers the edge case where a compute rank
// contributes no data for one of its slots: a hole in the compute map
// leaves the corresponding position unassigned.
func TestBoxWithHoleSetsNeedsFill(t *testing.T) {
	const n = 2
	gdimlen := []int64{4}
	ioRanks := []int{0}
	comms := substrate.NewLocalWorld(n)
	compmaps := [][]int64{{1, 0}, {3, 4}}

	results, errs := runOnAll(n, func(rank int) (interface{}, error) {
		return Build(comms[rank], ioRanks, Box, 1, gdimlen, typetag.Float64, compmaps[rank])
	})
	requireNoErrors(t, errs)

	d0 := results[0].(*IoDesc)
	assert.True(t, d0.NeedsFill)
	require.NotNil(t, d0.FillRegions)
	assert.Equal(t, []int64{1}, d0.FillRegions.Start)
	assert.Equal(t, []int64{1}, d0.FillRegions.Count)
}

// TestSubsetRoundTrip covers the Subset variant with 4 compute ranks split
// across 2 I/O ranks (rank 0 and rank 2), each I/O rank serving its own
// subset's compute peer.
func TestSubsetRoundTrip(t *testing.T) {
	const n = 4
	gdimlen := []int64{8}
	ioRanks := []int{0, 2}
	comms := substrate.NewLocalWorld(n)
	localData := [][]float64{
		{1, 2}, {3, 4}, {5, 6}, {7, 8},
	}
	compmaps := [][]int64{
		{1, 2}, {3, 4}, {5, 6}, {7, 8},
	}

	type built struct {
		d     *IoDesc
		ioBuf []byte
	}
	results, errs := runOnAll(n, func(rank int) (interface{}, error) {
		d, err := Build(comms[rank], ioRanks, Subset, 1, gdimlen, typetag.Float64, compmaps[rank])
		if err != nil {
			return nil, err
		}
		ioBuf, err := ComputeToIo(d, float64sToBytes(localData[rank]))
		if err != nil {
			return nil, err
		}
		return built{d, ioBuf}, nil
	})
	requireNoErrors(t, errs)

	b0 := results[0].(built)
	b2 := results[2].(built)
	assert.True(t, b0.d.IsIO)
	assert.True(t, b2.d.IsIO)
	assert.Equal(t, []float64{1, 2, 3, 4}, bytesToFloat64s(b0.ioBuf))
	assert.Equal(t, []float64{5, 6, 7, 8}, bytesToFloat64s(b2.ioBuf))

	ioBufs := make([][]byte, n)
	ioBufs[0] = b0.ioBuf
	ioBufs[2] = b2.ioBuf
	results2, errs2 := runOnAll(n, func(rank int) (interface{}, error) {
		b := results[rank].(built)
		return IoToCompute(b.d, ioBufs[rank])
	})
	requireNoErrors(t, errs2)

	for r := 0; r < n; r++ {
		assert.Equal(t, localData[r], bytesToFloat64s(results2[r].([]byte)), "rank %d", r)
	}
}

func TestTotalGridSize(t *testing.T) {
	assert.Equal(t, int64(24), TotalGridSize([]int64{2, 3, 4}))
}
