package pario

import (
	"bytes"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/behrlich/go-pario/driver"
	"github.com/behrlich/go-pario/internal/driverapi"
	"github.com/behrlich/go-pario/internal/errpolicy"
	"github.com/behrlich/go-pario/internal/rearrange"
	"github.com/behrlich/go-pario/internal/substrate"
	"github.com/behrlich/go-pario/internal/typetag"
)

func packFloat64s(v []float64) []byte {
	buf := make([]byte, len(v)*8)
	for i, x := range v {
		bits := math.Float64bits(x)
		for b := 0; b < 8; b++ {
			buf[i*8+b] = byte(bits >> (8 * b))
		}
	}
	return buf
}

func unpackFloat64s(buf []byte) []float64 {
	out := make([]float64, len(buf)/8)
	for i := range out {
		var bits uint64
		for b := 0; b < 8; b++ {
			bits |= uint64(buf[i*8+b]) << (8 * b)
		}
		out[i] = math.Float64frombits(bits)
	}
	return out
}

// TestBoxRoundTrip exercises the box round trip end to end on a single
// rank that is its own compute and I/O rank: InitIntracomm, CreateFile,
// DefDim/DefVar, InitDecomp, WriteDarray, Close, then OpenFile/ReadDarray
// and check the values survive.
func TestBoxRoundTrip(t *testing.T) {
	sys, mem, err := NewSingleRankSystem()
	require.NoError(t, err)

	f, err := CreateFile(sys, mem, "box.nc", driverapi.Clobber, driverapi.ClassicSerial)
	require.NoError(t, err)

	require.NoError(t, f.EnterDefineMode())
	d0, err := f.DefDim("x", 4)
	require.NoError(t, err)
	varid, err := f.DefVar("v", typetag.Float64, []int32{d0})
	require.NoError(t, err)
	require.NoError(t, f.ExitDefineMode())

	dec, err := InitDecomp(sys, 1, []int64{4}, typetag.Float64, []int64{1, 2, 3, 4})
	require.NoError(t, err)

	local := packFloat64s([]float64{10, 20, 30, 40})
	require.NoError(t, f.WriteDarray(varid, dec, false, local))
	require.NoError(t, FreeDecomp(dec))
	require.NoError(t, f.Close())

	snap := sys.Metrics().Snapshot()
	assert.Equal(t, uint64(1), snap.WriteOps)

	f2, err := OpenFile(sys, mem, "box.nc", driverapi.ReadOnly, driverapi.ClassicSerial)
	require.NoError(t, err)

	dec2, err := InitDecomp(sys, 1, []int64{4}, typetag.Float64, []int64{1, 2, 3, 4})
	require.NoError(t, err)

	out, err := f2.ReadDarray(varid, dec2, false)
	require.NoError(t, err)
	assert.Equal(t, []float64{10, 20, 30, 40}, unpackFloat64s(out))

	require.NoError(t, FreeDecomp(dec2))
	require.NoError(t, f2.Close())
	require.NoError(t, Finalize(sys))
}

// TestDecompFileRoundTrip exercises WriteDecompFile/ReadDecompFile against
// the same single-rank system: the written ASCII decomposition file must
// reproduce a Decomp whose WriteDarray/ReadDarray round-trip still works.
func TestDecompFileRoundTrip(t *testing.T) {
	sys, _, err := NewSingleRankSystem()
	require.NoError(t, err)

	dec, err := InitDecomp(sys, 1, []int64{4}, typetag.Float64, []int64{1, 2, 3, 4})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteDecompFile(&buf, dec))
	require.NoError(t, FreeDecomp(dec))

	dec2, err := ReadDecompFile(sys, bytes.NewReader(buf.Bytes()), typetag.Float64)
	require.NoError(t, err)
	assert.Equal(t, 4, dec2.d.LocalLen)
	require.NoError(t, FreeDecomp(dec2))
	require.NoError(t, Finalize(sys))
}

// TestWriteDarrayMultiRejectsMismatchedLengths checks the batched form's
// one declared invariant: the three slices must agree in length.
func TestWriteDarrayMultiRejectsMismatchedLengths(t *testing.T) {
	sys, mem, err := NewSingleRankSystem()
	require.NoError(t, err)
	f, err := CreateFile(sys, mem, "multi.nc", driverapi.Clobber, driverapi.ClassicSerial)
	require.NoError(t, err)

	err = f.WriteDarrayMulti([]int32{0, 1}, nil, false, nil)
	assert.Error(t, err)
}

// TestTwoRankParallelBoxRoundTrip drives InitIntracomm across two goroutine
// ranks, each its own I/O rank, writing and reading back a decomposed
// array over the parallel wire format.
func TestTwoRankParallelBoxRoundTrip(t *testing.T) {
	comms := substrate.NewLocalWorld(2)
	mem := driver.NewMemory()

	results := make([]error, 2)
	var wg sync.WaitGroup
	for rank := 0; rank < 2; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			sys, err := InitIntracomm(comms[rank], 2, 1, 0, rearrange.Box, errpolicy.Return)
			if err != nil {
				results[rank] = err
				return
			}

			var f *File
			if rank == 0 {
				f, err = CreateFile(sys, mem, "par.nc", driverapi.Clobber, driverapi.ClassicParallel)
			} else {
				f, err = CreateFile(sys, mem, "par.nc", driverapi.Clobber, driverapi.ClassicParallel)
			}
			if err != nil {
				results[rank] = err
				return
			}

			if err := f.EnterDefineMode(); err != nil {
				results[rank] = err
				return
			}
			d0, err := f.DefDim("x", 4)
			if err != nil {
				results[rank] = err
				return
			}
			varid, err := f.DefVar("v", typetag.Float64, []int32{d0})
			if err != nil {
				results[rank] = err
				return
			}
			if err := f.ExitDefineMode(); err != nil {
				results[rank] = err
				return
			}

			var compmap []int64
			var local []float64
			if rank == 0 {
				compmap = []int64{1, 2, 0, 0}
				local = []float64{100, 200, 0, 0}
			} else {
				compmap = []int64{0, 0, 3, 4}
				local = []float64{0, 0, 300, 400}
			}

			dec, err := InitDecomp(sys, 1, []int64{4}, typetag.Float64, compmap)
			if err != nil {
				results[rank] = err
				return
			}

			if err := f.WriteDarray(varid, dec, false, packFloat64s(local)); err != nil {
				results[rank] = err
				return
			}
			if err := FreeDecomp(dec); err != nil {
				results[rank] = err
				return
			}
			if err := f.Close(); err != nil {
				results[rank] = err
				return
			}
			results[rank] = Finalize(sys)
		}(rank)
	}
	wg.Wait()

	for rank, err := range results {
		assert.NoError(t, err, "rank %d", rank)
	}

	h, err := mem.Open("par.nc", driverapi.ReadOnly)
	require.NoError(t, err)
	out := make([]byte, 4*8)
	require.NoError(t, mem.GetVar(h, 0, out))
	assert.Equal(t, []float64{100, 200, 300, 400}, unpackFloat64s(out))
}
