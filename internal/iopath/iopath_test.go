package iopath_test

import (
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/behrlich/go-pario/driver"
	"github.com/behrlich/go-pario/internal/constants"
	"github.com/behrlich/go-pario/internal/driverapi"
	"github.com/behrlich/go-pario/internal/iopath"
	"github.com/behrlich/go-pario/internal/region"
	"github.com/behrlich/go-pario/internal/substrate"
	"github.com/behrlich/go-pario/internal/typetag"
	"github.com/behrlich/go-pario/internal/writebuf"
)

func defineVar(t *testing.T, drv driverapi.Driver, gdimlen int64) driverapi.Handle {
	h, err := drv.Create("array.nc", driverapi.WriteMode, false)
	require.NoError(t, err)
	require.NoError(t, drv.EnterDefineMode(h))
	dimID, err := drv.DefDim(h, "x", gdimlen)
	require.NoError(t, err)
	_, err = drv.DefVar(h, "v", int(typetag.Float64), []int32{dimID})
	require.NoError(t, err)
	require.NoError(t, drv.ExitDefineMode(h))
	return h
}

func runOnAll(n int, fn func(rank int)) {
	var wg sync.WaitGroup
	wg.Add(n)
	for r := 0; r < n; r++ {
		r := r
		go func() { defer wg.Done(); fn(r) }()
	}
	wg.Wait()
}

// TestClassicSerialWriteReadRoundTrip exercises the funnel/inverse-funnel
// path across 3 I/O ranks, each owning one contiguous region of a
// 6-element array, with rank 0 as the funnel target.
func TestClassicSerialWriteReadRoundTrip(t *testing.T) {
	const n = 3
	const gdim = int64(6)
	comms := substrate.NewLocalWorld(n)
	drv := driver.NewMemory()
	h := defineVar(t, drv, gdim)

	want := []float64{10, 20, 30, 40, 50, 60}

	runOnAll(n, func(rank int) {
		start := int64(rank) * 2
		reg := &region.Region{Start: []int64{start}, Count: []int64{2}}
		payload := make([]byte, 16)
		for i := 0; i < 2; i++ {
			putFloat64(payload, i, want[int(start)+i])
		}
		err := iopath.Write(driverapi.ClassicSerial, comms[rank], drv, h, 0, 8, reg, 1, false, 0, payload, nil, 0)
		require.NoError(t, err)
	})

	got := make([][]byte, n)
	runOnAll(n, func(rank int) {
		start := int64(rank) * 2
		reg := &region.Region{Start: []int64{start}, Count: []int64{2}}
		out, err := iopath.Read(driverapi.ClassicSerial, comms[rank], drv, h, 0, 8, reg, 1, false, 0, 2)
		require.NoError(t, err)
		got[rank] = out
	})

	for rank := 0; rank < n; rank++ {
		start := rank * 2
		for i := 0; i < 2; i++ {
			require.InDelta(t, want[start+i], getFloat64(got[rank], i), 1e-9)
		}
	}
}

// TestClassicParallelWriteRead exercises the parallel path, where each I/O
// rank calls the driver directly and appends its write token to a shared
// write-request buffer.
func TestClassicParallelWriteRead(t *testing.T) {
	const n = 2
	const gdim = int64(4)
	comms := substrate.NewLocalWorld(n)
	drv := driver.NewMemory()
	h := defineVar(t, drv, gdim)
	buf := writebuf.New()

	want := []float64{1, 2, 3, 4}

	runOnAll(n, func(rank int) {
		start := int64(rank) * 2
		reg := &region.Region{Start: []int64{start}, Count: []int64{2}}
		payload := make([]byte, 16)
		putFloat64(payload, 0, want[start])
		putFloat64(payload, 1, want[start+1])
		err := iopath.Write(driverapi.ClassicParallel, comms[rank], drv, h, 0, 8, reg, 1, false, 0, payload, buf, constants.DefaultIOByteBudget)
		require.NoError(t, err)
	})

	require.NoError(t, buf.Flush(drv, h, comms[0], true, 0, constants.DefaultIOByteBudget))
	require.Equal(t, 0, buf.LiveCount())

	got := make([][]byte, n)
	runOnAll(n, func(rank int) {
		start := int64(rank) * 2
		reg := &region.Region{Start: []int64{start}, Count: []int64{2}}
		out, err := iopath.Read(driverapi.ClassicParallel, comms[rank], drv, h, 0, 8, reg, 1, false, 0, 2)
		require.NoError(t, err)
		got[rank] = out
	})

	for rank := 0; rank < n; rank++ {
		start := rank * 2
		require.InDelta(t, want[start], getFloat64(got[rank], 0), 1e-9)
		require.InDelta(t, want[start+1], getFloat64(got[rank], 1), 1e-9)
	}
}

// TestChunkedSerialRecordAxisInjection checks that an unlimited record axis
// not already part of the decomposition gets dim 0 forced to {record_cursor,
// 1} while the decomposition's own dims shift over by one.
func TestChunkedSerialRecordAxisInjection(t *testing.T) {
	const n = 1
	comms := substrate.NewLocalWorld(n)
	drv := driver.NewMemory()
	h, err := drv.Create("records.nc", driverapi.WriteMode, true)
	require.NoError(t, err)
	require.NoError(t, drv.EnterDefineMode(h))
	unlimID, err := drv.DefDim(h, "time", 0)
	require.NoError(t, err)
	xID, err := drv.DefDim(h, "x", 4)
	require.NoError(t, err)
	_, err = drv.DefVar(h, "v", int(typetag.Float64), []int32{unlimID, xID})
	require.NoError(t, err)
	require.NoError(t, drv.ExitDefineMode(h))

	reg := &region.Region{Start: []int64{0}, Count: []int64{4}}
	payload := make([]byte, 32)
	for i := 0; i < 4; i++ {
		putFloat64(payload, i, float64(i))
	}
	err = iopath.Write(driverapi.ChunkedSerial, comms[0], drv, h, 0, 8, reg, 1, true, 2, payload, nil, 0)
	require.NoError(t, err)

	out, err := iopath.Read(driverapi.ChunkedSerial, comms[0], drv, h, 0, 8, reg, 1, true, 2, 4)
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		require.InDelta(t, float64(i), getFloat64(out, i), 1e-9)
	}
}

func putFloat64(buf []byte, idx int, v float64) {
	bits := math.Float64bits(v)
	for i := 0; i < 8; i++ {
		buf[idx*8+i] = byte(bits >> (8 * i))
	}
}

func getFloat64(buf []byte, idx int) float64 {
	var bits uint64
	for i := 0; i < 8; i++ {
		bits |= uint64(buf[idx*8+i]) << (8 * i)
	}
	return math.Float64frombits(bits)
}
