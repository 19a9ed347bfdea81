package driver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/behrlich/go-pario/internal/driverapi"
	"github.com/behrlich/go-pario/internal/typetag"
)

func TestMemoryCreateDefineWriteRead(t *testing.T) {
	m := NewMemory()
	h, err := m.Create("test.nc", driverapi.Clobber, false)
	require.NoError(t, err)

	require.NoError(t, m.EnterDefineMode(h))
	dim, err := m.DefDim(h, "x", 4)
	require.NoError(t, err)
	varid, err := m.DefVar(h, "temp", int(typetag.Float64), []int32{dim})
	require.NoError(t, err)
	require.NoError(t, m.ExitDefineMode(h))

	data := []byte{}
	for i := 0; i < 4; i++ {
		data = append(data, 0, 0, 0, 0, 0, 0, 0, byte(i))
	}
	require.NoError(t, m.PutVar(h, varid, data))

	out := make([]byte, len(data))
	require.NoError(t, m.GetVar(h, varid, out))
	assert.Equal(t, data, out)

	inq, err := m.Inq(h)
	require.NoError(t, err)
	assert.Equal(t, 1, inq.NDims)
	assert.Equal(t, 1, inq.NVars)
}

func TestMemoryPutVaraSubRange(t *testing.T) {
	m := NewMemory()
	h, _ := m.Create("t.nc", driverapi.Clobber, false)
	m.EnterDefineMode(h)
	d0, _ := m.DefDim(h, "x", 2)
	d1, _ := m.DefDim(h, "y", 3)
	varid, err := m.DefVar(h, "v", int(typetag.Int32), []int32{d0, d1})
	require.NoError(t, err)
	m.ExitDefineMode(h)

	payload := []byte{1, 0, 0, 0, 2, 0, 0, 0, 3, 0, 0, 0}
	require.NoError(t, m.PutVara(h, varid, []int64{1, 0}, []int64{1, 3}, payload))

	out := make([]byte, 12)
	require.NoError(t, m.GetVara(h, varid, []int64{1, 0}, []int64{1, 3}, out))
	assert.Equal(t, payload, out)
}

func TestMemoryBPutVarnAndWaitAllDrainsBuffer(t *testing.T) {
	m := NewMemory()
	h, _ := m.Create("t.nc", driverapi.Clobber|driverapi.ChunkedFormat|driverapi.ParallelIO, true)
	m.EnterDefineMode(h)
	d0, _ := m.DefDim(h, "x", 4)
	varid, err := m.DefVar(h, "v", int(typetag.Int32), []int32{d0})
	require.NoError(t, err)
	m.ExitDefineMode(h)

	starts := [][]int64{{0}, {2}}
	counts := [][]int64{{1}, {1}}
	data := []byte{1, 0, 0, 0, 2, 0, 0, 0}

	tok, err := m.BPutVarn(h, varid, starts, counts, 4, data)
	require.NoError(t, err)

	usage, err := m.InqBufferUsage(h)
	require.NoError(t, err)
	assert.Equal(t, int64(8), usage)

	require.NoError(t, m.WaitAll(h, []driverapi.WriteToken{tok}))
	usage, err = m.InqBufferUsage(h)
	require.NoError(t, err)
	assert.Equal(t, int64(0), usage)
}

func TestMemoryCloseInvalidatesHandle(t *testing.T) {
	m := NewMemory()
	h, _ := m.Create("t.nc", driverapi.Clobber, false)
	require.NoError(t, m.Close(h))
	_, err := m.Inq(h)
	assert.Error(t, err)
}
