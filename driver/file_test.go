package driver

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/behrlich/go-pario/internal/driverapi"
	"github.com/behrlich/go-pario/internal/typetag"
)

func TestFileDriverRoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "ds")
	f := NewFile()

	h, err := f.Create(dir, driverapi.Clobber, false)
	require.NoError(t, err)

	require.NoError(t, f.EnterDefineMode(h))
	d0, err := f.DefDim(h, "x", 4)
	require.NoError(t, err)
	varid, err := f.DefVar(h, "v", int(typetag.Float64), []int32{d0})
	require.NoError(t, err)
	require.NoError(t, f.ExitDefineMode(h))

	payload := make([]byte, 4*8)
	for i := range payload {
		payload[i] = byte(i)
	}
	require.NoError(t, f.PutVar(h, varid, payload))

	out := make([]byte, len(payload))
	require.NoError(t, f.GetVar(h, varid, out))
	assert.Equal(t, payload, out)

	require.NoError(t, f.Close(h))
}

func TestFileDriverPartialRegionRoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "ds2")
	f := NewFile()
	h, err := f.Create(dir, driverapi.Clobber, false)
	require.NoError(t, err)
	f.EnterDefineMode(h)
	d0, _ := f.DefDim(h, "x", 2)
	d1, _ := f.DefDim(h, "y", 3)
	varid, err := f.DefVar(h, "v", int(typetag.Int32), []int32{d0, d1})
	require.NoError(t, err)
	f.ExitDefineMode(h)

	row := []byte{9, 0, 0, 0, 8, 0, 0, 0, 7, 0, 0, 0}
	require.NoError(t, f.PutVara(h, varid, []int64{1, 0}, []int64{1, 3}, row))

	out := make([]byte, 12)
	require.NoError(t, f.GetVara(h, varid, []int64{1, 0}, []int64{1, 3}, out))
	assert.Equal(t, row, out)
}

func TestFileDriverBPutVarnWaitAll(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "ds3")
	f := NewFile()
	h, err := f.Create(dir, driverapi.Clobber, false)
	require.NoError(t, err)
	require.NoError(t, f.EnterDefineMode(h))
	d0, err := f.DefDim(h, "x", 6)
	require.NoError(t, err)
	varid, err := f.DefVar(h, "v", int(typetag.Int32), []int32{d0})
	require.NoError(t, err)
	require.NoError(t, f.ExitDefineMode(h))

	starts := [][]int64{{0}, {3}}
	counts := [][]int64{{3}, {3}}
	data := []byte{
		1, 0, 0, 0, 2, 0, 0, 0, 3, 0, 0, 0,
		4, 0, 0, 0, 5, 0, 0, 0, 6, 0, 0, 0,
	}
	tok, err := f.BPutVarn(h, varid, starts, counts, 4, data)
	require.NoError(t, err)
	require.NotEqual(t, driverapi.NoToken, tok)

	usage, err := f.InqBufferUsage(h)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), usage)

	require.NoError(t, f.WaitAll(h, []driverapi.WriteToken{tok}))

	usage, err = f.InqBufferUsage(h)
	require.NoError(t, err)
	assert.Equal(t, int64(0), usage)

	out := make([]byte, len(data))
	require.NoError(t, f.GetVar(h, varid, out))
	assert.Equal(t, data, out)
}
