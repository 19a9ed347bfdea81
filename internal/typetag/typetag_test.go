package typetag_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/behrlich/go-pario/driver"
	"github.com/behrlich/go-pario/internal/driverapi"
	"github.com/behrlich/go-pario/internal/typetag"
)

func TestSizeofKnownTypes(t *testing.T) {
	sz, err := typetag.Sizeof(typetag.Int32)
	require.NoError(t, err)
	assert.Equal(t, 4, sz)

	sz, err = typetag.Sizeof(typetag.Float64)
	require.NoError(t, err)
	assert.Equal(t, 8, sz)
}

func TestSizeofUnknownTypeErrors(t *testing.T) {
	_, err := typetag.Sizeof(typetag.Type(999))
	assert.Error(t, err)
}

func TestPutVarsGetVarsRoundTrip(t *testing.T) {
	m := driver.NewMemory()
	h, err := m.Create("t.nc", driverapi.Clobber, false)
	require.NoError(t, err)
	m.EnterDefineMode(h)
	d0, _ := m.DefDim(h, "x", 4)
	varid, err := m.DefVar(h, "v", int(typetag.Int32), []int32{d0})
	require.NoError(t, err)
	m.ExitDefineMode(h)

	data := []byte{1, 0, 0, 0, 2, 0, 0, 0, 3, 0, 0, 0, 4, 0, 0, 0}
	require.NoError(t, typetag.PutVars(m, h, varid, typetag.Int32, []int64{0}, []int64{4}, nil, data))

	out := make([]byte, len(data))
	require.NoError(t, typetag.GetVars(m, h, varid, typetag.Int32, []int64{0}, []int64{4}, nil, out))
	assert.Equal(t, data, out)
}

func TestPutVarsRejectsShortBuffer(t *testing.T) {
	m := driver.NewMemory()
	h, _ := m.Create("t.nc", driverapi.Clobber, false)
	m.EnterDefineMode(h)
	d0, _ := m.DefDim(h, "x", 4)
	varid, _ := m.DefVar(h, "v", int(typetag.Int32), []int32{d0})
	m.ExitDefineMode(h)

	err := typetag.PutVars(m, h, varid, typetag.Int32, []int64{0}, []int64{4}, nil, make([]byte, 2))
	assert.Error(t, err)
}

func TestTypeString(t *testing.T) {
	assert.Equal(t, "float64", typetag.Float64.String())
}
