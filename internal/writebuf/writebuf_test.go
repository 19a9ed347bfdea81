package writebuf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/behrlich/go-pario/driver"
	"github.com/behrlich/go-pario/internal/constants"
	"github.com/behrlich/go-pario/internal/driverapi"
	"github.com/behrlich/go-pario/internal/substrate"
)

func TestAppendGrowsInFixedChunks(t *testing.T) {
	b := New()
	for i := 0; i < constants.WriteRequestGrowChunk+1; i++ {
		b.Append(0, driverapi.WriteToken(i+1))
	}
	assert.Equal(t, constants.WriteRequestGrowChunk+1, b.LiveCount())
	assert.Len(t, b.slots[0], constants.WriteRequestGrowChunk*2)
}

func TestAppendReusesSentinelSlot(t *testing.T) {
	b := New()
	b.Append(0, driverapi.WriteToken(1))
	b.Append(0, driverapi.WriteToken(2))
	b.slots[0][0] = driverapi.NoToken
	b.Append(0, driverapi.WriteToken(3))
	assert.Equal(t, driverapi.WriteToken(3), b.slots[0][0])
}

func TestFlushForceEmptiesTable(t *testing.T) {
	m := driver.NewMemory()
	h, _ := m.Create("t.nc", driverapi.Clobber|driverapi.ChunkedFormat, true)
	m.EnterDefineMode(h)
	d0, _ := m.DefDim(h, "x", 4)
	varid, err := m.DefVar(h, "v", 6, []int32{d0})
	require.NoError(t, err)
	m.ExitDefineMode(h)

	b := New()
	tok, err := m.BPutVarn(h, varid, [][]int64{{0}}, [][]int64{{4}}, 4, []byte{1, 0, 0, 0, 2, 0, 0, 0, 3, 0, 0, 0, 4, 0, 0, 0})
	require.NoError(t, err)
	b.Append(varid, tok)

	comms := substrate.NewLocalWorld(1)
	require.NoError(t, b.Flush(m, h, comms[0], true, 0, 1<<30))

	assert.Equal(t, 0, b.LiveCount())
	usage, err := m.InqBufferUsage(h)
	require.NoError(t, err)
	assert.Equal(t, int64(0), usage)
}

func TestFlushOnlyTriggersAtBudgetPressure(t *testing.T) {
	m := driver.NewMemory()
	h, _ := m.Create("t.nc", driverapi.Clobber|driverapi.ChunkedFormat, true)
	m.EnterDefineMode(h)
	d0, _ := m.DefDim(h, "x", 4)
	varid, err := m.DefVar(h, "v", 6, []int32{d0})
	require.NoError(t, err)
	m.ExitDefineMode(h)

	b := New()
	tok, err := m.BPutVarn(h, varid, [][]int64{{0}}, [][]int64{{2}}, 4, []byte{1, 0, 0, 0, 2, 0, 0, 0})
	require.NoError(t, err)
	b.Append(varid, tok)

	comms := substrate.NewLocalWorld(1)
	require.NoError(t, b.Flush(m, h, comms[0], false, 0, 1<<30))
	assert.Equal(t, 1, b.LiveCount(), "usage below budget must not flush")

	require.NoError(t, b.Flush(m, h, comms[0], false, 1<<30, 1<<30))
	assert.Equal(t, 0, b.LiveCount(), "usage at/above budget must flush")
}
