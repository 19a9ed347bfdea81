package uapi

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadRoundTripSameRankCount(t *testing.T) {
	d := &Decomposition{
		NDims:   1,
		GDimLen: []int64{4},
		Maps:    [][]int64{{1, 2}, {3}, {4}},
	}
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, d))

	got, err := Read(&buf, 3)
	require.NoError(t, err)
	assert.Equal(t, d.NDims, got.NDims)
	assert.Equal(t, d.GDimLen, got.GDimLen)
	assert.Equal(t, d.Maps, got.Maps)
}

func TestReadWithMoreReadersThanWritersGetsEmptyMaps(t *testing.T) {
	d := &Decomposition{
		NDims:   1,
		GDimLen: []int64{4},
		Maps:    [][]int64{{1, 2}, {3}, {4}},
	}
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, d))

	got, err := Read(&buf, 4)
	require.NoError(t, err)
	require.Len(t, got.Maps, 4)
	assert.Equal(t, []int64{1, 2}, got.Maps[0])
	assert.Equal(t, []int64{3}, got.Maps[1])
	assert.Equal(t, []int64{4}, got.Maps[2])
	assert.Equal(t, []int64{}, got.Maps[3])
}

func TestReadRejectsMoreWritersThanReaders(t *testing.T) {
	d := &Decomposition{
		NDims:   1,
		GDimLen: []int64{4},
		Maps:    [][]int64{{1}, {2}, {3}},
	}
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, d))

	_, err := Read(&buf, 2)
	assert.ErrorIs(t, err, ErrTooManyPes)
}

func TestReadRejectsUnsupportedVersion(t *testing.T) {
	bad := "version 1999 npes 1 ndims 1\n4\n0 1\n1\n"
	_, err := Read(bytes.NewBufferString(bad), 1)
	assert.ErrorIs(t, err, ErrBadVersion)
}

func TestReadRejectsTruncatedFile(t *testing.T) {
	bad := "version 2001 npes 1 ndims 1\n"
	_, err := Read(bytes.NewBufferString(bad), 1)
	assert.ErrorIs(t, err, ErrTruncated)
}
