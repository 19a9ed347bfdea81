package region

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildFullGridIsOneRegion(t *testing.T) {
	head, count, err := Build(2, []int64{2, 3}, []int64{1, 2, 3, 4, 5, 6})
	require.NoError(t, err)
	require.Equal(t, 1, count)
	assert.Equal(t, []int64{0, 0}, head.Start)
	assert.Equal(t, []int64{2, 3}, head.Count)
	assert.Nil(t, head.Next)
}

func TestBuildWithHoleSplitsIntoTwoRegions(t *testing.T) {
	head, count, err := Build(2, []int64{2, 3}, []int64{1, 2, 3, 5, 6})
	require.NoError(t, err)
	require.Equal(t, 2, count)

	assert.Equal(t, []int64{0, 0}, head.Start)
	assert.Equal(t, []int64{1, 3}, head.Count)

	second := head.Next
	require.NotNil(t, second)
	assert.Equal(t, []int64{1, 1}, second.Start)
	assert.Equal(t, []int64{1, 2}, second.Count)
	assert.Nil(t, second.Next)
}

func TestBuildEmptyMapYieldsNoRegions(t *testing.T) {
	head, count, err := Build(2, []int64{2, 3}, []int64{0, 0, 0, 0, 0, 0})
	require.NoError(t, err)
	assert.Equal(t, 0, count)
	assert.Nil(t, head)
}

func TestBuildSkipsLeadingHoles(t *testing.T) {
	head, count, err := Build(1, []int64{4}, []int64{0, 2, 3, 4})
	require.NoError(t, err)
	require.Equal(t, 1, count)
	assert.Equal(t, []int64{1}, head.Start)
	assert.Equal(t, []int64{3}, head.Count)
}

func TestBuildRejectsDimensionMismatch(t *testing.T) {
	_, _, err := Build(2, []int64{2}, []int64{1, 2})
	assert.Error(t, err)
}
