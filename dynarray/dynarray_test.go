package dynarray

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func contents(a *Array[int]) []int {
	out := make([]int, a.Len())
	for i := 0; i < a.Len(); i++ {
		out[i] = *a.Get(i)
	}
	return out
}

func TestNextReturnsZeroedElements(t *testing.T) {
	var a Array[int]

	for i := 0; i < 100; i++ {
		index := a.Next()
		assert.Equal(t, i, index, "indexes must be sequential")
		assert.Equal(t, 0, *a.Get(index), "new elements must be zeroed")
		*a.Get(index) = i + 1
	}

	require.Equal(t, 100, a.Len())
	for i := 0; i < 100; i++ {
		assert.Equal(t, i+1, *a.Get(i), "element %d was clobbered by growth", i)
	}
}

func TestEnsureIndexGrowsAndZeroFills(t *testing.T) {
	var a Array[int]

	*a.Get(a.Next()) = 7
	a.EnsureIndex(10)

	require.Equal(t, 11, a.Len())
	assert.Equal(t, 7, *a.Get(0))
	for i := 1; i <= 10; i++ {
		assert.Equal(t, 0, *a.Get(i))
	}

	// Shrinking never happens.
	a.EnsureIndex(3)
	assert.Equal(t, 11, a.Len())
}

func TestInsertShiftsTailRight(t *testing.T) {
	var a Array[int]
	for i := 1; i <= 5; i++ {
		*a.Get(a.Next()) = i
	}

	a.Insert(2, 3)

	assert.Equal(t, []int{1, 2, 0, 0, 0, 3, 4, 5}, contents(&a))
}

func TestRollForward(t *testing.T) {
	var a Array[int]
	for i := 1; i <= 6; i++ {
		*a.Get(a.Next()) = i
	}

	// Move [2, 3] so the pair begins at index 3.
	require.NoError(t, a.Roll(3, 1, 2))
	assert.Equal(t, []int{1, 4, 5, 2, 3, 6}, contents(&a))
}

func TestRollBackward(t *testing.T) {
	var a Array[int]
	for i := 1; i <= 6; i++ {
		*a.Get(a.Next()) = i
	}

	require.NoError(t, a.Roll(1, 3, 2))
	assert.Equal(t, []int{1, 4, 5, 2, 3, 6}, contents(&a))
}

func TestRollNoOp(t *testing.T) {
	var a Array[int]
	for i := 1; i <= 3; i++ {
		*a.Get(a.Next()) = i
	}

	require.NoError(t, a.Roll(1, 1, 2))
	assert.Equal(t, []int{1, 2, 3}, contents(&a))
}

func TestRollRejectsOutOfRange(t *testing.T) {
	var a Array[int]
	a.EnsureIndex(4)

	assert.Error(t, a.Roll(4, 0, 2), "destination runs past the end")
	assert.Error(t, a.Roll(0, 4, 2), "source runs past the end")
	assert.Error(t, a.Roll(-1, 0, 1), "negative destination")
}
