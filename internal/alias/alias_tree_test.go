package alias

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nonZero(x uint8) bool { return x != 0 }

func TestPowerOfTwo(t *testing.T) {
	tree := New[uint8](256, 0)

	require.Len(t, tree.levels, 9)
	require.Len(t, tree.levels[0], 256)
	require.Len(t, tree.levels[1], 128)
	require.Len(t, tree.levels[8], 1)

	assert.Equal(t, uint8(0), tree.Get(0))
	assert.Equal(t, uint8(0), tree.Get(1))
	assert.Equal(t, uint8(0), tree.Get(16))
	assert.Equal(t, uint8(0), tree.Get(255))

	tree.Set(123, 1)
	tree.Set(200, 2)

	assert.Equal(t, uint8(0), tree.Get(100))
	assert.Equal(t, uint8(1), tree.Get(123))
	assert.Equal(t, uint8(2), tree.Get(200))

	assert.Equal(t, uint8(0), tree.GetAliased(100, 1))
	assert.Equal(t, uint8(0), tree.GetAliased(122, 0))
	assert.Equal(t, uint8(1), tree.GetAliased(123, 0))
	assert.Equal(t, uint8(0), tree.GetAliased(124, 0))
	assert.Equal(t, uint8(1), tree.GetAliased(123, 1))
	assert.Equal(t, uint8(1), tree.GetAliased(122, 1))
	assert.Equal(t, uint8(0), tree.GetAliased(124, 1))
	assert.Equal(t, uint8(0), tree.GetAliased(120, 1))
	assert.Equal(t, uint8(1), tree.GetAliased(120, 2))
	assert.Equal(t, uint8(3), tree.GetAliased(89, 8))
}

func TestPowerOfTwoMinusOne(t *testing.T) {
	tree := New[uint8](7, 0)
	for i := 0; i < 7; i++ {
		tree.Set(i, 1<<uint(i))
	}
	for i := 0; i < 7; i++ {
		assert.Equal(t, uint8(1<<uint(i)), tree.Get(i))
		assert.Equal(t, uint8(1<<uint(i)), tree.GetAliased(i, 0))
	}

	assert.Equal(t, uint8(0x03), tree.GetAliased(0, 1))
	assert.Equal(t, uint8(0x03), tree.GetAliased(1, 1))
	assert.Equal(t, uint8(0x0c), tree.GetAliased(2, 1))
	assert.Equal(t, uint8(0x0c), tree.GetAliased(3, 1))
	assert.Equal(t, uint8(0x30), tree.GetAliased(4, 1))
	assert.Equal(t, uint8(0x30), tree.GetAliased(5, 1))
	assert.Equal(t, uint8(0x40), tree.GetAliased(6, 1))

	assert.Equal(t, uint8(0x0f), tree.GetAliased(0, 2))
	assert.Equal(t, uint8(0x0f), tree.GetAliased(1, 2))
	assert.Equal(t, uint8(0x0f), tree.GetAliased(2, 2))
	assert.Equal(t, uint8(0x0f), tree.GetAliased(3, 2))
	assert.Equal(t, uint8(0x30), tree.GetAliased(4, 2))
	assert.Equal(t, uint8(0x30), tree.GetAliased(5, 2))
	assert.Equal(t, uint8(0x40), tree.GetAliased(6, 2))

	assert.Equal(t, uint8(0x0f), tree.GetAliased(0, 3))
	assert.Equal(t, uint8(0x30), tree.GetAliased(4, 3))
	assert.Equal(t, uint8(0x40), tree.GetAliased(6, 3))
}

func TestFindNextAllSeek(t *testing.T) {
	tree := New[uint8](7, 0)
	for i := 0; i < 7; i++ {
		_, ok := tree.FindNext(nonZero, i)
		assert.False(t, ok)
	}
	for i := 0; i < 7; i++ {
		tree.Set(i, 1)
	}
	for i := 0; i < 7; i++ {
		idx, ok := tree.FindNext(nonZero, i)
		assert.True(t, ok)
		assert.Equal(t, i, idx)
	}
}

func TestFindNextOddSeek(t *testing.T) {
	tree := New[uint8](7, 0)
	for i := 0; i < 7; i++ {
		if i&1 == 1 {
			tree.Set(i, 1)
		}
	}
	for i := 0; i < 6; i++ {
		expected := i | 1
		idx, ok := tree.FindNext(nonZero, i)
		assert.True(t, ok)
		assert.Equal(t, expected, idx)
	}
	_, ok := tree.FindNext(nonZero, 6)
	assert.False(t, ok)
}

func TestFindNextEvenSeek(t *testing.T) {
	tree := New[uint8](7, 0)
	for i := 0; i < 7; i++ {
		if i&1 == 0 {
			tree.Set(i, 1)
		}
	}
	for i := 0; i < 7; i++ {
		expected := (i + 1) & 6
		idx, ok := tree.FindNext(nonZero, i)
		assert.True(t, ok)
		assert.Equal(t, expected, idx)
	}
}

func TestFindNextSingleSeek(t *testing.T) {
	for i := 0; i < 7; i++ {
		tree := New[uint8](7, 0)
		tree.Set(i, 1)
		for j := 0; j < 7; j++ {
			idx, ok := tree.FindNext(nonZero, j)
			if i >= j {
				assert.True(t, ok)
				assert.Equal(t, i, idx)
			} else {
				assert.False(t, ok)
			}
		}
	}
}

func TestFindNextNoSpillSeek(t *testing.T) {
	tree := New[uint8](8, 0)
	_, ok := tree.FindNext(nonZero, 0)
	assert.False(t, ok)
}

func TestEmptyTree(t *testing.T) {
	tree := New[uint8](0, 0)
	assert.Equal(t, 0, tree.Len())
	_, ok := tree.FindNext(nonZero, 0)
	assert.False(t, ok)
}

func TestSingleElementTree(t *testing.T) {
	tree := New[uint8](1, 0)
	_, ok := tree.FindNext(nonZero, 0)
	assert.False(t, ok)
	tree.Set(0, 1)
	idx, ok := tree.FindNext(nonZero, 0)
	assert.True(t, ok)
	assert.Equal(t, 0, idx)
}

func TestOrAndMask(t *testing.T) {
	tree := New[uint8](4, 0)
	assert.Equal(t, uint8(0x3), tree.OrMask(0, 0x1|0x2))
	assert.Equal(t, uint8(0x1), tree.AndMask(0, 0x1))
	assert.Equal(t, uint8(0x1), tree.GetAliased(0, 2))
}
