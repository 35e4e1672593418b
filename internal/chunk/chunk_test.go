package chunk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOffsetToChunkNumber(t *testing.T) {
	n, err := OffsetToChunkNumber(4096, 4096, 1<<20)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = OffsetToChunkNumber(100, 4096, 1<<20)
	assert.Error(t, err)

	_, err = OffsetToChunkNumber(1<<20, 4096, 1<<20)
	assert.Error(t, err)
}

func TestOffsetToChunkSizeFinal(t *testing.T) {
	size := uint64(4096*3 + 100)
	n, err := OffsetToChunkSize(4096*3, 4096, size)
	require.NoError(t, err)
	assert.Equal(t, 100, n)

	n, err = OffsetToChunkSize(0, 4096, size)
	require.NoError(t, err)
	assert.Equal(t, 4096, n)
}

func TestChunkNumberValidation(t *testing.T) {
	size := uint64(4096 * 4)
	c := Chunk{Offset: 4096, Data: make([]byte, 4096)}
	n, err := c.Number(4096, size)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	short := Chunk{Offset: 4096 * 3, Data: make([]byte, 100)}
	_, err = short.Number(4096, 4096*3+100)
	assert.NoError(t, err)

	badShort := Chunk{Offset: 0, Data: make([]byte, 100)}
	_, err = badShort.Number(4096, size)
	assert.Error(t, err, "short chunk not at end must fail")

	tooBig := Chunk{Offset: 0, Data: make([]byte, 5000)}
	_, err = tooBig.Number(4096, size)
	assert.Error(t, err)
}

func TestCount(t *testing.T) {
	assert.Equal(t, 4, Count(4096, 4096*4))
	assert.Equal(t, 4, Count(4096, 4096*3+1))
	assert.Equal(t, 0, Count(4096, 0))
}
