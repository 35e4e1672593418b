// Copyright (C) 2024 blocksync contributors.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package checksum

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockforge/blocksync/internal/chunk"
)

func TestResolveAlgorithmKnownCombos(t *testing.T) {
	for _, tc := range []struct {
		name string
		size int
	}{
		{"sha256", 28}, {"sha256", 32},
		{"sha512", 28}, {"sha512", 32}, {"sha512", 48}, {"sha512", 64},
		{"blake2b", 1}, {"blake2b", 64},
		{"blake2s", 1}, {"blake2s", 32},
	} {
		h, err := ResolveAlgorithm(tc.name, tc.size)
		require.NoErrorf(t, err, "%s/%d", tc.name, tc.size)
		assert.Equal(t, tc.size, h.Size())
	}
}

func TestResolveAlgorithmRejectsUnknown(t *testing.T) {
	_, err := ResolveAlgorithm("md5", 16)
	assert.Error(t, err)
	_, err = ResolveAlgorithm("blake2b", 65)
	assert.Error(t, err)
	_, err = ResolveAlgorithm("blake2s", 0)
	assert.Error(t, err)
}

func TestRecordChunkDiffClassification(t *testing.T) {
	l, err := New("", "sha256", 32, 4096, 2, "Full")
	require.NoError(t, err)

	data := make([]byte, 4096)
	for i := range data {
		data[i] = 0x42
	}
	c := &chunk.Chunk{Offset: 0, Data: data}

	diff, err := l.RecordChunk(c)
	require.NoError(t, err)
	assert.Equal(t, Replaced, diff, "absent chunk always replaces")

	diff, err = l.RecordChunk(c)
	require.NoError(t, err)
	assert.Equal(t, Unchanged, diff, "same content recorded twice this run")

	other := &chunk.Chunk{Offset: 4096, Data: data}
	l.MergeChunk(1, l.slice(0))
	diff, err = l.RecordChunk(other)
	require.NoError(t, err)
	assert.Equal(t, Touched, diff, "historic digest matches new content")

	changed := &chunk.Chunk{Offset: 4096, Data: bytes(0x99, 4096)}
	l.MergeChunk(1, l.slice(0))
	diff, err = l.RecordChunk(changed)
	require.NoError(t, err)
	assert.Equal(t, Replaced, diff, "historic digest differs from new content")
}

func bytes(b byte, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = b
	}
	return out
}

func TestCommitLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checksums.dat")

	l, err := New(path, "sha256", 32, 4096, 4, "Full")
	require.NoError(t, err)
	data := bytes(0x11, 4096)
	for _, offset := range []uint64{0, 2 * 4096} {
		_, err := l.RecordChunk(&chunk.Chunk{Offset: offset, Data: data})
		require.NoError(t, err)
	}
	require.NoError(t, l.Commit())

	l2, err := New(path+".next", "sha256", 32, 4096, 4, "Incremental")
	require.NoError(t, err)
	require.NoError(t, l2.Load(path))

	assert.Equal(t, sourceHistoric, l2.sources[0])
	assert.Equal(t, sourceAbsent, l2.sources[1])
	assert.Equal(t, sourceHistoric, l2.sources[2])
	assert.Equal(t, sourceAbsent, l2.sources[3])
	assert.Equal(t, l.slice(0), l2.slice(0))
}

func TestCommitVolatileIsNoop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "should-not-exist.dat")
	l, err := New(path, "sha256", 32, 4096, 1, "Volatile")
	require.NoError(t, err)
	require.NoError(t, l.Commit())
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}
