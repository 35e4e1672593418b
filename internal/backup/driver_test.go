// Copyright (C) 2024 blocksync contributors.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package backup

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockforge/blocksync/internal/chunk"
	"github.com/blockforge/blocksync/internal/state"
	"github.com/blockforge/blocksync/internal/storage"
)

func fullJob(dest string) state.Job {
	return state.Job{
		Source:    "/dev/fake0",
		ChunkSize: 4096,
		Storage: state.StorageConfig{
			Format:        "raw",
			Destination:   dest,
			StoragePolicy: state.Full,
		},
	}
}

func TestDriverTinyFullBackup(t *testing.T) {
	dir := t.TempDir()
	st, err := state.New("", filepath.Join(dir, "state.yaml"), "", []state.Job{fullJob(filepath.Join(dir, "out.img"))})
	require.NoError(t, err)

	d, err := New(st.Jobs[0], 8192, st)
	require.NoError(t, err)

	c0 := &chunk.Chunk{Offset: 0, Data: make([]byte, 4096)}
	c1 := &chunk.Chunk{Offset: 4096, Data: make([]byte, 4096)}
	require.NoError(t, d.ProcessChunk(c0))
	require.NoError(t, d.ProcessChunk(c1))
	require.NoError(t, d.Commit())

	s2, err := storage.UseRaw(filepath.Join(dir, "out.img"), 8192, 4096, false)
	require.NoError(t, err)
	defer s2.Close()
	got, err := s2.ReadChunkAt(0)
	require.NoError(t, err)
	assert.Equal(t, c0.Data, got.Data)
}

func incrementalJob(dest, checksumDest string) state.Job {
	return state.Job{
		Source:    "/dev/fake0",
		ChunkSize: 4096,
		Storage: state.StorageConfig{
			Format:        "sparse",
			Destination:   dest,
			StoragePolicy: state.Incremental,
		},
		Checksum: &state.ChecksumConfig{
			Destination:   checksumDest,
			Algorithm:     "sha256",
			Size:          32,
			StoragePolicy: state.Full,
			Trust:         true,
		},
	}
}

func TestDriverIncrementalNoOpWhenUnchanged(t *testing.T) {
	dir := t.TempDir()

	// First generation: Full backup, records checksums.
	fullSt, err := state.New(dir, "", "", []state.Job{{
		Source:    "/dev/fake0",
		ChunkSize: 4096,
		Storage: state.StorageConfig{
			Format:        "raw",
			Destination:   "out.img",
			StoragePolicy: state.Full,
		},
		Checksum: &state.ChecksumConfig{
			Destination:   "out.sum",
			Algorithm:     "sha256",
			Size:          32,
			StoragePolicy: state.Full,
			Trust:         true,
		},
	}})
	require.NoError(t, err)
	d1, err := New(fullSt.Jobs[0], 8192, fullSt)
	require.NoError(t, err)
	data := make([]byte, 4096)
	for i := range data {
		data[i] = 0x55
	}
	require.NoError(t, d1.ProcessChunk(&chunk.Chunk{Offset: 0, Data: data}))
	require.NoError(t, d1.ProcessChunk(&chunk.Chunk{Offset: 4096, Data: data}))
	require.NoError(t, d1.Commit())
	require.NoError(t, fullSt.Milestone(state.Success, "first pass"))

	time.Sleep(1100 * time.Millisecond) // state names have one-second resolution

	// Second generation: Incremental, identical content -> zero storage writes.
	incSt, err := state.New(dir, "", "", []state.Job{incrementalJob("out2.img", "out2.sum")})
	require.NoError(t, err)
	d2, err := New(incSt.Jobs[0], 8192, incSt)
	require.NoError(t, err)
	require.NoError(t, d2.ProcessChunk(&chunk.Chunk{Offset: 0, Data: data}))
	require.NoError(t, d2.ProcessChunk(&chunk.Chunk{Offset: 4096, Data: data}))
	require.NoError(t, d2.Commit())

	s, err := storage.OpenSparse(filepath.Join(dir, incSt.GetName(), "out2.img"), nil)
	require.NoError(t, err)
	defer s.Close()
	c, err := s.ReadChunk()
	require.NoError(t, err)
	assert.Nil(t, c, "no chunks should have been written: content was unchanged")
}

func TestDriverIncrementalRequiresTrustedChecksums(t *testing.T) {
	dir := t.TempDir()
	st, err := state.New("", filepath.Join(dir, "state.yaml"), "", nil)
	require.NoError(t, err)

	job := incrementalJob("out.img", "out.sum")
	job.Checksum.Trust = false
	_, err = New(job, 8192, st)
	assert.Error(t, err)
}
