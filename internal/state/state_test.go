// Copyright (C) 2024 blocksync contributors.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package state

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleJobs() []Job {
	return []Job{{
		Source:    "/dev/sda",
		ChunkSize: 4096,
		Storage: StorageConfig{
			Format:        "raw",
			Destination:   "sda.img",
			StoragePolicy: Full,
		},
	}}
}

func TestNewAndCommitStandaloneState(t *testing.T) {
	statePath := filepath.Join(t.TempDir(), "state.yaml")

	st, err := New("", statePath, "", sampleJobs())
	require.NoError(t, err)
	require.NoError(t, st.Milestone(Success, "done"))

	loaded, err := FromFile("", statePath)
	require.NoError(t, err)
	assert.Equal(t, Success, loaded.Health)
	assert.Equal(t, st.Name, loaded.Name)
}

func TestStoreChainParentResolution(t *testing.T) {
	storeDir := t.TempDir()

	first, err := New(storeDir, "", "", sampleJobs())
	require.NoError(t, err)
	require.NoError(t, first.Milestone(Success, "first pass"))

	time.Sleep(1100 * time.Millisecond) // state names have one-second resolution

	second, err := New(storeDir, "", "", sampleJobs())
	require.NoError(t, err)
	require.NotNil(t, second.Parent())
	assert.Equal(t, first.Name, second.Parent().GetName())
	assert.Equal(t, Success, second.Parent().Health)
}

func TestStoreChainRejectsIncompatibleChunkSize(t *testing.T) {
	storeDir := t.TempDir()

	first, err := New(storeDir, "", "", sampleJobs())
	require.NoError(t, err)
	require.NoError(t, first.Milestone(Success, "first pass"))

	jobs := sampleJobs()
	jobs[0].ChunkSize = 8192

	// Parent paths are relative to the store, as New records them.
	stPath := filepath.Join(first.Name, "state.yaml")
	bad := &State{
		Name:       "bad",
		ParentPath: stPath,
		Health:     Setup,
		Jobs:       jobs,
	}
	require.NoError(t, writeYAMLAtomic(filepath.Join(storeDir, "bad.yaml"), bad))
	_, err = FromFile(storeDir, "bad.yaml")
	assert.Error(t, err)
}

func TestCyclicStateDetection(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.yaml")
	b := filepath.Join(dir, "b.yaml")

	require.NoError(t, writeYAMLAtomic(a, &State{Name: "a", Health: Success, ParentPath: b}))
	require.NoError(t, writeYAMLAtomic(b, &State{Name: "b", Health: Success, ParentPath: a}))

	_, err := FromFile("", a)
	assert.Error(t, err)
}

func TestJobEqual(t *testing.T) {
	j1 := sampleJobs()[0]
	j2 := sampleJobs()[0]
	assert.True(t, j1.Equal(j2))
	j2.ChunkSize = 1
	assert.False(t, j1.Equal(j2))
}
