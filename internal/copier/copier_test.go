// Copyright (C) 2024 blocksync contributors.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package copier

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockforge/blocksync/internal/config"
	"github.com/blockforge/blocksync/internal/manage"
	"github.com/blockforge/blocksync/internal/state"
)

func writeSource(t *testing.T, path string, pattern byte, size int) {
	t.Helper()
	data := make([]byte, size)
	for i := range data {
		data[i] = pattern
	}
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func testConfig() *config.Config {
	return &config.Config{
		TracingPath:          "/sys/kernel/debug/tracing",
		SysPath:              "/sys",
		TraceBufferSizeKB:    8192,
		ProgressUpdatePeriod: time.Hour,
		MaxDiagramSize:       64,
		DiagramCells:         config.PlainDiagramCells,
		DiagramCellsReset:    "",
	}
}

func TestRunCopiesSourceIntoDestination(t *testing.T) {
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "src.img")
	writeSource(t, srcPath, 0xAB, 8192)

	manifest := &manage.Manifest{
		Jobs: []state.Job{{
			Source:    srcPath,
			ChunkSize: 4096,
			Storage: state.StorageConfig{
				Format:        "raw",
				Destination:   filepath.Join(dir, "out.img"),
				StoragePolicy: state.Full,
			},
		}},
		DoSync:        false,
		LockTimeLimit: 10 * time.Millisecond,
		LockCooldown:  10 * time.Millisecond,
		StatePath:     filepath.Join(dir, "state.yaml"),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	st, err := Run(ctx, testConfig(), manifest, nil, nil)
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, state.Success, st.Health)

	got, err := os.ReadFile(filepath.Join(dir, "out.img"))
	require.NoError(t, err)
	want, err := os.ReadFile(srcPath)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestRunRejectsWhenSourceMissing(t *testing.T) {
	dir := t.TempDir()
	manifest := &manage.Manifest{
		Jobs: []state.Job{{
			Source:    filepath.Join(dir, "does-not-exist"),
			ChunkSize: 4096,
			Storage: state.StorageConfig{
				Format:        "raw",
				Destination:   "out.img",
				StoragePolicy: state.Full,
			},
		}},
		StatePath: filepath.Join(dir, "state.yaml"),
	}

	ctx := context.Background()
	st, err := Run(ctx, testConfig(), manifest, nil, nil)
	assert.Error(t, err)
	require.NotNil(t, st)
	assert.Equal(t, state.Failure, st.Health)
}
