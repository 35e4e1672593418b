// Copyright (C) 2024 blocksync contributors.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockforge/blocksync/internal/config"
)

func TestCopyFlagSetParsesPairs(t *testing.T) {
	var c copyFlag
	require.NoError(t, c.Set("/dev/sda=out.img"))
	require.NoError(t, c.Set("/dev/sdb=out2.img"))
	assert.Equal(t, []string{"/dev/sda", "/dev/sdb"}, c.sources)
	assert.Equal(t, []string{"out.img", "out2.img"}, c.destinations)
	assert.Equal(t, "/dev/sda=out.img,/dev/sdb=out2.img", c.String())
}

func TestCopyFlagSetRejectsMissingSeparator(t *testing.T) {
	var c copyFlag
	assert.Error(t, c.Set("/dev/sda"))
	assert.Error(t, c.Set("=out.img"))
	assert.Error(t, c.Set("/dev/sda="))
}

func TestBuildManifestFromCopyFlags(t *testing.T) {
	var c copyFlag
	require.NoError(t, c.Set("/dev/sda=out.img"))

	m, err := buildManifest("", c, 4096, true)
	require.NoError(t, err)
	require.Len(t, m.Jobs, 1)
	assert.Equal(t, "/dev/sda", m.Jobs[0].Source)
	assert.Equal(t, 4096, m.Jobs[0].ChunkSize)
	assert.True(t, m.Jobs[0].ReuseOutput)
	assert.Equal(t, "out.img", m.Jobs[0].Storage.Destination)
	assert.True(t, m.DoSync)
}

func TestBuildManifestRejectsBadChunkSize(t *testing.T) {
	var c copyFlag
	require.NoError(t, c.Set("/dev/sda=out.img"))

	_, err := buildManifest("", c, 100, false)
	assert.Error(t, err)
}

func TestBuildManifestNoJobsReturnsNil(t *testing.T) {
	m, err := buildManifest("", copyFlag{}, 4096, false)
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestApplyConfigOverrides(t *testing.T) {
	cfg := config.Config{
		TracingPath:       "/sys/kernel/debug/tracing",
		SysPath:           "/sys",
		TraceBufferSizeKB: 8192,
		DiagramCells:      config.PlainDiagramCells,
	}
	applyConfigOverrides(&cfg, "/custom/tracing", "", 0, 5, 128, true, true)
	assert.Equal(t, "/custom/tracing", cfg.TracingPath)
	assert.Equal(t, "/sys", cfg.SysPath)
	assert.Equal(t, 8192, cfg.TraceBufferSizeKB)
	assert.Equal(t, 5*time.Second, cfg.ProgressUpdatePeriod)
	assert.Equal(t, 128, cfg.MaxDiagramSize)
	assert.True(t, cfg.ExclusiveProgressUpdates)
	assert.Equal(t, config.ColorDiagramCells, cfg.DiagramCells)
}
