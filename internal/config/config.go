// Copyright (C) 2024 blocksync contributors.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package config holds the daemon-wide Config (tracing/runtime knobs, loaded
// once at startup) separately from the per-invocation Manifest that
// describes a single backup run. Both are out-of-scope as parsers per the
// core specification, but their shape is pinned here so the in-scope
// components (blktrace, copier) have something concrete to consume.
package config

import (
	"bytes"
	"encoding/json"
	"os"
	"time"

	"github.com/blockforge/blocksync/internal/telemetry"
	"github.com/blockforge/blocksync/pkg/log"
)

// PlainDiagramCells are the default, non-colored progress glyphs: done,
// dirty, unprocessed, both.
var PlainDiagramCells = [4]string{"#", "*", ".", "o"}

// ColorDiagramCells are the ANSI-colored equivalents, selected by the -C
// flag.
var ColorDiagramCells = [4]string{"\x1b[42m#", "\x1b[41m*", "\x1b[100m.", "\x1b[44mo"}

// Config carries the daemon/CLI's ambient runtime settings: where the
// kernel trace interface lives, how progress is rendered, and how large a
// trace ring buffer to request.
type Config struct {
	TracingPath              string           `json:"tracing_path"`
	SysPath                  string           `json:"sys_path"`
	TraceBufferSizeKB        int              `json:"trace_buffer_size_kb"`
	ProgressUpdatePeriod     time.Duration    `json:"progress_update_period"`
	ExclusiveProgressUpdates bool             `json:"exclusive_progress_updates"`
	MaxDiagramSize           int              `json:"max_diagram_size"`
	DiagramCells             [4]string        `json:"diagram_cells"`
	DiagramCellsReset        string           `json:"diagram_cells_reset"`
	Telemetry                telemetry.Config `json:"telemetry"`
}

// Keys is the process-wide Config, populated by Init and read thereafter.
// Mirrors the teacher's package-level "var Keys ... ; func Init" convention.
var Keys = Config{
	TracingPath:              "/sys/kernel/debug/tracing",
	SysPath:                  "/sys",
	TraceBufferSizeKB:        8192,
	ProgressUpdatePeriod:     10 * time.Second,
	ExclusiveProgressUpdates: false,
	MaxDiagramSize:           512,
	DiagramCells:             PlainDiagramCells,
	DiagramCellsReset:        "\x1b[0m",
}

// Init loads overrides for Keys from a JSON file at path, leaving defaults
// in place for any field the file doesn't mention. A missing file is not an
// error: it just means "use the defaults."
func Init(path string) error {
	if path == "" {
		return nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Warnf("config: %s does not exist, using defaults", path)
			return nil
		}
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&Keys); err != nil {
		return err
	}
	return nil
}
