// Copyright (C) 2024 blocksync contributors.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package copier

import (
	"fmt"

	"github.com/blockforge/blocksync/internal/backup"
	"github.com/blockforge/blocksync/internal/chunk"
)

// writeJob is one (job_index, Chunk) pair crossing the write queue.
type writeJob struct {
	jobIndex int
	chunk    *chunk.Chunk
}

// runWriter is the single-consumer writer (component J): it drains
// writeQueue until the producer closes it, dispatching each chunk to its
// job's backup driver in FIFO order. A write error is fatal to the run, the
// same "writer thread dies, copier panics on next send" contract the
// original gives, realized here as a returned error the caller propagates
// instead of a panic.
func runWriter(drivers []*backup.Driver, writeQueue <-chan writeJob) error {
	for wj := range writeQueue {
		if err := drivers[wj.jobIndex].ProcessChunk(wj.chunk); err != nil {
			return fmt.Errorf("copier: writer: job %d: %w", wj.jobIndex, err)
		}
	}
	return nil
}
