// Copyright (C) 2024 blocksync contributors.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package copier

import (
	"fmt"

	"github.com/blockforge/blocksync/internal/backup"
	"github.com/blockforge/blocksync/internal/chunk"
	"github.com/blockforge/blocksync/internal/config"
	"github.com/blockforge/blocksync/internal/device"
	"github.com/blockforge/blocksync/internal/manage"
	"github.com/blockforge/blocksync/internal/state"
	"github.com/blockforge/blocksync/internal/tracker"
	"github.com/blockforge/blocksync/pkg/log"
)

// jobContext bundles one manifest job with everything opening it produced:
// the source device, its backup driver, its dirty-chunk tracker, and (when
// the source resolves to a real block device under cfg.SysPath) the
// topology blktrace needs to watch it.
type jobContext struct {
	job      state.Job
	source   *device.File
	driver   *backup.Driver
	tracker  *tracker.ChunkTracker
	topology *device.Device // nil if this source isn't traceable
}

// openJobs opens every source/destination pair named in manifest, against
// state st. On any failure it closes everything already opened before
// returning the error, so a half-open run never leaks file descriptors.
func openJobs(cfg *config.Config, manifest *manage.Manifest, st *state.State) ([]*jobContext, error) {
	jobs := make([]*jobContext, 0, len(manifest.Jobs))

	closeAll := func() {
		for _, jc := range jobs {
			if err := jc.source.Close(); err != nil {
				log.Warnf("copier: closing source %s: %v", jc.source.Path(), err)
			}
		}
	}

	for _, job := range st.Jobs {
		src, err := device.OpenFile(job.Source)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("copier: opening source %s: %w", job.Source, err)
		}

		driver, err := backup.New(job, src.Size(), st)
		if err != nil {
			src.Close()
			closeAll()
			return nil, fmt.Errorf("copier: building backup driver for %s: %w", job.Source, err)
		}

		count := chunk.Count(job.ChunkSize, src.Size())
		jc := &jobContext{
			job:     job,
			source:  src,
			driver:  driver,
			tracker: tracker.New(count),
		}

		if topo, err := device.FromPath(cfg.SysPath, job.Source); err != nil {
			log.Warnf("copier: %s is not a traceable block device, change tracking disabled for it: %v", job.Source, err)
		} else {
			jc.topology = topo
		}

		jobs = append(jobs, jc)
	}

	return jobs, nil
}

func closeJobs(jobs []*jobContext) {
	for _, jc := range jobs {
		if err := jc.source.Close(); err != nil {
			log.Warnf("copier: closing source %s: %v", jc.source.Path(), err)
		}
	}
}
