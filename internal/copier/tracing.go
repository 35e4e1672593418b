// Copyright (C) 2024 blocksync contributors.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package copier

import (
	"context"

	"github.com/blockforge/blocksync/internal/blktrace"
	"github.com/blockforge/blocksync/internal/config"
	"github.com/blockforge/blocksync/internal/device"
	"github.com/blockforge/blocksync/pkg/log"
)

// tracing bundles a live blk-trace ingester with the teardown it needs, or
// is the zero value when no job resolved to a traceable block device (e.g.
// every source is a plain file, as in tests) or the kernel trace interface
// couldn't be enabled (e.g. not running as root). Either way the run still
// makes progress: the first pass always treats every chunk as dirty via
// ChunkTracker's initial UNPROCESSED flag, tracing only matters for
// observing changes made *during* the run.
type tracing struct {
	ingester *blktrace.Ingester
	teardown func() error
}

// setupTracing enables kernel block tracing for every distinct whole disk
// backing a traceable job, best-effort: failure here is logged and the run
// proceeds without live change tracking rather than aborting.
func setupTracing(cfg *config.Config, jobs []*jobContext) tracing {
	var wholeDisks []*device.Device
	seen := make(map[uint32]bool)
	var targets []*blktrace.Target

	for i, jc := range jobs {
		if jc.topology == nil {
			continue
		}
		base := jc.topology.GetBaseDevice()
		if !seen[base.EventDev] {
			seen[base.EventDev] = true
			wholeDisks = append(wholeDisks, base)
		}
		targets = append(targets, &blktrace.Target{
			JobIndex:  i,
			Device:    jc.topology,
			ChunkSize: jc.job.ChunkSize,
			Tracker:   jc.tracker,
		})
	}

	if len(wholeDisks) == 0 {
		return tracing{}
	}

	session, err := blktrace.Setup(cfg.TracingPath, cfg.SysPath, cfg.TraceBufferSizeKB, wholeDisks)
	if err != nil {
		log.Warnf("copier: could not enable block tracing, falling back to full-rescan passes: %v", err)
		return tracing{}
	}

	ing := blktrace.NewIngester(session, targets)
	return tracing{
		ingester: ing,
		teardown: func() error {
			if err := ing.Close(context.Background()); err != nil {
				log.Warnf("copier: closing trace ingester: %v", err)
			}
			return session.Teardown()
		},
	}
}
