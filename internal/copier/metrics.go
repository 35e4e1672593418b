// Copyright (C) 2024 blocksync contributors.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package copier

import "github.com/prometheus/client_golang/prometheus"

// The Prometheus collectors the daemon exposes over /metrics while a copy
// is running. They are updated whether or not Register was called, so a
// run that never gets wired to a registry (e.g. the CLI's one-shot mode)
// uses them the same way.
var (
	chunksWrittenTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "blocksync",
		Name:      "chunks_written_total",
		Help:      "Total number of chunks written to any destination across all runs.",
	})
	chunksDirty = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "blocksync",
		Name:      "chunks_dirty",
		Help:      "Number of chunks still to be copied (dirty or not yet processed) at the last progress report, per job source.",
	}, []string{"job"})
	passCount = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "blocksync",
		Name:      "pass_count",
		Help:      "Number of convergence passes completed by the copier.",
	})
	lockState = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "blocksync",
		Name:      "lock_state",
		Help:      "Current auto-locker state (0=Unlocked,1=Locking,2=Locked,3=Unlocking,4=Cooldown).",
	})
)

// Register adds this package's collectors to reg. Called once by the
// daemon's main command; a CLI one-shot invocation may skip it.
func Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{chunksWrittenTotal, chunksDirty, passCount, lockState} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
