// Copyright (C) 2024 blocksync contributors.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package taskrunner wraps the daemon's own ambient scheduled work, as
// opposed to the backup convergence loop itself: a periodic systemd
// watchdog heartbeat, and an idle-state progress line so a long-lived
// daemon with nothing running still proves it's alive in the logs.
package taskrunner

import (
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/blockforge/blocksync/internal/runtimeenv"
	"github.com/blockforge/blocksync/pkg/log"
)

// Frequency configures the runner's background job intervals. A zero
// value for either field falls back to its default.
type Frequency struct {
	WatchdogInterval time.Duration
	IdleLogInterval  time.Duration
}

const (
	defaultWatchdogInterval = 15 * time.Second
	defaultIdleLogInterval  = 5 * time.Minute
)

// Runner owns a gocron scheduler for the daemon's ambient jobs. The
// backup convergence loop's own progress reporting is unrelated and
// lives in internal/copier; Runner only covers work that needs to
// happen regardless of whether a backup is currently running.
type Runner struct {
	sched   gocron.Scheduler
	running func() bool
}

// Start creates and starts a Runner. running is polled by the idle-log
// job to decide whether to emit its "daemon idle" line; pass a function
// that reports whether a backup is currently in progress.
func Start(freq Frequency, running func() bool) (*Runner, error) {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}

	r := &Runner{sched: sched, running: running}

	watchdogInterval := freq.WatchdogInterval
	if watchdogInterval <= 0 {
		watchdogInterval = defaultWatchdogInterval
	}
	if _, err := sched.NewJob(
		gocron.DurationJob(watchdogInterval),
		gocron.NewTask(runtimeenv.Watchdog),
	); err != nil {
		return nil, err
	}

	idleInterval := freq.IdleLogInterval
	if idleInterval <= 0 {
		idleInterval = defaultIdleLogInterval
	}
	if _, err := sched.NewJob(
		gocron.DurationJob(idleInterval),
		gocron.NewTask(r.logIdle),
	); err != nil {
		return nil, err
	}

	sched.Start()
	log.Infof("taskrunner: started (watchdog every %s, idle log every %s)", watchdogInterval, idleInterval)
	return r, nil
}

func (r *Runner) logIdle() {
	if r.running != nil && r.running() {
		return
	}
	log.Infof("taskrunner: daemon idle, no backup in progress")
}

// Shutdown stops the scheduler. Safe to call on a nil Runner.
func (r *Runner) Shutdown() error {
	if r == nil {
		return nil
	}
	return r.sched.Shutdown()
}
