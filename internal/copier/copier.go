// Copyright (C) 2024 blocksync contributors.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package copier implements the convergence loop (component I): the
// top-level pass that opens every job's source and destination, drives
// chunks from dirty trackers through a bounded write queue to the writer
// goroutine (component J), and coordinates with the lock orchestrator and
// management interface between passes.
package copier

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"time"

	"github.com/blockforge/blocksync/internal/backup"
	"github.com/blockforge/blocksync/internal/config"
	"github.com/blockforge/blocksync/internal/lock"
	"github.com/blockforge/blocksync/internal/manage"
	"github.com/blockforge/blocksync/internal/state"
	"github.com/blockforge/blocksync/internal/telemetry"
	"github.com/blockforge/blocksync/internal/tracker"
	"github.com/blockforge/blocksync/pkg/log"
)

// writeQueueDepth mirrors the original's bounded write_queue of size 4.
const writeQueueDepth = 4

// errCancelled is returned by convergenceLoop when a management Cancel
// ticket was processed. Per the cancellation contract, a cancelled run
// never commits its destinations or records Success.
var errCancelled = fmt.Errorf("copier: cancelled by management request")

// Run executes one backup invocation end to end: it builds a State for
// manifest, opens every job, and runs the consistency loop until every
// source chunk has been copied at least once since its last change while
// the configured locks were held (or forever, until cancelled). The
// returned State always reflects the final health, even on error. tel
// may be nil, in which case milestones are simply not published.
func Run(ctx context.Context, cfg *config.Config, manifest *manage.Manifest, mi *manage.Interface, tel *telemetry.Publisher) (*state.State, error) {
	st, err := state.New(manifest.StorePath, manifest.StatePath, manifest.ParentStatePath, manifest.Jobs)
	if err != nil {
		return nil, fmt.Errorf("copier: %w", err)
	}

	jobs, err := openJobs(cfg, manifest, st)
	if err != nil {
		publishMilestone(tel, manifest, state.Failure, err.Error())
		if merr := st.Milestone(state.Failure, err.Error()); merr != nil {
			log.Errorf("copier: recording failure milestone: %v", merr)
		}
		return st, err
	}
	defer closeJobs(jobs)

	tr := setupTracing(cfg, jobs)
	if tr.teardown != nil {
		defer func() {
			if err := tr.teardown(); err != nil {
				log.Errorf("copier: tracing teardown: %v", err)
			}
		}()
	}

	traceCtx, traceCancel := context.WithCancel(ctx)
	defer traceCancel()
	if tr.ingester != nil {
		go func() {
			if err := tr.ingester.Run(traceCtx); err != nil && traceCtx.Err() == nil {
				log.Errorf("copier: trace ingester stopped unexpectedly: %v", err)
			}
		}()
	}

	drivers := make([]*backup.Driver, len(jobs))
	for i, jc := range jobs {
		drivers[i] = jc.driver
	}

	writeQueue := make(chan writeJob, writeQueueDepth)
	writerDone := make(chan error, 1)
	go func() { writerDone <- runWriter(drivers, writeQueue) }()

	locker := lock.New(manifest.Locks(), manifest.LockTimeLimit, manifest.LockCooldown)
	defer locker.Stop()

	runErr := convergenceLoop(ctx, cfg, manifest, mi, jobs, locker, tr, writeQueue)

	close(writeQueue)
	if werr := <-writerDone; werr != nil && runErr == nil {
		runErr = werr
	}

	if errors.Is(runErr, errCancelled) {
		// Clean cancellation: no commit to persistent state, the state
		// file is left exactly as the last milestone recorded it.
		return st, runErr
	}

	for i, jc := range jobs {
		if err := jc.driver.Commit(); err != nil {
			log.Errorf("copier: committing job %d (%s): %v", i, jc.job.Source, err)
			if runErr == nil {
				runErr = err
			}
		}
	}

	st.MarkFinished()
	health, desc := state.Success, "backup complete"
	if runErr != nil {
		health, desc = state.Failure, runErr.Error()
	}
	publishMilestone(tel, manifest, health, desc)
	if err := st.Milestone(health, desc); err != nil {
		log.Errorf("copier: recording final milestone: %v", err)
	}

	return st, runErr
}

func convergenceLoop(ctx context.Context, cfg *config.Config, manifest *manage.Manifest, mi *manage.Interface, jobs []*jobContext, locker *lock.AutoLocker, tr tracing, writeQueue chan<- writeJob) error {
	totalChunks := 0
	for _, jc := range jobs {
		totalChunks += jc.tracker.ChunkCount()
	}
	displayDetail := tracker.DisplayDetail(totalChunks, cfg.MaxDiagramSize)

	var (
		totalWrites  int
		firstGo      = true
		consistent   = false
		cancelled    = false
		paused       = false
		lastProgress = time.Now()
	)

	for !consistent {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		locked := false
		if !firstGo {
			status := locker.Check()
			lockState.Set(float64(status))
			locked = status == lock.Locked
		}
		shouldSync := firstGo || (locked && manifest.DoSync)
		if shouldSync {
			syscall.Sync()
			if tr.ingester != nil {
				if err := tr.ingester.RequestSync(ctx); err != nil {
					return fmt.Errorf("copier: requesting trace sync: %w", err)
				}
			}
		}
		consistent = locked

		stillCopying := true
		for stillCopying {
			stillCopying = false
			for jobIndex, jc := range jobs {
				hasIndex := false
				findIndex := 0

				for {
					if paused {
						time.Sleep(10 * time.Millisecond)
						handleTickets(mi, manifest, jobs, &cancelled, &paused)
						if cancelled {
							return errCancelled
						}
						continue
					}

					var next int
					var ok bool
					if !hasIndex {
						next, ok = jc.tracker.FindNext(0)
					} else {
						next, ok = jc.tracker.FindNext(findIndex)
					}
					if !ok {
						break
					}
					findIndex = next
					hasIndex = true
					stillCopying = true
					consistent = false

					jc.tracker.ClearChunk(next)
					c, err := jc.source.GetChunk(uint64(next)*uint64(jc.job.ChunkSize), jc.job.ChunkSize)
					if err != nil {
						return fmt.Errorf("copier: reading job %d chunk %d: %w", jobIndex, next, err)
					}
					msg := writeJob{jobIndex: jobIndex, chunk: &c}

					for {
						handleTickets(mi, manifest, jobs, &cancelled, &paused)
						if cancelled {
							return errCancelled
						}
						select {
						case writeQueue <- msg:
							totalWrites++
							chunksWrittenTotal.Inc()
						default:
							time.Sleep(time.Millisecond)
							continue
						}
						break
					}

					if time.Since(lastProgress) >= cfg.ProgressUpdatePeriod {
						reportProgress(cfg, jobs, displayDetail, totalWrites)
						lastProgress = time.Now()
					}
				}
			}
		}
		firstGo = false
		passCount.Inc()
	}

	log.Infof("copier: copy complete, %d chunk writes of %d chunks total", totalWrites, totalChunks)
	return nil
}

func publishMilestone(tel *telemetry.Publisher, manifest *manage.Manifest, health state.Health, desc string) {
	if tel == nil {
		return
	}
	for _, job := range manifest.Jobs {
		tel.Publish(telemetry.MilestoneEvent{
			JobSource:   job.Source,
			Health:      health,
			Description: desc,
			Time:        time.Now(),
		})
	}
}

func reportProgress(cfg *config.Config, jobs []*jobContext, detail, totalWrites int) {
	for _, jc := range jobs {
		log.Infof("copier: %s: %d chunks, chunk size %d%s", jc.job.Source, jc.tracker.ChunkCount(), jc.job.ChunkSize,
			jc.tracker.SummaryReport(detail, cfg.DiagramCells, cfg.DiagramCellsReset))

		dirty := 0
		for _, cell := range jc.tracker.SnapshotLevel(0) {
			if cell != 0 {
				dirty++
			}
		}
		chunksDirty.WithLabelValues(jc.job.Source).Set(float64(dirty))
	}
	log.Infof("copier: chunk writes so far: %d", totalWrites)
}
