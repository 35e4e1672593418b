// Copyright (C) 2024 blocksync contributors.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package copier

import (
	"github.com/blockforge/blocksync/internal/manage"
	"github.com/blockforge/blocksync/internal/tracker"
)

// handleTickets drains every management ticket currently pending, without
// blocking. Cancel/Pause/Resume mutate the run's control flags in place;
// Query answers with a progress snapshot; Start is rejected outright since
// a run is already in progress.
func handleTickets(mi *manage.Interface, manifest *manage.Manifest, jobs []*jobContext, cancelled, paused *bool) {
	if mi == nil {
		return
	}
	for {
		t, ok := mi.GetTicket()
		if !ok {
			return
		}
		t.Respond(respondTo(t.Request, manifest, jobs, cancelled, paused))
	}
}

func respondTo(req manage.Request, manifest *manage.Manifest, jobs []*jobContext, cancelled, paused *bool) manage.Response {
	switch req.Kind {
	case manage.ReqStart:
		return manage.Response{Kind: manage.ReqStart, Error: "a backup is already running"}
	case manage.ReqCancel:
		*cancelled = true
		return manage.Response{Kind: manage.ReqCancel}
	case manage.ReqPause:
		*paused = true
		return manage.Response{Kind: manage.ReqPause}
	case manage.ReqResume:
		*paused = false
		return manage.Response{Kind: manage.ReqResume}
	case manage.ReqQuery:
		return manage.Response{Kind: manage.ReqQuery, Query: &manage.Status{
			Kind: manage.StatusRunning,
			Running: &manage.RunStatus{
				Manifest: *manifest,
				Progress: buildProgress(jobs, req.QueryMaxDiagram),
				Paused:   *paused,
			},
		}}
	default:
		return manage.Response{Kind: req.Kind, Error: "unknown request kind"}
	}
}

func buildProgress(jobs []*jobContext, maxDiagram int) []manage.JobProgress {
	out := make([]manage.JobProgress, len(jobs))
	for i, jc := range jobs {
		count := jc.tracker.ChunkCount()
		detail := tracker.DisplayDetail(count, maxDiagram)
		out[i] = manage.JobProgress{
			Source:        jc.job.Source,
			ChunkCount:    count,
			Cells:         jc.tracker.SnapshotLevel(detail),
			ChunksPerCell: 1 << uint(detail),
		}
	}
	return out
}
