// Copyright (C) 2024 blocksync contributors.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package blktrace

import (
	"context"
	"fmt"
	"time"

	"github.com/joeycumines/go-microbatch"

	"github.com/blockforge/blocksync/internal/device"
	"github.com/blockforge/blocksync/internal/tracker"
	"github.com/blockforge/blocksync/pkg/log"
)

// Target binds one configured job's tracker to the device range (whole
// disk or partition) it watches.
type Target struct {
	JobIndex  int
	Device    *device.Device
	ChunkSize int
	Tracker   *tracker.ChunkTracker
}

type chunkMark struct {
	target *Target
	chunk  int
}

// Ingester drains blk-trace events for a set of whole-disk devices and
// fans write events out to every configured Target whose sector range
// contains the event.
type Ingester struct {
	session    *session
	byEventDev map[uint32][]*Target
	batcher    *microbatch.Batcher[chunkMark]
	syncReqs   chan chan struct{}
}

// NewIngester groups targets by the event_dev of their whole-disk ancestor
// and starts a batcher that applies marks to each target's tracker.
func NewIngester(s *session, targets []*Target) *Ingester {
	byEventDev := make(map[uint32][]*Target)
	for _, t := range targets {
		base := t.Device.GetBaseDevice()
		byEventDev[base.EventDev] = append(byEventDev[base.EventDev], t)
	}

	ing := &Ingester{
		session:    s,
		byEventDev: byEventDev,
		syncReqs:   make(chan chan struct{}, 1),
	}
	ing.batcher = microbatch.NewBatcher[chunkMark](
		&microbatch.BatcherConfig{MaxSize: 256, FlushInterval: 10 * time.Millisecond},
		func(_ context.Context, marks []chunkMark) error {
			for _, m := range marks {
				m.target.Tracker.MarkChunk(m.chunk)
			}
			return nil
		},
	)
	return ing
}

// Close shuts the batcher down, flushing any pending marks.
func (ing *Ingester) Close(ctx context.Context) error {
	return ing.batcher.Shutdown(ctx)
}

// RequestSync blocks until the ingester confirms it has drained the pipe
// of everything that was available at the time of the request, giving the
// caller the right to assume all pre-sync writes have been observed.
func (ing *Ingester) RequestSync(ctx context.Context) error {
	done := make(chan struct{})
	select {
	case ing.syncReqs <- done:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run is the ingester's single cooperative loop: poll for a sync request,
// else try to consume one event (1ms poll), yielding when idle.
func (ing *Ingester) Run(ctx context.Context) error {
	buf := make([]byte, recordSize)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case done := <-ing.syncReqs:
			log.Debug("blktrace: syncing")
			for ing.consumeOne(ctx, buf) {
			}
			close(done)
			continue
		default:
		}

		if !ing.consumeOne(ctx, buf) {
			time.Sleep(time.Millisecond)
		}
	}
}

// consumeOne reads and dispatches a single event, returning false if
// nothing was available.
func (ing *Ingester) consumeOne(ctx context.Context, buf []byte) bool {
	n, err := ing.session.PipeFile().Read(buf)
	if err != nil || n == 0 {
		return false
	}
	if n != len(buf) {
		log.Warnf("blktrace: short read from trace pipe: got %d of %d bytes", n, len(buf))
		return false
	}

	ev, err := decodeEvent(buf)
	if err != nil {
		log.Errorf("blktrace: %v", err)
		return false
	}

	if ev.PduLen > 0 {
		discard := make([]byte, ev.PduLen)
		if _, err := ing.session.PipeFile().Read(discard); err != nil {
			log.Errorf("blktrace: discarding pdu: %v", err)
		}
	}

	if !isWriteQueue(ev) {
		return true
	}

	ing.dispatch(ctx, ev)
	return true
}

// dispatch fans a write event out to every configured target whose
// device range contains it, marking the affected chunks. A whole-disk
// target and a partition on it may both match, and both are marked.
func (ing *Ingester) dispatch(ctx context.Context, ev BlkEvent) {
	targets, ok := ing.byEventDev[ev.Device]
	if !ok {
		return
	}

	firstByte := ev.Sector * 512
	lastByte := firstByte + uint64(ev.Bytes) - 1

	for _, t := range targets {
		if firstByte < t.Device.StartSector*512 || firstByte >= t.Device.EndSector*512 {
			continue
		}
		relFirst := firstByte - t.Device.StartSector*512
		relLast := lastByte - t.Device.StartSector*512
		span := t.Device.EndSector*512 - t.Device.StartSector*512
		if relLast >= span {
			log.Warnf("blktrace: event on device %d:%d extends past its tracked span, clamping", t.Device.Major, t.Device.Minor)
			relLast = span - 1
		}

		firstChunk := int(relFirst / uint64(t.ChunkSize))
		lastChunk := int(relLast / uint64(t.ChunkSize))
		for c := firstChunk; c <= lastChunk; c++ {
			if _, err := ing.batcher.Submit(ctx, chunkMark{target: t, chunk: c}); err != nil {
				log.Errorf("blktrace: submitting chunk mark: %v", err)
				return
			}
		}
	}
}

// SetupAndRun is the convenience entry point cmd/blocksyncd wires up:
// enable tracing for wholeDisks, run until ctx is canceled, then restore
// kernel state unconditionally.
func SetupAndRun(ctx context.Context, tracingPath, sysPath string, bufferSizeKB int, wholeDisks []*device.Device, targets []*Target) error {
	s, err := Setup(tracingPath, sysPath, bufferSizeKB, wholeDisks)
	if err != nil {
		return fmt.Errorf("blktrace: setup: %w", err)
	}
	defer func() {
		if err := s.Teardown(); err != nil {
			log.Errorf("blktrace: teardown: %v", err)
		}
	}()

	ing := NewIngester(s, targets)
	defer ing.Close(context.Background())

	return ing.Run(ctx)
}
