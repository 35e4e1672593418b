// Copyright (C) 2024 blocksync contributors.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package backup implements the per-job policy driver (component H):
// given a Job and the State chain it belongs to, it materialises a
// (Storage, Checksums, write-gates) triple and exposes ProcessChunk/Commit
// as the copier's single write entry point.
package backup

import (
	"fmt"

	"github.com/blockforge/blocksync/internal/checksum"
	"github.com/blockforge/blocksync/internal/chunk"
	"github.com/blockforge/blocksync/internal/state"
	"github.com/blockforge/blocksync/internal/storage"
)

// Driver glues one job's storage backend and checksum ledger together
// with the write gates its storage policy implies.
type Driver struct {
	job     state.Job
	store   storage.Storage
	ledger  *checksum.Ledger // nil if the job has no checksum configured
	writeIf [3]bool          // indexed by checksum.Diff
}

// New builds a Driver for job within st (the State the job belongs to,
// already past Setup). size is the source device's byte size.
func New(job state.Job, size uint64, st *state.State) (*Driver, error) {
	chunkCount := chunk.Count(job.ChunkSize, size)

	store, err := openStorage(job, size, st)
	if err != nil {
		return nil, err
	}

	var ledger *checksum.Ledger
	trustChecksums := false
	if job.Checksum != nil {
		ledger, err = checksum.New(
			st.StoredPath(job.Checksum.Destination),
			job.Checksum.Algorithm,
			job.Checksum.Size,
			job.ChunkSize,
			chunkCount,
			string(job.Checksum.StoragePolicy),
		)
		if err != nil {
			return nil, err
		}
		trustChecksums = job.Checksum.Trust

		if job.Storage.StoragePolicy == state.Incremental {
			if err := loadChecksumChain(ledger, job, st); err != nil {
				return nil, err
			}
		}
	} else {
		ledger = nil
	}

	var writeIf [3]bool
	switch job.Storage.StoragePolicy {
	case state.Full:
		writeIf[checksum.Unchanged] = !trustChecksums
		writeIf[checksum.Touched] = true
		writeIf[checksum.Replaced] = true
	case state.Incremental:
		if !trustChecksums {
			return nil, fmt.Errorf("backup: incremental backups cannot be performed without trustable checksums")
		}
		writeIf[checksum.Replaced] = true
	case state.Volatile:
		// every entry already false
	default:
		return nil, fmt.Errorf("backup: unknown storage policy %q", job.Storage.StoragePolicy)
	}

	return &Driver{job: job, store: store, ledger: ledger, writeIf: writeIf}, nil
}

func openStorage(job state.Job, size uint64, st *state.State) (storage.Storage, error) {
	dest := st.StoredPath(job.Storage.Destination)
	switch job.Storage.Format {
	case "raw":
		if job.Storage.StoragePolicy != state.Full {
			return nil, fmt.Errorf("backup: raw storage format only supports the Full storage policy, not %s", job.Storage.StoragePolicy)
		}
		if job.ReuseOutput {
			return storage.UseRaw(dest, size, job.ChunkSize, true)
		}
		return storage.CreateRaw(dest, size, job.ChunkSize)
	case "sparse":
		switch job.Storage.StoragePolicy {
		case state.Full, state.Incremental:
		default:
			return nil, fmt.Errorf("backup: sparse storage format only supports Full and Incremental storage policies, not %s", job.Storage.StoragePolicy)
		}
		var index storage.Index
		if job.Storage.SaveIndex {
			index = storage.NewDedicatedIndex(chunk.Count(job.ChunkSize, size))
		}
		params := storage.Parameters{SaveIndex: job.Storage.SaveIndex, AppendOnly: job.Storage.AppendOnly, Optimize: job.Storage.Optimize}
		return storage.CreateSparse(dest, size, job.ChunkSize, params, index)
	case "null":
		if job.Storage.StoragePolicy != state.Volatile {
			return nil, fmt.Errorf("backup: null storage only supports the Volatile storage policy, not %s", job.Storage.StoragePolicy)
		}
		return storage.NewNull(), nil
	default:
		return nil, fmt.Errorf("backup: unknown storage format %q", job.Storage.Format)
	}
}

// loadChecksumChain walks st's ancestor chain oldest-to-newest, building
// the longest trailing run of compatible, trustable checksum files and
// merging them in order so later (more recent) entries win.
func loadChecksumChain(ledger *checksum.Ledger, job state.Job, st *state.State) error {
	var chain []string
	for _, historical := range st.History() {
		historicalJob := historical.SourceToJob(job.Source)
		hc := historicalJob.Checksum
		switch {
		case hc == nil:
			chain = nil
		case !hc.Trust || hc.Algorithm != job.Checksum.Algorithm || hc.Size != job.Checksum.Size:
			chain = nil
		case hc.StoragePolicy == state.Full:
			chain = []string{historical.StoredPath(hc.Destination)}
		case hc.StoragePolicy == state.Incremental:
			chain = append(chain, historical.StoredPath(hc.Destination))
		case hc.StoragePolicy == state.Volatile:
			chain = nil
		}
	}
	for _, path := range chain {
		if err := ledger.Load(path); err != nil {
			return err
		}
	}
	return nil
}

// ProcessChunk records chunk's checksum (if configured) and conditionally
// dispatches it to storage based on the resulting diff and this job's
// storage policy.
func (d *Driver) ProcessChunk(c *chunk.Chunk) error {
	diff := checksum.Replaced
	if d.ledger != nil {
		var err error
		diff, err = d.ledger.RecordChunk(c)
		if err != nil {
			return err
		}
	}
	if d.writeIf[diff] {
		return d.store.WriteChunk(c)
	}
	return nil
}

// Commit flushes the checksum ledger first and then the storage backend;
// it stops at the first error.
func (d *Driver) Commit() error {
	if d.ledger != nil {
		if err := d.ledger.Commit(); err != nil {
			return err
		}
	}
	return d.store.Commit()
}

// Destination returns the job's configured storage destination path.
func (d *Driver) Destination() string { return d.job.Storage.Destination }
