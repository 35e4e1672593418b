// Copyright (C) 2024 blocksync contributors.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package checksum implements the sparse checksum ledger: a per-chunk
// digest table that lets the backup driver decide, under each
// StoragePolicy, whether a chunk actually changed since the last run.
package checksum

import (
	"bufio"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/json"
	"fmt"
	"hash"
	"io"
	"os"

	"github.com/blockforge/blocksync/internal/chunk"
	"github.com/blockforge/blocksync/internal/storage"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/blake2s"
)

// chunkSource tracks where a chunk's current digest value came from.
type chunkSource int

const (
	sourceAbsent chunkSource = iota
	sourceHistoric
	sourceCurrent
)

// Diff classifies the result of RecordChunk.
type Diff int

const (
	// Replaced: the checksum has (possibly) been updated to a new value.
	Replaced Diff = iota
	// Unchanged: no change, and the reference checksum is from this run.
	Unchanged
	// Touched: no change, but the reference checksum is from a historic run.
	Touched
)

// ResolveAlgorithm returns a fresh hash.Hash for the requested
// (algorithm, digest size) pair, matching the original tool's supported
// truncated/full variants of sha256, sha512, blake2b, and blake2s.
func ResolveAlgorithm(name string, size int) (hash.Hash, error) {
	switch {
	case name == "sha256" && size == 28:
		return sha256.New224(), nil
	case name == "sha256" && size == 32:
		return sha256.New(), nil
	case name == "sha512" && size == 28:
		return sha512.New512_224(), nil
	case name == "sha512" && size == 32:
		return sha512.New512_256(), nil
	case name == "sha512" && size == 48:
		return sha512.New384(), nil
	case name == "sha512" && size == 64:
		return sha512.New(), nil
	case name == "blake2b":
		if size > 64 || size == 0 {
			return nil, fmt.Errorf("checksum: blake2b only supports sizes from 1 to 64 bytes inclusive")
		}
		return blake2b.New(size, nil)
	case name == "blake2s":
		if size > 32 || size == 0 {
			return nil, fmt.Errorf("checksum: blake2s only supports sizes from 1 to 32 bytes inclusive")
		}
		h, err := blake2s.New256(nil)
		if err != nil || size == 32 {
			return h, err
		}
		return truncatedHash{Hash: h, size: size}, nil
	default:
		return nil, fmt.Errorf("checksum: unknown checksum (algorithm, size) combo (%s, %d)", name, size)
	}
}

// truncatedHash keeps the first size bytes of a wider digest.
type truncatedHash struct {
	hash.Hash
	size int
}

func (h truncatedHash) Size() int { return h.size }

func (h truncatedHash) Sum(b []byte) []byte { return append(b, h.Hash.Sum(nil)[:h.size]...) }

// Ledger is an in-memory per-chunk digest table for one job.
type Ledger struct {
	path           string
	algorithmName  string
	checksumSize   int
	chunkSize      int
	chunkCount     int
	storagePolicy  string
	digest         hash.Hash
	sources        []chunkSource
	checksums      []byte
}

// New allocates a Ledger with every chunk initially Absent.
func New(path, algorithmName string, checksumSize, chunkSize, chunkCount int, storagePolicy string) (*Ledger, error) {
	digest, err := ResolveAlgorithm(algorithmName, checksumSize)
	if err != nil {
		return nil, err
	}
	return &Ledger{
		path:          path,
		algorithmName: algorithmName,
		checksumSize:  checksumSize,
		chunkSize:     chunkSize,
		chunkCount:    chunkCount,
		storagePolicy: storagePolicy,
		digest:        digest,
		sources:       make([]chunkSource, chunkCount),
		checksums:     make([]byte, checksumSize*chunkCount),
	}, nil
}

func (l *Ledger) Algorithm() string  { return l.algorithmName }
func (l *Ledger) ChecksumSize() int  { return l.checksumSize }
func (l *Ledger) ChunkSize() int     { return l.chunkSize }
func (l *Ledger) ChunkCount() int    { return l.chunkCount }

func (l *Ledger) slice(chunkNumber int) []byte {
	return l.checksums[chunkNumber*l.checksumSize : (chunkNumber+1)*l.checksumSize]
}

// MergeChunk sets a chunk's checksum for pre-backup initialization from a
// prior run's ledger. Out-of-range chunk numbers are ignored.
func (l *Ledger) MergeChunk(chunkNumber int, digest []byte) {
	if chunkNumber >= l.chunkCount {
		return
	}
	if len(digest) != l.checksumSize {
		panic("checksum: merge checksum has incorrect size")
	}
	copy(l.slice(chunkNumber), digest)
	l.sources[chunkNumber] = sourceHistoric
}

// RecordChunk hashes chunk and records its digest, returning how it
// compares to whatever digest was already on file for that chunk number.
func (l *Ledger) RecordChunk(c *chunk.Chunk) (Diff, error) {
	chunkNumber, err := chunk.OffsetToChunkNumber(c.Offset, l.chunkSize, uint64(l.chunkCount)*uint64(l.chunkSize))
	if err != nil {
		return Replaced, err
	}

	l.digest.Reset()
	l.digest.Write(c.Data)
	workChecksum := l.digest.Sum(nil)[:l.checksumSize]

	sourceWas := l.sources[chunkNumber]
	dest := l.slice(chunkNumber)
	l.sources[chunkNumber] = sourceCurrent

	if sourceWas == sourceAbsent || !bytesEqual(workChecksum, dest) {
		copy(dest, workChecksum)
		return Replaced, nil
	}
	switch sourceWas {
	case sourceCurrent:
		return Unchanged, nil
	case sourceHistoric:
		return Touched, nil
	default:
		return Replaced, fmt.Errorf("checksum: unreachable source state for chunk %d", chunkNumber)
	}
}

// fileHeader is the JSON header of a SparseChecksums file (§6 of the
// expanded specification).
type fileHeader struct {
	ChecksumAlgorithm string `json:"checksum_algorithm"`
	ChecksumSize      int    `json:"checksum_size"`
	ChunkSize         int    `json:"chunk_size"`
	ChunkCount        int    `json:"chunk_count"`
	StoragePolicy     string `json:"storage_policy"`
	Format            string `json:"format"`
}

const formatName = "SparseChecksums"

// Commit writes the ledger to its sparse checksum file. A Volatile
// storage policy is a no-op: no checksum is considered worth keeping
// across runs. A Full policy saves every known checksum (current and
// historic); Incremental only saves checksums recorded this run, since a
// Full checksum elsewhere in the chain already covers everything else.
func (l *Ledger) Commit() error {
	if l.storagePolicy == "Volatile" {
		return nil
	}
	saveHistoric := l.storagePolicy == "Full"

	f, err := os.Create(l.path)
	if err != nil {
		return fmt.Errorf("checksum: opening %s for commit: %w", l.path, err)
	}
	defer f.Close()

	header := fileHeader{
		ChecksumAlgorithm: l.algorithmName,
		ChecksumSize:      l.checksumSize,
		ChunkSize:         l.chunkSize,
		ChunkCount:        l.chunkCount,
		StoragePolicy:     l.storagePolicy,
		Format:            formatName,
	}
	if err := json.NewEncoder(f).Encode(header); err != nil {
		return fmt.Errorf("checksum: writing header to %s: %w", l.path, err)
	}

	shouldSave := func(position uint64) (bool, error) {
		switch l.sources[position] {
		case sourceAbsent:
			return false, nil
		case sourceHistoric:
			return saveHistoric, nil
		default:
			return true, nil
		}
	}
	writePayload := func(w io.Writer, position uint64) error {
		_, err := w.Write(l.slice(int(position)))
		return err
	}
	if err := storage.WriteSkipRun(f, uint64(l.chunkCount), writePayload, shouldSave); err != nil {
		return fmt.Errorf("checksum: writing skip/run data to %s: %w", l.path, err)
	}
	return nil
}

// Load merges a SparseChecksums file at path into the ledger, matching
// entries in by chunk number. Merged entries become Historic. The file's
// (algorithm, size, chunk_size) must match the ledger's; chunk_count
// mismatches are tolerated with a caller-visible warning responsibility
// (the mismatch itself is not fatal, matching the original tool).
func (l *Ledger) Load(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("checksum: opening %s: %w", path, err)
	}
	defer f.Close()

	var header fileHeader
	dec := json.NewDecoder(f)
	if err := dec.Decode(&header); err != nil {
		return fmt.Errorf("checksum: decoding header of %s: %w", path, err)
	}
	if header.Format != formatName {
		return fmt.Errorf("checksum: %s is not a SparseChecksums file", path)
	}
	if header.ChecksumAlgorithm != l.algorithmName {
		return fmt.Errorf("checksum: %s uses a different checksum algorithm", path)
	}
	if header.ChecksumSize != l.checksumSize {
		return fmt.Errorf("checksum: %s uses a different checksum size", path)
	}
	if header.ChunkSize != l.chunkSize {
		return fmt.Errorf("checksum: %s uses a different chunk size", path)
	}

	body := bufio.NewReader(io.MultiReader(dec.Buffered(), f))
	// Commit's json.Encoder ends the header with a newline.
	if b, err := body.Peek(1); err == nil && b[0] == '\n' {
		body.Discard(1)
	}
	buf := make([]byte, l.checksumSize)
	onPresent := func(r io.Reader, position uint64) error {
		if _, err := io.ReadFull(r, buf); err != nil {
			return fmt.Errorf("checksum: reading digest from %s: %w", path, err)
		}
		l.MergeChunk(int(position), buf)
		return nil
	}
	if err := storage.ReadSkipRun(body, uint64(header.ChunkCount), onPresent); err != nil {
		return fmt.Errorf("checksum: reading skip/run data from %s: %w", path, err)
	}
	return nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
