// Copyright (C) 2024 blocksync contributors.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package storage implements the on-disk backup backends: a byte-for-byte
// Raw store, a sparse numbered-chunk store with an optional skip/run
// index, a discarding Null store, and a Layered store that presents a
// chain of stores as one logical, top-layer-wins view.
package storage

import "github.com/blockforge/blocksync/internal/chunk"

// Storage is the common interface every backend implements. Chunk writes
// need not be ordered or complete; read_chunk has no ordering guarantee
// beyond what an individual implementation documents.
type Storage interface {
	// ReadChunk returns the next stored chunk, or (nil, nil) at end of
	// stream.
	ReadChunk() (*chunk.Chunk, error)
	// ReadChunkAt returns the chunk at chunkNumber if present.
	ReadChunkAt(chunkNumber int) (*chunk.Chunk, error)
	WriteChunk(c *chunk.Chunk) error
	// Commit finalizes the backup. Must be called exactly once.
	Commit() error
}

// Properties describes a store without opening it for reading/writing,
// enough to plan a layered chain.
type Properties struct {
	Size    uint64
	Indexed bool
}

// Index maps chunk numbers to byte offsets within a store's chunk data.
type Index interface {
	Replace(chunkNumber int, offset uint64)
	Lookup(chunkNumber int) (uint64, bool)
}

// ReservedOffset is the sentinel marking "no chunk here"; it is never a
// valid file offset.
const ReservedOffset = ^uint64(0)

func chunkCount(chunkSize int, size uint64) int {
	return chunk.Count(chunkSize, size)
}
