// Copyright (C) 2024 blocksync contributors.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package storage

import (
	"fmt"

	"github.com/blockforge/blocksync/internal/chunk"
)

// LayeredStorage presents a stack of stores — a top, possibly-writable
// layer plus zero or more read-only parent layers — as a single logical
// store, with the top layer winning for any chunk it owns. It does not
// build the layer stack itself, and no package in this module builds one
// from a state chain: internal/backup opens a single store per job.
type LayeredStorage struct {
	chunkCount int
	nextChunk  int
	index      *SharedIndex
	layers     []Storage
}

// NewLayered wraps an already-built layer stack. layers[0] is the
// (possibly Null) top layer that WriteChunk and Commit apply to.
func NewLayered(chunkCount int, index *SharedIndex, layers []Storage) (*LayeredStorage, error) {
	if len(layers) == 0 {
		return nil, fmt.Errorf("storage: layered store needs at least one layer")
	}
	return &LayeredStorage{chunkCount: chunkCount, index: index, layers: layers}, nil
}

func (l *LayeredStorage) ReadChunk() (*chunk.Chunk, error) {
	for l.nextChunk < l.chunkCount {
		if _, _, ok := l.index.LookupLayer(l.nextChunk); ok {
			break
		}
		l.nextChunk++
	}
	if l.nextChunk == l.chunkCount {
		return nil, nil
	}
	return l.ReadChunkAt(l.nextChunk)
}

func (l *LayeredStorage) ReadChunkAt(chunkNumber int) (*chunk.Chunk, error) {
	layer, _, ok := l.index.LookupLayer(chunkNumber)
	if !ok {
		return nil, nil
	}
	l.nextChunk = chunkNumber + 1
	return l.layers[layer].ReadChunkAt(chunkNumber)
}

func (l *LayeredStorage) WriteChunk(c *chunk.Chunk) error {
	// The top layer is either Null (which discards the write) or a sparse
	// store that updates the shared index on write.
	return l.layers[0].WriteChunk(c)
}

func (l *LayeredStorage) Commit() error {
	return l.layers[0].Commit()
}
