// Copyright (C) 2024 blocksync contributors.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package storage

import (
	"fmt"

	"github.com/blockforge/blocksync/internal/chunk"
)

// NullStorage discards writes and rejects reads. Used only with
// StoragePolicy=Volatile, and as the inert top layer of a read-only
// layered view.
type NullStorage struct{}

func NewNull() *NullStorage { return &NullStorage{} }

func (*NullStorage) ReadChunk() (*chunk.Chunk, error) {
	return nil, fmt.Errorf("storage: attempt to read from null storage")
}

func (*NullStorage) ReadChunkAt(int) (*chunk.Chunk, error) {
	return nil, fmt.Errorf("storage: attempt to read from null storage")
}

func (*NullStorage) WriteChunk(*chunk.Chunk) error { return nil }

func (*NullStorage) Commit() error { return nil }
