// Copyright (C) 2024 blocksync contributors.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// File format: a byte-for-byte copy of a block device, with no additional
// data of any kind.

package storage

import (
	"fmt"
	"os"

	"github.com/blockforge/blocksync/internal/chunk"
)

// RawStorage is a byte-for-byte image backend. Chunk k lives at offset
// k*chunkSize. Only StoragePolicy=Full uses it.
type RawStorage struct {
	path      string
	file      *os.File
	size      uint64
	chunkSize int
	writeable bool
	readPos   uint64
}

// CreateRaw creates and pre-allocates a new raw backup file.
func CreateRaw(path string, size uint64, chunkSize int) (*RawStorage, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("storage: creating raw backup %s: %w", path, err)
	}
	if err := f.Truncate(int64(size)); err != nil {
		fmt.Printf("storage: warning: could not pre-allocate raw backup %s: %v\n", path, err)
	}
	return &RawStorage{path: path, file: f, size: size, chunkSize: chunkSize, writeable: true}, nil
}

// UseRaw opens an existing raw file for reuse; it must already be at
// least size bytes long.
func UseRaw(path string, size uint64, chunkSize int, writeable bool) (*RawStorage, error) {
	flag := os.O_RDONLY
	if writeable {
		flag = os.O_RDWR
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, fmt.Errorf("storage: opening raw backup %s: %w", path, err)
	}
	existingSize, err := f.Seek(0, os.SEEK_END)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("storage: determining size of %s: %w", path, err)
	}
	if uint64(existingSize) < size {
		f.Close()
		return nil, fmt.Errorf("storage: existing backup %s is not large enough", path)
	}
	return &RawStorage{path: path, file: f, size: size, chunkSize: chunkSize, writeable: writeable}, nil
}

func (s *RawStorage) Path() string { return s.path }

func (s *RawStorage) ReadChunk() (*chunk.Chunk, error) {
	if s.readPos == s.size {
		return nil, nil
	}
	size, err := chunk.OffsetToChunkSize(s.readPos, s.chunkSize, s.size)
	if err != nil {
		return nil, err
	}
	data := make([]byte, size)
	if _, err := s.file.ReadAt(data, int64(s.readPos)); err != nil {
		return nil, fmt.Errorf("storage: reading raw backup: %w", err)
	}
	c := &chunk.Chunk{Offset: s.readPos, Data: data}
	s.readPos += uint64(size)
	return c, nil
}

func (s *RawStorage) ReadChunkAt(chunkNumber int) (*chunk.Chunk, error) {
	offset := uint64(chunkNumber) * uint64(s.chunkSize)
	if offset >= s.size {
		return nil, fmt.Errorf("storage: chunk number %d has offset %d, exceeding size %d", chunkNumber, offset, s.size)
	}
	s.readPos = offset
	return s.ReadChunk()
}

func (s *RawStorage) WriteChunk(c *chunk.Chunk) error {
	if !s.writeable {
		return fmt.Errorf("storage: raw backup is not writeable")
	}
	if _, err := c.Number(s.chunkSize, s.size); err != nil {
		return err
	}
	if _, err := s.file.WriteAt(c.Data, int64(c.Offset)); err != nil {
		return fmt.Errorf("storage: writing raw backup: %w", err)
	}
	return nil
}

func (s *RawStorage) Commit() error {
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("storage: syncing raw backup: %w", err)
	}
	return nil
}

func (s *RawStorage) Close() error { return s.file.Close() }
