// Copyright (C) 2024 blocksync contributors.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package chunk holds the fixed-size chunk arithmetic shared by the
// copier, storage backends, and checksum ledger: converting a byte
// offset into a chunk index and validating a chunk against the device
// size it belongs to.
package chunk

import "fmt"

// Chunk is a single fixed-size (or final, possibly short) unit of device
// data at a known offset.
type Chunk struct {
	Offset uint64
	Data   []byte
}

// OffsetToChunkNumber validates offset against chunkSize and size, and
// returns offset/chunkSize. offset must be a chunkSize-aligned value
// strictly less than size; any other input is a caller bug.
func OffsetToChunkNumber(offset uint64, chunkSize int, size uint64) (int, error) {
	if offset%uint64(chunkSize) != 0 {
		return 0, fmt.Errorf("chunk: offset %d is not a multiple of chunk size %d", offset, chunkSize)
	}
	if offset >= size {
		return 0, fmt.Errorf("chunk: offset %d is not within size %d", offset, size)
	}
	return int(offset / uint64(chunkSize)), nil
}

// OffsetToChunkSize returns the number of valid bytes at offset: chunkSize,
// or fewer if offset is the start of the final, undersized chunk.
func OffsetToChunkSize(offset uint64, chunkSize int, size uint64) (int, error) {
	if _, err := OffsetToChunkNumber(offset, chunkSize, size); err != nil {
		return 0, err
	}
	if remaining := size - offset; remaining < uint64(chunkSize) {
		return int(remaining), nil
	}
	return chunkSize, nil
}

// Number validates c against chunkSize and size and returns its chunk
// index. It additionally enforces that c fits within size, does not exceed
// chunkSize, and if undersized, that it is exactly the final chunk.
func (c Chunk) Number(chunkSize int, size uint64) (int, error) {
	number, err := OffsetToChunkNumber(c.Offset, chunkSize, size)
	if err != nil {
		return 0, err
	}

	end := c.Offset + uint64(len(c.Data))
	if end < c.Offset {
		return 0, fmt.Errorf("chunk: offset %d + length %d overflows", c.Offset, len(c.Data))
	}
	if end > size {
		return 0, fmt.Errorf("chunk: offset %d + length %d = %d is not within size %d", c.Offset, len(c.Data), end, size)
	}
	if len(c.Data) > chunkSize {
		return 0, fmt.Errorf("chunk: length %d exceeds chunk size %d", len(c.Data), chunkSize)
	}
	if len(c.Data) < chunkSize && end != size {
		return 0, fmt.Errorf("chunk: length %d is less than chunk size %d, and chunk does not fit at the end of size %d", len(c.Data), chunkSize, size)
	}
	return number, nil
}

// Count returns the number of chunks a device of the given size is split
// into under chunkSize, rounding the final, possibly-short chunk up.
func Count(chunkSize int, size uint64) int {
	return int((size + uint64(chunkSize) - 1) / uint64(chunkSize))
}
