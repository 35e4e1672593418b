// Copyright (C) 2024 blocksync contributors.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// File format: a JSON header followed immediately by binary chunk data,
// optionally followed by a skip/run index. See Parameters and the package
// doc in storage.go for the high-level model; the grammar is below. The
// header JSON is followed by one newline byte. Index locations are byte
// offsets relative to the start of chunk_data.
//
//	file        := header_json, chunk_data, index?
//	chunk_data  := numbered_chunk*, end_marker
//	numbered_chunk := chunk_number:be_u64, chunk_bytes[chunk_size]
//	end_marker  := 0xFFFF_FFFF_FFFF_FFFF
//	index       := location_run*, index_size:be_u64
//	location_run:= skip:be_u64, run:be_u64, location:be_u64 * run
package storage

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/blockforge/blocksync/internal/chunk"
)

type fileHeader struct {
	Size      uint64 `json:"size"`
	ChunkSize int    `json:"chunk_size"`
	Optimized bool   `json:"optimized"`
	Indexed   bool   `json:"indexed"`
}

// Parameters configures how a new sparse store is created.
type Parameters struct {
	SaveIndex  bool
	AppendOnly bool
	Optimize   bool
}

// SparseStorage is the numbered-chunk backend: writable layers (append or
// random-access) and optionally-indexed read layers.
type SparseStorage struct {
	path      string
	file      *os.File
	size      uint64
	chunkSize int
	chunkCount int

	numberedChunksStart *uint64
	numberedChunksEnd   *uint64

	readable  bool
	writeable bool
	seekable  bool

	endOfChunks  bool
	optimizeAfter bool

	index     Index
	saveIndex bool
}

// CreateSparse creates a new sparse store. If index is non-nil and
// params.SaveIndex is set, the header records that an index will be
// present at the end of the file.
func CreateSparse(path string, size uint64, chunkSize int, params Parameters, index Index) (*SparseStorage, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("storage: creating sparse backup %s: %w", path, err)
	}

	header := fileHeader{
		Size:      size,
		ChunkSize: chunkSize,
		Optimized: false,
		Indexed:   params.SaveIndex && index != nil,
	}
	if err := json.NewEncoder(f).Encode(header); err != nil {
		f.Close()
		return nil, fmt.Errorf("storage: writing header to %s: %w", path, err)
	}
	// json.Encoder.Encode appends a trailing newline; OpenSparse steps over
	// it before reading chunk data.

	var numberedChunksStart *uint64
	offset, err := f.Seek(0, os.SEEK_CUR)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("storage: seeking in backup %s: %w", path, err)
	}
	u := uint64(offset)
	numberedChunksStart = &u

	var numberedChunksEnd *uint64
	if numberedChunksStart != nil {
		v := *numberedChunksStart
		numberedChunksEnd = &v
	}

	return &SparseStorage{
		path:                path,
		file:                f,
		size:                size,
		chunkSize:           chunkSize,
		chunkCount:          chunkCount(chunkSize, size),
		numberedChunksStart: numberedChunksStart,
		numberedChunksEnd:   numberedChunksEnd,
		readable:            false,
		writeable:           true,
		seekable:            !params.AppendOnly,
		optimizeAfter:       params.Optimize,
		index:               index,
		saveIndex:           params.SaveIndex,
	}, nil
}

// OpenSparse opens an existing sparse store for reading, optionally
// loading its trailing index into the supplied Index.
func OpenSparse(path string, index Index) (*SparseStorage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("storage: opening sparse backup %s: %w", path, err)
	}

	dec := json.NewDecoder(f)
	var header fileHeader
	if err := dec.Decode(&header); err != nil {
		f.Close()
		return nil, fmt.Errorf("storage: reading header from %s: %w", path, err)
	}
	// InputOffset stops right after the header's closing brace; step over
	// the newline CreateSparse writes there.
	headerEnd := dec.InputOffset()
	var sep [1]byte
	if _, err := f.ReadAt(sep[:], headerEnd); err == nil && sep[0] == '\n' {
		headerEnd++
	}
	if _, err := f.Seek(headerEnd, os.SEEK_SET); err != nil {
		f.Close()
		return nil, fmt.Errorf("storage: seeking past header in %s: %w", path, err)
	}

	u := uint64(headerEnd)
	numberedChunksStart := &u
	chunkCnt := chunkCount(header.ChunkSize, header.Size)

	if index != nil {
		if !header.Indexed {
			f.Close()
			return nil, fmt.Errorf("storage: index not included in backup %s", path)
		}
		indexEnd, err := f.Seek(-8, os.SEEK_END)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("storage: seeking to index size record in %s: %w", path, err)
		}
		indexSize, err := ReadBE64(f)
		if err != nil {
			f.Close()
			return nil, err
		}
		if indexSize > uint64(indexEnd) {
			f.Close()
			return nil, fmt.Errorf("storage: index size suggests index start is before beginning of file")
		}
		indexStart := uint64(indexEnd) - indexSize
		if indexStart < *numberedChunksStart+8 {
			f.Close()
			return nil, fmt.Errorf("storage: index size suggests index start is before beginning of chunks")
		}
		if _, err := f.Seek(int64(indexStart), os.SEEK_SET); err != nil {
			f.Close()
			return nil, fmt.Errorf("storage: seeking to index in %s: %w", path, err)
		}

		err = ReadSkipRun(f, uint64(chunkCnt), func(r io.Reader, position uint64) error {
			rawPosition, err := ReadBE64(r)
			if err != nil {
				return err
			}
			remapped := rawPosition + *numberedChunksStart
			if remapped == ReservedOffset {
				return fmt.Errorf("storage: index position converts to reserved value")
			}
			index.Replace(int(position), remapped)
			return nil
		})
		if err != nil {
			f.Close()
			return nil, err
		}

		testIndexEnd, err := f.Seek(0, os.SEEK_CUR)
		if err != nil {
			f.Close()
			return nil, err
		}
		if testIndexEnd != indexEnd {
			f.Close()
			return nil, fmt.Errorf("storage: index size or structure is incorrect for %s", path)
		}
		if _, err := f.Seek(int64(*numberedChunksStart), os.SEEK_SET); err != nil {
			f.Close()
			return nil, fmt.Errorf("storage: seeking back past header in %s: %w", path, err)
		}
	}

	return &SparseStorage{
		path:                path,
		file:                f,
		size:                header.Size,
		chunkSize:           header.ChunkSize,
		chunkCount:          chunkCnt,
		numberedChunksStart: numberedChunksStart,
		readable:            true,
		writeable:           false,
		seekable:            true,
		index:               index,
	}, nil
}

// InspectSparse reads only the header, for planning a layered chain
// without opening every layer's full state.
func InspectSparse(path string) (Properties, error) {
	f, err := os.Open(path)
	if err != nil {
		return Properties{}, fmt.Errorf("storage: opening sparse backup %s for inspection: %w", path, err)
	}
	defer f.Close()

	var header fileHeader
	if err := json.NewDecoder(f).Decode(&header); err != nil {
		return Properties{}, fmt.Errorf("storage: reading header from %s for inspection: %w", path, err)
	}
	return Properties{Size: header.Size, Indexed: header.Indexed}, nil
}

func (s *SparseStorage) Path() string { return s.path }

func (s *SparseStorage) WriteChunk(c *chunk.Chunk) error {
	if !s.writeable {
		return fmt.Errorf("storage: sparse backup is not writeable")
	}
	chunkNumber, err := c.Number(s.chunkSize, s.size)
	if err != nil {
		return err
	}

	var writeAt uint64
	if s.seekable {
		if s.index != nil {
			if off, ok := s.index.Lookup(chunkNumber); ok {
				writeAt = off
			} else {
				end, err := s.file.Seek(0, os.SEEK_END)
				if err != nil {
					return fmt.Errorf("storage: seeking to end of sparse backup: %w", err)
				}
				writeAt = uint64(end)
			}
		} else {
			writeAt = *s.numberedChunksEnd
		}
	} else {
		writeAt = *s.numberedChunksEnd
	}

	if _, err := s.file.Seek(int64(writeAt), os.SEEK_SET); err != nil {
		return fmt.Errorf("storage: seeking to write chunk: %w", err)
	}

	padding := 0
	if len(c.Data) < s.chunkSize {
		padding = s.chunkSize - len(c.Data)
	}

	cw := NewCountedWriter(s.file)
	if err := WriteBE64(cw, uint64(chunkNumber)); err != nil {
		return err
	}
	if _, err := cw.Write(c.Data); err != nil {
		return fmt.Errorf("storage: writing %d bytes of chunk data: %w", len(c.Data), err)
	}
	if padding > 0 {
		if _, err := cw.Write(make([]byte, padding)); err != nil {
			return fmt.Errorf("storage: writing %d bytes of padding: %w", padding, err)
		}
	}

	if s.index != nil {
		if writeAt == ReservedOffset {
			return fmt.Errorf("storage: reserved index value cannot be used")
		}
		s.index.Replace(chunkNumber, writeAt)
	}
	if *s.numberedChunksEnd == writeAt {
		newEnd := writeAt + cw.Count()
		s.numberedChunksEnd = &newEnd
	}
	return nil
}

func (s *SparseStorage) ReadChunkAt(chunkNumber int) (*chunk.Chunk, error) {
	if !s.readable {
		return nil, fmt.Errorf("storage: sparse backup is not readable")
	}
	if !s.seekable {
		return nil, fmt.Errorf("storage: sparse backup %s is not seekable", s.path)
	}
	if chunkNumber > s.chunkCount {
		return nil, fmt.Errorf("storage: chunk number %d exceeds chunk count %d", chunkNumber, s.chunkCount)
	}
	if s.index == nil {
		return nil, fmt.Errorf("storage: sparse backup %s has no index", s.path)
	}
	off, ok := s.index.Lookup(chunkNumber)
	if !ok {
		return nil, nil
	}
	if _, err := s.file.Seek(int64(off), os.SEEK_SET); err != nil {
		return nil, fmt.Errorf("storage: seeking during sparse read: %w", err)
	}
	c, err := s.readChunkRecord()
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("storage: no chunk at indexed location for chunk %d", chunkNumber)
	}
	want := uint64(chunkNumber) * uint64(s.chunkSize)
	if c.Offset != want {
		return nil, fmt.Errorf("storage: chunk at indexed location has incorrect offset: got %d, want %d", c.Offset, want)
	}
	return c, nil
}

func (s *SparseStorage) ReadChunk() (*chunk.Chunk, error) {
	if !s.readable {
		return nil, fmt.Errorf("storage: sparse backup is not readable")
	}
	if s.endOfChunks {
		return nil, fmt.Errorf("storage: end of chunks already encountered")
	}
	return s.readChunkRecord()
}

func (s *SparseStorage) readChunkRecord() (*chunk.Chunk, error) {
	number, err := ReadBE64(s.file)
	if err != nil {
		return nil, err
	}
	if number == ReservedOffset {
		s.endOfChunks = true
		return nil, nil
	}
	if number >= uint64(s.chunkCount) {
		return nil, fmt.Errorf("storage: chunk number %d is not below chunk count %d", number, s.chunkCount)
	}
	offset := number * uint64(s.chunkSize)

	dataLen := s.chunkSize
	if available := s.size - offset; available < uint64(s.chunkSize) {
		dataLen = int(available)
	}

	data := make([]byte, s.chunkSize)
	if _, err := io.ReadFull(s.file, data); err != nil {
		return nil, fmt.Errorf("storage: reading %d bytes of chunk data: %w", s.chunkSize, err)
	}
	if dataLen != s.chunkSize {
		data = data[:dataLen]
	}
	return &chunk.Chunk{Offset: offset, Data: data}, nil
}

func (s *SparseStorage) Commit() error {
	if !s.writeable {
		return fmt.Errorf("storage: sparse backup is not writeable, committing does not make sense")
	}
	if s.seekable {
		pos, err := s.file.Seek(0, os.SEEK_END)
		if err != nil {
			return fmt.Errorf("storage: seeking to end before commit: %w", err)
		}
		if uint64(pos) != *s.numberedChunksEnd {
			return fmt.Errorf("storage: end of numbered chunks is not at the end of file")
		}
	}

	if err := WriteBE64(s.file, ReservedOffset); err != nil {
		return err
	}

	if s.index != nil {
		numberedChunksStart := *s.numberedChunksStart
		cw := NewCountedWriter(s.file)
		err := WriteSkipRun(cw, uint64(s.chunkCount),
			func(w io.Writer, position uint64) error {
				off, _ := s.index.Lookup(int(position))
				remapped := off - numberedChunksStart
				return WriteBE64(w, remapped)
			},
			func(position uint64) (bool, error) {
				_, ok := s.index.Lookup(int(position))
				return ok, nil
			},
		)
		if err != nil {
			return err
		}
		if err := WriteBE64(s.file, cw.Count()); err != nil {
			return err
		}
	}

	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("storage: syncing sparse backup: %w", err)
	}
	return nil
}

func (s *SparseStorage) Close() error { return s.file.Close() }
