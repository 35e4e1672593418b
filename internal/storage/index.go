// Copyright (C) 2024 blocksync contributors.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package storage

import (
	"fmt"
	"sync"
)

// DedicatedIndex is a single-layer chunk-number-to-offset index, used by a
// standalone SparseStorage.
type DedicatedIndex struct {
	offsets []uint64
}

func NewDedicatedIndex(chunkCount int) *DedicatedIndex {
	offsets := make([]uint64, chunkCount)
	for i := range offsets {
		offsets[i] = ReservedOffset
	}
	return &DedicatedIndex{offsets: offsets}
}

func (d *DedicatedIndex) Replace(chunkNumber int, offset uint64) {
	if offset == ReservedOffset {
		panic("storage: reserved offset value is not permitted in an index")
	}
	d.offsets[chunkNumber] = offset
}

func (d *DedicatedIndex) Lookup(chunkNumber int) (uint64, bool) {
	off := d.offsets[chunkNumber]
	if off == ReservedOffset {
		return 0, false
	}
	return off, true
}

// sharedIndexState is the data every layer handle shares, guarded by mu.
type sharedIndexState struct {
	mu         sync.Mutex
	topLayer   int // 0 means "no layer"
	chunkLayer []int
	chunkOff   []uint64
}

// SharedIndex coordinates a stack of stores (a backup chain) so chunk
// lookups resolve to whichever layer holds the highest-priority copy: the
// top-layer-wins merge used by LayeredStorage.
type SharedIndex struct {
	state *sharedIndexState
}

func NewSharedIndex(chunkCount int) *SharedIndex {
	chunkLayer := make([]int, chunkCount)
	chunkOff := make([]uint64, chunkCount)
	for i := range chunkOff {
		chunkOff[i] = ReservedOffset
	}
	return &SharedIndex{state: &sharedIndexState{chunkLayer: chunkLayer, chunkOff: chunkOff}}
}

// AddLayer registers a new layer (lower numbers queried first; the layer
// added first is layer 0, the externally visible top layer).
func (s *SharedIndex) AddLayer(chunkCount int) *SharedIndexHandle {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	if chunkCount != len(s.state.chunkOff) {
		panic("storage: chunk count mismatch between index layers")
	}
	s.state.topLayer++
	return &SharedIndexHandle{state: s.state, layer: s.state.topLayer}
}

// LookupLayer returns the externally-numbered layer (0-based) and byte
// offset that owns chunkNumber, if any.
func (s *SharedIndex) LookupLayer(chunkNumber int) (int, uint64, bool) {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	layer := s.state.chunkLayer[chunkNumber]
	if layer == 0 {
		return 0, 0, false
	}
	return layer - 1, s.state.chunkOff[chunkNumber], true
}

// IsComplete reports whether every chunk is owned by some layer.
func (s *SharedIndex) IsComplete() bool {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	for _, l := range s.state.chunkLayer {
		if l == 0 {
			return false
		}
	}
	return true
}

// SharedIndexHandle is one layer's view of a SharedIndex: it can only
// claim chunks for its own layer, and can only see a lookup miss if it is
// the top layer (layer 0); a lower layer querying a chunk it doesn't own
// panics, as that is a caller bug.
type SharedIndexHandle struct {
	state *sharedIndexState
	layer int
}

func (h *SharedIndexHandle) LayerNumber() int { return h.layer - 1 }

func (h *SharedIndexHandle) Replace(chunkNumber int, offset uint64) {
	if offset == ReservedOffset {
		panic("storage: reserved offset value is not permitted in an index")
	}
	h.state.mu.Lock()
	defer h.state.mu.Unlock()
	if cur := h.state.chunkLayer[chunkNumber]; cur == 0 || h.layer <= cur {
		h.state.chunkLayer[chunkNumber] = h.layer
		h.state.chunkOff[chunkNumber] = offset
	}
}

func (h *SharedIndexHandle) Lookup(chunkNumber int) (uint64, bool) {
	h.state.mu.Lock()
	defer h.state.mu.Unlock()
	if h.state.chunkLayer[chunkNumber] == h.layer {
		return h.state.chunkOff[chunkNumber], true
	}
	if h.LayerNumber() != 0 {
		panic(fmt.Sprintf("storage: index lookup miss for non-top layer %d", h.LayerNumber()))
	}
	return 0, false
}
