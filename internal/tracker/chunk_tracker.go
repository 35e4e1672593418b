// Copyright (C) 2024 blocksync contributors.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package tracker implements ChunkTracker, the per-job dirty-chunk
// bookkeeping the copier drains on each convergence pass.
package tracker

import (
	"sync"

	"github.com/blockforge/blocksync/internal/alias"
)

const (
	// FlagDirty marks a chunk that needs (re)writing.
	FlagDirty uint8 = 0x1
	// FlagUnprocessed marks a chunk never visited during this pass.
	FlagUnprocessed uint8 = 0x2
)

// Symbol classifies a tracker cell for progress rendering.
type Symbol int

const (
	SymbolDone Symbol = iota
	SymbolDirty
	SymbolUnprocessed
	SymbolBoth
)

// ChunkTracker wraps an AliasTree[uint8] with DIRTY/UNPROCESSED semantics.
// The copier is its primary reader/writer, but the trace ingester's batcher
// goroutine marks chunks dirty concurrently, so all access goes through mu.
type ChunkTracker struct {
	chunkCount int
	mu         sync.Mutex
	chunks     *alias.AliasTree[uint8]
}

// New allocates a tracker for chunkCount chunks, all initially
// UNPROCESSED.
func New(chunkCount int) *ChunkTracker {
	return &ChunkTracker{
		chunkCount: chunkCount,
		chunks:     alias.New[uint8](chunkCount, FlagUnprocessed),
	}
}

// ChunkCount returns the number of chunks this tracker covers.
func (c *ChunkTracker) ChunkCount() int { return c.chunkCount }

// ClearChunk sets a chunk's flags to 0 (clean, processed).
func (c *ChunkTracker) ClearChunk(index int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chunks.Set(index, 0)
}

// MarkChunk ORs in DIRTY, used by the trace ingester fan-out.
func (c *ChunkTracker) MarkChunk(index int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chunks.OrMask(index, FlagDirty)
}

// MarkChunks marks a half-open [start, end) range dirty, clamped to
// ChunkCount.
func (c *ChunkTracker) MarkChunks(start, end int) {
	if end > c.chunkCount {
		end = c.chunkCount
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := start; i < end; i++ {
		c.chunks.OrMask(i, FlagDirty)
	}
}

func nonZero(x uint8) bool { return x != 0 }

// FindNext returns the smallest chunk index at or after start that is
// dirty or still unprocessed (any non-zero flags).
func (c *ChunkTracker) FindNext(start int) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chunks.FindNext(nonZero, start)
}

// SnapshotLevel returns a flat array of aliased cells at the given height,
// used for progress rendering/Query responses.
func (c *ChunkTracker) SnapshotLevel(height int) []uint8 {
	if c.chunkCount == 0 {
		return nil
	}
	factor := 1 << uint(height)
	checks := (c.chunkCount-1)/factor + 1
	cells := make([]uint8, checks)
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range cells {
		cells[i] = c.chunks.GetAliased(i*factor, height)
	}
	return cells
}

// Classify maps a raw tracker cell into its display symbol.
func Classify(cell uint8) Symbol {
	switch cell & (FlagDirty | FlagUnprocessed) {
	case 0:
		return SymbolDone
	case FlagDirty:
		return SymbolDirty
	case FlagUnprocessed:
		return SymbolUnprocessed
	default:
		return SymbolBoth
	}
}

// DisplayDetail picks the smallest snapshot height h such that the cell
// count, chunkCount/2^h rounded up, fits within limit, so progress diagrams stay a
// reasonable size regardless of device size. A limit of 0 or a chunk count
// already within the limit returns 0 (full detail).
func DisplayDetail(chunkCount, limit int) int {
	if limit <= 0 || chunkCount <= limit {
		return 0
	}
	height := 0
	for (chunkCount+(1<<uint(height))-1)>>uint(height) > limit {
		height++
	}
	return height
}

// SummaryReport renders a one-character-per-cell diagram using the given
// glyphs (index 0..3 matching Symbol) plus a reset sequence appended after
// the diagram, and a percentage-complete footer.
func (c *ChunkTracker) SummaryReport(height int, glyphs [4]string, reset string) string {
	factor := 1 << uint(height)
	checks := (c.chunkCount-1)/factor + 1

	diagram := make([]byte, 0, checks*7)
	done := 0
	c.mu.Lock()
	defer c.mu.Unlock()
	for index := 0; index < checks; index++ {
		cell := c.chunks.GetAliased(index*factor, height)
		sym := Classify(cell)
		diagram = append(diagram, []byte(glyphs[sym])...)
		if sym == SymbolDone {
			done++
		}
	}

	percent := 0
	if checks > 0 {
		percent = done * 100 / checks
	}
	return "\nChunk map (" + itoa(factor) + " chunks per cell):\n" + string(diagram) + reset +
		"\n\nProgress: " + itoa(percent) + "%\n"
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
