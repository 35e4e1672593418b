package tracker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAllUnprocessed(t *testing.T) {
	ct := New(10)
	require.Equal(t, 10, ct.ChunkCount())
	idx, ok := ct.FindNext(0)
	assert.True(t, ok, "unprocessed chunks still need copying")
	assert.Equal(t, 0, idx)
}

func TestMarkAndFind(t *testing.T) {
	ct := New(10)
	for i := 0; i < 10; i++ {
		ct.ClearChunk(i)
	}
	ct.MarkChunk(5)
	idx, ok := ct.FindNext(0)
	require.True(t, ok)
	assert.Equal(t, 5, idx)
}

func TestClearRemovesDirty(t *testing.T) {
	ct := New(4)
	for i := 0; i < 4; i++ {
		ct.ClearChunk(i)
	}
	ct.MarkChunk(2)
	ct.ClearChunk(2)
	_, ok := ct.FindNext(0)
	assert.False(t, ok)
}

func TestMarkChunksRange(t *testing.T) {
	ct := New(8)
	for i := 0; i < 8; i++ {
		ct.ClearChunk(i)
	}
	ct.MarkChunks(2, 5)
	for i := 0; i < 2; i++ {
		_, ok := ct.FindNext(i)
		if i < 2 {
			require.True(t, ok)
			idx, _ := ct.FindNext(i)
			assert.Equal(t, 2, idx)
		}
	}
	ct.ClearChunk(2)
	ct.ClearChunk(3)
	ct.ClearChunk(4)
	_, ok := ct.FindNext(0)
	assert.False(t, ok)
}

func TestMarkChunksClampsToCount(t *testing.T) {
	ct := New(4)
	for i := 0; i < 4; i++ {
		ct.ClearChunk(i)
	}
	ct.MarkChunks(2, 100)
	idx, ok := ct.FindNext(0)
	require.True(t, ok)
	assert.Equal(t, 2, idx)
}

func TestClassify(t *testing.T) {
	assert.Equal(t, SymbolDone, Classify(0))
	assert.Equal(t, SymbolDirty, Classify(FlagDirty))
	assert.Equal(t, SymbolUnprocessed, Classify(FlagUnprocessed))
	assert.Equal(t, SymbolBoth, Classify(FlagDirty|FlagUnprocessed))
}

func TestDisplayDetail(t *testing.T) {
	assert.Equal(t, 0, DisplayDetail(100, 0))
	assert.Equal(t, 0, DisplayDetail(100, 200))
	assert.Equal(t, 0, DisplayDetail(100, 100))
	assert.Equal(t, 1, DisplayDetail(200, 100))
	assert.Equal(t, 2, DisplayDetail(400, 100))
}

func TestSnapshotLevel(t *testing.T) {
	ct := New(4)
	for i := 0; i < 4; i++ {
		ct.ClearChunk(i)
	}
	ct.MarkChunk(1)
	level0 := ct.SnapshotLevel(0)
	require.Len(t, level0, 4)
	assert.Equal(t, FlagDirty, level0[1])

	level1 := ct.SnapshotLevel(1)
	require.Len(t, level1, 2)
	assert.Equal(t, FlagDirty, level1[0])
	assert.Equal(t, uint8(0), level1[1])
}

func TestSummaryReportCountsDone(t *testing.T) {
	ct := New(4)
	for i := 0; i < 4; i++ {
		ct.ClearChunk(i)
	}
	glyphs := [4]string{".", "D", "U", "X"}
	report := ct.SummaryReport(0, glyphs, "")
	assert.Contains(t, report, "100%")
	assert.Contains(t, report, "....")
}

func TestEmptyTracker(t *testing.T) {
	ct := New(0)
	assert.Equal(t, 0, ct.ChunkCount())
	_, ok := ct.FindNext(0)
	assert.False(t, ok)
}
