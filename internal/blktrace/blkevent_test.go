package blktrace

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildNativeRecord(seq uint32, sector uint64, bytes, action uint32) []byte {
	buf := make([]byte, recordSize)
	magic := uint32(magicNativeHigh24)<<8 | supportedVersion
	binary.LittleEndian.PutUint32(buf[0:4], magic)
	binary.LittleEndian.PutUint32(buf[4:8], seq)
	binary.LittleEndian.PutUint64(buf[8:16], 0)
	binary.LittleEndian.PutUint64(buf[16:24], sector)
	binary.LittleEndian.PutUint32(buf[24:28], bytes)
	binary.LittleEndian.PutUint32(buf[28:32], action)
	binary.LittleEndian.PutUint32(buf[32:36], 0)
	binary.LittleEndian.PutUint32(buf[36:40], 0x800001)
	binary.LittleEndian.PutUint32(buf[40:44], 0)
	binary.LittleEndian.PutUint16(buf[44:46], 0)
	binary.LittleEndian.PutUint16(buf[46:48], 0)
	return buf
}

func TestDecodeEventNative(t *testing.T) {
	buf := buildNativeRecord(1, 100, 512, actionWriteBit|actionQueue)
	ev, err := decodeEvent(buf)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), ev.Sector)
	assert.Equal(t, uint32(512), ev.Bytes)
	assert.True(t, isWriteQueue(ev))
}

func TestDecodeEventBadMagic(t *testing.T) {
	buf := make([]byte, recordSize)
	_, err := decodeEvent(buf)
	assert.Error(t, err)
}

func TestDecodeEventWrongSize(t *testing.T) {
	_, err := decodeEvent(make([]byte, 10))
	assert.Error(t, err)
}

func TestIsWriteQueueFilters(t *testing.T) {
	base := buildNativeRecord(1, 0, 512, actionWriteBit|actionQueue)
	ev, err := decodeEvent(base)
	require.NoError(t, err)
	assert.True(t, isWriteQueue(ev))

	notWrite := buildNativeRecord(1, 0, 512, actionQueue)
	ev, err = decodeEvent(notWrite)
	require.NoError(t, err)
	assert.False(t, isWriteQueue(ev), "missing write-category bit must be filtered")

	notQueue := buildNativeRecord(1, 0, 512, actionWriteBit|2)
	ev, err = decodeEvent(notQueue)
	require.NoError(t, err)
	assert.False(t, isWriteQueue(ev), "non-QUEUE action must be filtered")

	zeroBytes := buildNativeRecord(1, 0, 0, actionWriteBit|actionQueue)
	ev, err = decodeEvent(zeroBytes)
	require.NoError(t, err)
	assert.False(t, isWriteQueue(ev), "zero-length event must be filtered")
}
