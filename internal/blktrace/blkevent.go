// Copyright (C) 2024 blocksync contributors.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package blktrace ingests kernel blk-trace QUEUE events for a set of
// devices and turns them into dirty-chunk marks on the matching job's
// tracker.ChunkTracker.
package blktrace

import (
	"encoding/binary"
	"fmt"
)

const (
	recordSize = 48

	magicNativeHigh24 = 0x656174
	magicSwappedLow24 = 0x746165
	supportedVersion  = 0x07

	actionWriteBit  = 1 << 17 // (action>>16) bit 1
	actionQueueMask = 0xffff
	actionQueue     = 1
)

// BlkEvent is the fixed-size portion of a kernel blk-trace record, decoded
// from its packed, host-endian-at-source wire layout. pdu_len additional
// bytes follow in the stream and are the caller's responsibility to
// discard.
type BlkEvent struct {
	Sequence uint32
	Time     uint64
	Sector   uint64
	Bytes    uint32
	Action   uint32
	Pid      uint32
	Device   uint32
	Cpu      uint32
	Error    uint16
	PduLen   uint16
}

// decodeEvent parses a recordSize-byte buffer into a BlkEvent, validating
// the magic/version header and normalizing endianness.
func decodeEvent(buf []byte) (BlkEvent, error) {
	if len(buf) != recordSize {
		return BlkEvent{}, fmt.Errorf("blktrace: record must be %d bytes, got %d", recordSize, len(buf))
	}

	magic := binary.BigEndian.Uint32(buf[0:4])

	var native bool
	var version byte
	if magic>>8 == magicNativeHigh24 {
		native = true
		version = byte(magic & 0xff)
	} else if magic&0xffffff == magicSwappedLow24 {
		native = false
		version = byte(magic >> 24)
	} else {
		return BlkEvent{}, fmt.Errorf("blktrace: bad magic %#08x", magic)
	}

	if version != supportedVersion {
		return BlkEvent{}, fmt.Errorf("blktrace: unsupported event version %#02x", version)
	}

	order := binary.ByteOrder(binary.BigEndian)
	if !native {
		// magic's top three bytes only match magicNativeHigh24 when read in
		// the same order the record was actually written in. A match on
		// the swapped pattern instead means every other field was written
		// in the opposite order from what we just probed with, so the
		// remaining fields need the other order too.
		order = binary.LittleEndian
	}

	ev := BlkEvent{
		Sequence: order.Uint32(buf[4:8]),
		Time:     order.Uint64(buf[8:16]),
		Sector:   order.Uint64(buf[16:24]),
		Bytes:    order.Uint32(buf[24:28]),
		Action:   order.Uint32(buf[28:32]),
		Pid:      order.Uint32(buf[32:36]),
		Device:   order.Uint32(buf[36:40]),
		Cpu:      order.Uint32(buf[40:44]),
		Error:    order.Uint16(buf[44:46]),
		PduLen:   order.Uint16(buf[46:48]),
	}
	return ev, nil
}

// isWriteQueue applies the retain filter: write-category bit set, QUEUE
// action, non-zero length.
func isWriteQueue(ev BlkEvent) bool {
	if ev.Action&actionWriteBit == 0 {
		return false
	}
	if ev.Action&actionQueueMask != actionQueue {
		return false
	}
	return ev.Bytes > 0
}
