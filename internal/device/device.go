// Copyright (C) 2024 blocksync contributors.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package device resolves a block device path into its kernel major:minor
// identity and sysfs-derived topology (sector range, and parent whole-disk
// if the device is a partition).
package device

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/blockforge/blocksync/internal/chunk"
)

const (
	minorBits = 20
	minorMask = (1 << minorBits) - 1
	maxMajor  = 1 << 12
	maxMinor  = 1 << 20
)

// Device describes one node (partition or whole disk) in a trace target's
// device hierarchy.
type Device struct {
	Dev          uint64
	EventDev     uint32
	Major        uint32
	Minor        uint32
	SysDevPath   string
	SectorCount  uint64
	StartSector  uint64
	EndSector    uint64
	Parent       *Device
}

// FromPath stats path and resolves the resulting major:minor via sysfs,
// under sysPath (ordinarily "/sys").
func FromPath(sysPath, path string) (*Device, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return nil, fmt.Errorf("device: stat %s: %w", path, err)
	}

	rdev := uint64(st.Rdev)
	major := uint32(unix.Major(rdev))
	minor := uint32(unix.Minor(rdev))

	if major == 0 {
		return nil, fmt.Errorf("device: %s does not appear to be a device", path)
	}
	if major >= maxMajor {
		return nil, fmt.Errorf("device: major number %d exceeds limits for tracing", major)
	}
	if minor >= maxMinor {
		return nil, fmt.Errorf("device: minor number %d exceeds limits for tracing", minor)
	}

	return FromMajorMinor(sysPath, major, minor)
}

// FromMajorMinor loads a device's topology from sysfs, recursing once into
// its parent if it is a partition.
func FromMajorMinor(sysPath string, major, minor uint32) (*Device, error) {
	dev := unix.Mkdev(major, minor)
	eventDev := (major << minorBits) | minor
	sysDevPath := filepath.Join(sysPath, "dev/block", fmt.Sprintf("%d:%d", major, minor))

	sectorCount, err := readUint64(filepath.Join(sysDevPath, "size"))
	if err != nil {
		return nil, fmt.Errorf("device: reading sector count: %w", err)
	}

	isPartition := fileExists(filepath.Join(sysDevPath, "partition"))

	var startSector uint64
	if isPartition {
		startSector, err = readUint64(filepath.Join(sysDevPath, "start"))
		if err != nil {
			return nil, fmt.Errorf("device: reading start sector: %w", err)
		}
	}
	endSector := startSector + sectorCount

	var parent *Device
	if isPartition {
		// Not filepath.Join: sysDevPath is a symlink into /sys/devices, and
		// ".." must be resolved by the kernel, not cleaned away lexically.
		raw, err := os.ReadFile(sysDevPath + "/../dev")
		if err != nil {
			return nil, fmt.Errorf("device: reading parent dev: %w", err)
		}
		parentMajor, parentMinor, err := parseMajorMinor(string(raw))
		if err != nil {
			return nil, fmt.Errorf("device: parsing parent dev: %w", err)
		}
		parent, err = FromMajorMinor(sysPath, parentMajor, parentMinor)
		if err != nil {
			return nil, err
		}
	}

	return &Device{
		Dev:         uint64(dev),
		EventDev:    eventDev,
		Major:       major,
		Minor:       minor,
		SysDevPath:  sysDevPath,
		SectorCount: sectorCount,
		StartSector: startSector,
		EndSector:   endSector,
		Parent:      parent,
	}, nil
}

// GetBaseDevice returns the transitive whole-disk ancestor.
func (d *Device) GetBaseDevice() *Device {
	if d.Parent == nil {
		return d
	}
	return d.Parent.GetBaseDevice()
}

// SizeBytes returns this device's byte span (sector_count * 512).
func (d *Device) SizeBytes() uint64 {
	return d.SectorCount * 512
}

func readUint64(path string) (uint64, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(strings.TrimSpace(string(raw)), 10, 64)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func parseMajorMinor(s string) (uint32, uint32, error) {
	s = strings.TrimSpace(s)
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("malformed major:minor %q", s)
	}
	major, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return 0, 0, err
	}
	minor, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return 0, 0, err
	}
	return uint32(major), uint32(minor), nil
}

// File wraps an open device node for random-access chunk reads.
type File struct {
	path string
	size uint64
	f    *os.File
}

// OpenFile opens path and determines its size via seek-to-end, the way
// block devices (which have no usable os.Stat size) must be measured.
func OpenFile(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("device: opening %s: %w", path, err)
	}
	size, err := f.Seek(0, os.SEEK_END)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("device: determining size of %s: %w", path, err)
	}
	if _, err := f.Seek(0, os.SEEK_SET); err != nil {
		f.Close()
		return nil, fmt.Errorf("device: seeking to start of %s: %w", path, err)
	}
	return &File{path: path, size: uint64(size), f: f}, nil
}

// Path returns the underlying device node path.
func (f *File) Path() string { return f.path }

// Size returns the device's byte span.
func (f *File) Size() uint64 { return f.size }

// Close releases the underlying file descriptor.
func (f *File) Close() error { return f.f.Close() }

// GetChunk reads up to size bytes at offset, capped to the device's
// remaining size for a final, short chunk.
func (f *File) GetChunk(offset uint64, size int) (chunk.Chunk, error) {
	if offset >= f.size {
		return chunk.Chunk{}, fmt.Errorf("device: offset %d is out of bounds for %s (size %d)", offset, f.path, f.size)
	}
	cappedSize := size
	if offset+uint64(size) > f.size {
		cappedSize = int(f.size - offset)
	}
	data := make([]byte, cappedSize)
	if _, err := f.f.ReadAt(data, int64(offset)); err != nil {
		return chunk.Chunk{}, fmt.Errorf("device: reading %s at offset %d: %w", f.path, offset, err)
	}
	return chunk.Chunk{Offset: offset, Data: data}, nil
}
