// Copyright (C) 2024 blocksync contributors.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package blktrace

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/blockforge/blocksync/internal/device"
)

// writeControlFile writes buf to a tracing control file the way the
// kernel's debugfs interface expects: open for append, write, flush. Plain
// truncating writes don't work reliably against these pseudo-files.
func writeControlFile(path string, buf []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		return fmt.Errorf("blktrace: opening %s for writing: %w", path, err)
	}
	defer f.Close()
	if _, err := f.Write(buf); err != nil {
		return fmt.Errorf("blktrace: writing %s: %w", path, err)
	}
	return nil
}

func readControlFile(path string) ([]byte, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("blktrace: reading %s: %w", path, err)
	}
	return buf, nil
}

// doUndo snapshots a control file's current contents, writes newValue, and
// returns a closure that restores the snapshot.
func doUndo(path string, newValue []byte) (func() error, error) {
	old, err := readControlFile(path)
	if err != nil {
		return nil, err
	}
	if err := writeControlFile(path, newValue); err != nil {
		return nil, err
	}
	return func() error {
		return writeControlFile(path, old)
	}, nil
}

// deviceControl holds the four per-device undo closures, restored act_mask,
// start_lba, end_lba first and enable last.
type deviceControl struct {
	undoActMask  func() error
	undoStartLba func() error
	undoEndLba   func() error
	undoEnable   func() error
}

func (d *deviceControl) teardown() error {
	var firstErr error
	for _, undo := range []func() error{d.undoActMask, d.undoStartLba, d.undoEndLba, d.undoEnable} {
		if err := undo(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// session holds every reversible setup step taken by Setup, in the order
// they must be undone.
type session struct {
	tracingPath    string
	pipeFile       *os.File
	globalUndos    []func() error // LIFO: current_tracer, options/bin, options/context-info, buffer_size_kb
	deviceControls []*deviceControl
}

// Setup puts the kernel blk-trace subsystem into the configuration this
// ingester needs: the "blk" tracer, binary+no-context-info output options,
// the configured ring buffer size, and per whole-disk device, queue-action
// tracing over its full LBA range. Every written file is restored to its
// prior contents by Teardown.
func Setup(tracingPath, sysPath string, bufferSizeKB int, wholeDisks []*device.Device) (*session, error) {
	enabled, err := readControlFile(filepath.Join(tracingPath, "events/enable"))
	if err != nil {
		return nil, err
	}
	if string(enabled) != "0\n" {
		return nil, fmt.Errorf("blktrace: tracing events are already enabled")
	}

	s := &session{tracingPath: tracingPath}

	steps := []struct {
		file  string
		value string
	}{
		{"current_tracer", "blk\n"},
		{"options/bin", "1\n"},
		{"options/context-info", "0\n"},
		{"buffer_size_kb", fmt.Sprintf("%d\n", bufferSizeKB)},
	}
	for _, step := range steps {
		undo, err := doUndo(filepath.Join(tracingPath, step.file), []byte(step.value))
		if err != nil {
			_ = s.Teardown()
			return nil, err
		}
		s.globalUndos = append(s.globalUndos, undo)
	}

	for _, d := range wholeDisks {
		dc := &deviceControl{}
		devPath := filepath.Join(sysPath, "dev/block", fmt.Sprintf("%d:%d", d.Major, d.Minor), "trace")

		dc.undoActMask, err = doUndo(filepath.Join(devPath, "act_mask"), []byte("queue\n"))
		if err != nil {
			_ = s.Teardown()
			return nil, err
		}
		dc.undoStartLba, err = doUndo(filepath.Join(devPath, "start_lba"), []byte("0\n"))
		if err != nil {
			_ = s.Teardown()
			return nil, err
		}
		dc.undoEndLba, err = doUndo(filepath.Join(devPath, "end_lba"), []byte(fmt.Sprintf("%d\n", d.EndSector)))
		if err != nil {
			_ = s.Teardown()
			return nil, err
		}
		dc.undoEnable, err = doUndo(filepath.Join(devPath, "enable"), []byte("1\n"))
		if err != nil {
			_ = s.Teardown()
			return nil, err
		}
		s.deviceControls = append(s.deviceControls, dc)
	}

	pipe, err := os.OpenFile(filepath.Join(tracingPath, "trace_pipe"), os.O_RDONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		_ = s.Teardown()
		return nil, fmt.Errorf("blktrace: opening trace_pipe: %w", err)
	}
	drain(pipe)
	s.pipeFile = pipe

	return s, nil
}

// Teardown restores, in this order: every device's trace enable is
// restored last within its own group so capture keeps running with the
// new configuration until the very moment each device's group finishes
// unwinding, then the global tracer options unwind in reverse setup order.
func (s *session) Teardown() error {
	var firstErr error
	if s.pipeFile != nil {
		if err := s.pipeFile.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for i := len(s.deviceControls) - 1; i >= 0; i-- {
		if err := s.deviceControls[i].teardown(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for i := len(s.globalUndos) - 1; i >= 0; i-- {
		if err := s.globalUndos[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *session) PipeFile() *os.File { return s.pipeFile }

func drain(f *os.File) {
	buf := make([]byte, 4096)
	for {
		n, err := f.Read(buf)
		if n <= 0 || err != nil {
			return
		}
	}
}
