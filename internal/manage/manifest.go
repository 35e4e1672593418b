// Copyright (C) 2024 blocksync contributors.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package manage implements the management interface: the Manifest that
// describes one backup invocation, and the request/response ticket
// protocol the copier polls between chunk copies so an external caller
// (the CLI, or the daemon's Unix-socket server) can start, cancel,
// pause/resume, or query progress on a running backup.
package manage

import (
	"time"

	"github.com/blockforge/blocksync/internal/lock"
	"github.com/blockforge/blocksync/internal/state"
)

// Manifest is the per-invocation unit handed to the copier: the job list,
// the sync policy, and the external lock set guarding consistency.
type Manifest struct {
	Jobs            []state.Job        `json:"jobs" yaml:"jobs"`
	DoSync          bool                `json:"do_sync" yaml:"do_sync"`
	CommandLocks    []*lock.CommandLock `json:"command_locks,omitempty" yaml:"command_locks,omitempty"`
	FileLocks       []*lock.FileLock    `json:"file_locks,omitempty" yaml:"file_locks,omitempty"`
	LockTimeLimit   time.Duration       `json:"lock_time_limit" yaml:"lock_time_limit"`
	LockCooldown    time.Duration       `json:"lock_cooldown" yaml:"lock_cooldown"`
	StorePath       string              `json:"store_path,omitempty" yaml:"store_path,omitempty"`
	StatePath       string              `json:"state_path,omitempty" yaml:"state_path,omitempty"`
	ParentStatePath string              `json:"parent_state_path,omitempty" yaml:"parent_state_path,omitempty"`
}

// Locks returns the manifest's locks as a single ordered slice: commands
// first, then files, matching the order the original tool locks in.
func (m *Manifest) Locks() []lock.Lock {
	out := make([]lock.Lock, 0, len(m.CommandLocks)+len(m.FileLocks))
	for _, c := range m.CommandLocks {
		out = append(out, c)
	}
	for _, f := range m.FileLocks {
		out = append(out, f)
	}
	return out
}
