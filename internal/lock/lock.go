// Copyright (C) 2024 blocksync contributors.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package lock implements the consistency lock orchestrator: external
// FileLock/CommandLock acquisition, a timed locked window, and the
// Unlocked/Locking/Locked/Unlocking/Cooldown finite-state automaton that
// lets the copier know when it may declare a pass consistent.
//
// This module permits arbitrary code execution via CommandLock, but an
// attacker able to reach it would already need root access to configure
// it, which is already as powerful. Treat hooked scripts with the same
// care as any other root-run binary.
package lock

// Lock is a single external precondition for declaring a backup
// consistent: a file that must be absent/lockable, or a command that
// reports readiness on its stdout.
type Lock interface {
	// Acquire blocks briefly (non-blocking where the underlying primitive
	// allows it) and returns a Commitment to later Release, or an error if
	// the lock could not be taken right now.
	Acquire() (Commitment, error)
}

// Commitment is released when the locked window ends.
type Commitment interface {
	Release()
}
