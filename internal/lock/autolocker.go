// Copyright (C) 2024 blocksync contributors.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package lock

import (
	"sync"
	"time"

	"github.com/blockforge/blocksync/pkg/log"
)

// Status is one of the AutoLocker's finite-state-automaton states.
type Status int

const (
	Unlocked Status = iota
	Locking
	Locked
	Unlocking
	Cooldown
)

func (s Status) String() string {
	switch s {
	case Unlocked:
		return "Unlocked"
	case Locking:
		return "Locking"
	case Locked:
		return "Locked"
	case Unlocking:
		return "Unlocking"
	case Cooldown:
		return "Cooldown"
	default:
		return "Unknown"
	}
}

// AutoLocker is the dedicated goroutine that owns the external lock set
// and the timed locked window. The copier calls Check once per pass; when
// Unlocked, that call kicks the automaton into Locking.
type AutoLocker struct {
	locks           []Lock
	lockTimeLimit   time.Duration
	lockCooldown    time.Duration
	mu              sync.Mutex
	status          Status
	wake            chan struct{}
	joining         chan struct{}
	joinOnce        sync.Once
	done            chan struct{}
}

// New starts the orchestrator goroutine. locks are acquired in the order
// given (callers should place command locks before file locks, matching
// the original tool's convention of "commands first, then files").
func New(locks []Lock, lockTimeLimit, lockCooldown time.Duration) *AutoLocker {
	a := &AutoLocker{
		locks:         locks,
		lockTimeLimit: lockTimeLimit,
		lockCooldown:  lockCooldown,
		wake:          make(chan struct{}, 1),
		joining:       make(chan struct{}),
		done:          make(chan struct{}),
	}
	go a.run()
	return a
}

// Check returns the current status, nudging Unlocked -> Locking.
func (a *AutoLocker) Check() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.status == Unlocked {
		a.status = Locking
		select {
		case a.wake <- struct{}{}:
		default:
		}
	}
	return a.status
}

func (a *AutoLocker) setStatus(s Status) {
	a.mu.Lock()
	a.status = s
	a.mu.Unlock()
}

func (a *AutoLocker) getStatus() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// Stop requests the orchestrator goroutine to exit and waits for it to do
// so, releasing any held locks first.
func (a *AutoLocker) Stop() {
	a.joinOnce.Do(func() { close(a.joining) })
	select {
	case a.wake <- struct{}{}:
	default:
	}
	<-a.done
}

func (a *AutoLocker) run() {
	defer close(a.done)

	if len(a.locks) == 0 {
		// Special case: with no locks configured, report Locked forever.
		a.setStatus(Locked)
		<-a.joining
		return
	}

	for {
		select {
		case <-a.joining:
			return
		default:
		}

		switch a.getStatus() {
		case Unlocked:
			select {
			case <-a.wake:
			case <-a.joining:
				return
			}
		case Locking:
			log.Info("lock: applying consistency locks...")
			a.tryLockAndHold()
			a.setStatus(Cooldown)
			log.Info("lock: consistency lock cooldown started...")
			if a.interruptibleSleep(a.lockCooldown) {
				return
			}
			a.setStatus(Unlocked)
			log.Info("lock: consistency lock cooldown expired.")
		default:
			// Unreachable in normal operation; recover rather than panic
			// so a logic bug here can't take down the whole copier.
			log.Errorf("lock: auto locker observed unexpected state %s, resetting", a.getStatus())
			a.setStatus(Unlocked)
		}
	}
}

// tryLockAndHold acquires every configured lock, holds the window for
// lockTimeLimit (or until Stop is called), then releases them in reverse
// order. On any acquisition failure it releases what was taken and backs
// off to Cooldown without ever reaching Locked.
func (a *AutoLocker) tryLockAndHold() {
	commitments := make([]Commitment, 0, len(a.locks))
	for _, l := range a.locks {
		c, err := l.Acquire()
		if err != nil {
			log.Warnf("lock: cannot lock right now, backing off: %v", err)
			releaseAll(commitments)
			return
		}
		commitments = append(commitments, c)
	}

	a.setStatus(Locked)
	log.Info("lock: locks acquired.")
	a.interruptibleSleep(a.lockTimeLimit)
	a.setStatus(Unlocking)
	log.Info("lock: unlocking...")
	releaseAll(commitments)
}

func releaseAll(commitments []Commitment) {
	for i := len(commitments) - 1; i >= 0; i-- {
		commitments[i].Release()
	}
}

// interruptibleSleep waits for duration or until Stop is called,
// whichever comes first. It returns true iff Stop was observed.
func (a *AutoLocker) interruptibleSleep(duration time.Duration) bool {
	timer := time.NewTimer(duration)
	defer timer.Stop()
	select {
	case <-timer.C:
		return false
	case <-a.joining:
		return true
	}
}
