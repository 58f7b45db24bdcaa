// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package trackedlock provides a Mutex that reports long holds.
//
// With TrackedLock.LockHoldTimeLimit non-zero, Lock() records the locker's
// stack and Unlock() logs both stacks if the hold exceeded the limit.  With
// TrackedLock.LockCheckPeriod also non-zero a watcher goroutine scans held
// locks each period and logs the longest holders while they are still held.
// A zero limit disables tracking.
//
// A Mutex may be used before transitions.Up(); it is tracked from its first
// Lock() after tracking is enabled.
//
package trackedlock

import (
	"sync"
)

type Mutex struct {
	mutex   sync.Mutex
	tracker lockTracker
}

func (m *Mutex) Lock() {
	m.mutex.Lock()
	m.tracker.locked(m)
}

func (m *Mutex) Unlock() {
	m.tracker.unlocked(m)
	m.mutex.Unlock()
}

// LongHoldCount returns how many long holds have been reported, either at
// Unlock() or by the watcher.
//
func LongHoldCount() uint64 {
	return longHoldCount()
}
