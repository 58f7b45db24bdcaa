// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package rangelock implements POSIX style advisory byte-range locks, as used
// by fcntl(F_SETLK, F_SETLKW, F_GETLK).
//
// Example use of a Manager:
/*
func my_function(m *rangelock.Manager) {
	owner := rangelock.GenerateOwnerID()

	err := m.Acquire(context.Background(), rangelock.WriteLock, owner, 0, 100, false)
	switch blunder.Errno(err) {
	case 0:
		// [0,100) is ours
	case int(unix.EAGAIN): // someone else holds part of it
	case int(unix.EDEADLK): // we already hold part of it
	}

	_ = m.Release(owner, 40, 20) // leaves [0,40) and [60,100)
	m.ReleaseAll(owner)
}
*/
package rangelock

import (
	"container/list"
	"context"
	"fmt"
	"math"

	"github.com/google/btree"

	"github.com/NVIDIA/contentcache/trackedlock"
)

type Kind uint32

const (
	ReadLock Kind = iota + 1
	WriteLock
	Unlock // Acquire() with Unlock is a Release()
)

func (kind Kind) String() string {
	switch kind {
	case ReadLock:
		return "ReadLock"
	case WriteLock:
		return "WriteLock"
	case Unlock:
		return "Unlock"
	}
	return fmt.Sprintf("Kind(%d)", uint32(kind))
}

// OwnerID identifies the holder of a range, typically an open file
// description or process.
type OwnerID uint64

// MaxOffset bounds every range; no range extends past it.
const MaxOffset uint64 = math.MaxInt64

// Range is a held byte range [Start, Start+Length).
type Range struct {
	Kind   Kind
	Owner  OwnerID
	Start  uint64
	Length uint64
}

// End returns the first offset past the range.
func (r Range) End() uint64 {
	return r.Start + r.Length
}

func (r Range) String() string {
	return fmt.Sprintf("%v[%v,%v) owner %v", r.Kind, r.Start, r.End(), r.Owner)
}

// Manager holds the ranges locked on one object and the requests waiting for
// them.
type Manager struct {
	trackedlock.Mutex
	held    *btree.BTree // of heldRange ordered by (Start, Owner, Kind, Length)
	pending *list.List   // of *pendingRequest in arrival order
}

var ownerIDLock trackedlock.Mutex
var nextOwnerID OwnerID = 1000

// GenerateOwnerID returns an OwnerID unique within this process.
func GenerateOwnerID() (owner OwnerID) {
	ownerIDLock.Lock()
	owner = nextOwnerID
	nextOwnerID++
	ownerIDLock.Unlock()
	return
}

// New returns a Manager with no ranges held.
func New() (m *Manager) {
	m = &Manager{
		held:    btree.New(2),
		pending: list.New(),
	}
	return
}

// Acquire obtains a kind lock on [start, start+length) for owner.
//
// If another owner holds a conflicting range, Acquire returns TryAgainError
// when blocking is false.  Otherwise it waits, retrying each time ranges are
// released, until the range is granted or ctx is done (InterruptedError).
// A request overlapping a range owner already holds fails with DeadlockError
// and never waits.  A zero length is InvalidArgError and a range extending
// past MaxOffset is OverflowError.
//
// Acquire with kind Unlock is Release(owner, start, length).
//
func (m *Manager) Acquire(ctx context.Context, kind Kind, owner OwnerID, start uint64, length uint64, blocking bool) (err error) {
	if Unlock == kind {
		err = m.Release(owner, start, length)
		return
	}
	err = m.acquire(ctx, kind, owner, start, length, blocking)
	return
}

// Release unlocks owner's ranges within [start, start+length), shrinking or
// splitting ranges that extend past it, then wakes every waiting request.  A
// length of 0 means through MaxOffset.
func (m *Manager) Release(owner OwnerID, start uint64, length uint64) (err error) {
	err = m.release(owner, start, length)
	return
}

// ReleaseAll unlocks every range owner holds.
func (m *Manager) ReleaseAll(owner OwnerID) {
	_ = m.release(owner, 0, 0)
}

// Query returns the first held range, in start order, of an owner other than
// owner that would block a write lock from start through MaxOffset.
func (m *Manager) Query(owner OwnerID, start uint64) (conflict Range, found bool) {
	conflict, found = m.test(WriteLock, owner, start, 0)
	return
}

// Test returns the first held range, in start order, that would block a kind
// lock on [start, start+length) for owner.  A length of 0 means through
// MaxOffset.
func (m *Manager) Test(kind Kind, owner OwnerID, start uint64, length uint64) (conflict Range, found bool) {
	conflict, found = m.test(kind, owner, start, length)
	return
}

// Ranges returns the ranges owner holds in start order.
func (m *Manager) Ranges(owner OwnerID) (ranges []Range) {
	ranges = m.ranges(owner)
	return
}

// Len returns the number of held ranges.
func (m *Manager) Len() (numRanges int) {
	m.Lock()
	numRanges = m.held.Len()
	m.Unlock()
	return
}

// Waiters returns the number of queued requests.
func (m *Manager) Waiters() (numWaiters int) {
	m.Lock()
	numWaiters = m.pending.Len()
	m.Unlock()
	return
}
