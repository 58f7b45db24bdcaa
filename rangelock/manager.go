// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package rangelock

import (
	"context"

	"github.com/google/btree"

	"github.com/NVIDIA/contentcache/blunder"
	"github.com/NVIDIA/contentcache/logger"
	"github.com/NVIDIA/contentcache/utils"
)

// heldRange is a Range as kept in Manager.held
type heldRange Range

func (r heldRange) Less(than btree.Item) bool {
	t := than.(heldRange)
	if r.Start != t.Start {
		return r.Start < t.Start
	}
	if r.Owner != t.Owner {
		return r.Owner < t.Owner
	}
	if r.Kind != t.Kind {
		return r.Kind < t.Kind
	}
	return r.Length < t.Length
}

// pendingRequest is queued while its Range conflicts with another owner's.
// wake is closed once it has been taken off the queue to retry.
type pendingRequest struct {
	Range
	wake  chan struct{}
	woken bool
}

func conflicts(a Kind, b Kind) bool {
	return (WriteLock == a) || (WriteLock == b)
}

// overlappingLocked calls fn, in start order, for every held range
// intersecting [start, end) until fn returns false.
func (m *Manager) overlappingLocked(start uint64, end uint64, fn func(r heldRange) bool) {
	m.held.AscendLessThan(heldRange{Start: end}, func(item btree.Item) bool {
		r := item.(heldRange)
		if r.Start+r.Length <= start {
			return true
		}
		return fn(r)
	})
}

// checkRange validates a request, returning its end offset.
func checkRange(start uint64, length uint64) (end uint64, err error) {
	if (start > MaxOffset) || (length > MaxOffset-start) {
		err = blunder.NewError(blunder.OverflowError, "range [%v,+%v) extends past %v", start, length, MaxOffset)
		return
	}
	end = start + length
	return
}

func (m *Manager) acquire(ctx context.Context, kind Kind, owner OwnerID, start uint64, length uint64, blocking bool) (err error) {
	var stopwatch *utils.Stopwatch

	end, err := checkRange(start, length)
	if nil != err {
		return
	}
	if 0 == length {
		err = blunder.NewError(blunder.InvalidArgError, "zero length %v at %v", kind, start)
		return
	}
	if (ReadLock != kind) && (WriteLock != kind) {
		err = blunder.NewError(blunder.InvalidArgError, "invalid lock kind %v", kind)
		return
	}

	if nil == ctx {
		ctx = context.Background()
	}

	stats.Acquires.Increment()

	request := Range{Kind: kind, Owner: owner, Start: start, Length: length}

	m.Lock()

	for {
		var (
			deadlock bool
			conflict bool
			blocker  heldRange
		)

		m.overlappingLocked(start, end, func(r heldRange) bool {
			if owner == r.Owner {
				deadlock = true
				blocker = r
				return false
			}
			if !conflict && conflicts(kind, r.Kind) {
				conflict = true
				blocker = r
			}
			return true
		})

		if deadlock {
			m.Unlock()
			stats.Deadlocks.Increment()
			err = blunder.NewError(blunder.DeadlockError, "%v overlaps %v held by the same owner", request, Range(blocker))
			return
		}

		if !conflict {
			m.held.ReplaceOrInsert(heldRange(request))
			m.Unlock()
			stats.Grants.Increment()
			if nil != stopwatch {
				stats.WaitUsec.Add(stopwatch.ElapsedUs())
			}
			logger.Tracef("rangelock granted %v", request)
			return
		}

		if !blocking {
			m.Unlock()
			stats.TryAgains.Increment()
			err = blunder.NewError(blunder.TryAgainError, "%v conflicts with %v", request, Range(blocker))
			return
		}

		pending := &pendingRequest{Range: request, wake: make(chan struct{})}
		elem := m.pending.PushBack(pending)
		m.Unlock()

		stats.Waits.Increment()
		if nil == stopwatch {
			stopwatch = utils.NewStopwatch()
		}
		logger.Tracef("rangelock %v waiting on %v", request, Range(blocker))

		select {
		case <-pending.wake:
		case <-ctx.Done():
			m.Lock()
			if !pending.woken {
				m.pending.Remove(elem)
			}
			m.Unlock()
			stats.Interrupts.Increment()
			err = blunder.AddError(ctx.Err(), blunder.InterruptedError)
			logger.TracefWithError(err, "rangelock %v interrupted", request)
			return
		}

		m.Lock()
	}
}

// wakeAllLocked dequeues every pending request and wakes it to retry.
func (m *Manager) wakeAllLocked() {
	for e := m.pending.Front(); nil != e; e = m.pending.Front() {
		pending := m.pending.Remove(e).(*pendingRequest)
		pending.woken = true
		close(pending.wake)
	}
}

func (m *Manager) release(owner OwnerID, start uint64, length uint64) (err error) {
	var owned []heldRange

	if 0 == length {
		if start > MaxOffset {
			err = blunder.NewError(blunder.OverflowError, "release at %v is past %v", start, MaxOffset)
			return
		}
		length = MaxOffset - start
	}
	end, err := checkRange(start, length)
	if nil != err {
		return
	}

	stats.Releases.Increment()

	m.Lock()
	defer m.Unlock()

	m.overlappingLocked(start, end, func(r heldRange) bool {
		if owner == r.Owner {
			owned = append(owned, r)
		}
		return true
	})

	for _, r := range owned {
		rEnd := r.Start + r.Length
		m.held.Delete(r)

		switch {
		case (start <= r.Start) && (end >= rEnd):
			// wholly released
		case start <= r.Start:
			// front released
			m.held.ReplaceOrInsert(heldRange{Kind: r.Kind, Owner: owner, Start: end, Length: rEnd - end})
		case end >= rEnd:
			// back released
			m.held.ReplaceOrInsert(heldRange{Kind: r.Kind, Owner: owner, Start: r.Start, Length: start - r.Start})
		default:
			stats.Splits.Increment()
			m.held.ReplaceOrInsert(heldRange{Kind: r.Kind, Owner: owner, Start: r.Start, Length: start - r.Start})
			m.held.ReplaceOrInsert(heldRange{Kind: r.Kind, Owner: owner, Start: end, Length: rEnd - end})
		}
	}

	if 0 < len(owned) {
		logger.Tracef("rangelock owner %v released [%v,%v) touching %v ranges", owner, start, end, len(owned))
	}

	m.wakeAllLocked()
	return
}

func (m *Manager) test(kind Kind, owner OwnerID, start uint64, length uint64) (conflict Range, found bool) {
	if start > MaxOffset {
		return
	}
	if (0 == length) || (length > MaxOffset-start) {
		length = MaxOffset - start
	}
	end := start + length

	m.Lock()
	m.overlappingLocked(start, end, func(r heldRange) bool {
		if (owner != r.Owner) && conflicts(kind, r.Kind) {
			conflict = Range(r)
			found = true
			return false
		}
		return true
	})
	m.Unlock()
	return
}

func (m *Manager) ranges(owner OwnerID) (ranges []Range) {
	m.Lock()
	m.held.Ascend(func(item btree.Item) bool {
		r := item.(heldRange)
		if owner == r.Owner {
			ranges = append(ranges, Range(r))
		}
		return true
	})
	m.Unlock()
	return
}
