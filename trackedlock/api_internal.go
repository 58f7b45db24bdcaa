// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package trackedlock

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/NVIDIA/contentcache/logger"
	"github.com/NVIDIA/contentcache/utils"
)

type globalsStruct struct {
	longHolds   uint64 // updated atomically; first for 64-bit alignment
	holdLimit   time.Duration
	checkPeriod time.Duration
	maxLogged   int // per watcher pass
	watchLock   sync.Mutex
	watched     map[*lockTracker]*Mutex // nil unless the watcher runs
	ticker      *time.Ticker
	stopChan    chan struct{}
	doneChan    chan struct{}
}

var globals globalsStruct

type stackBuf struct {
	trace []byte
	buf   [4040]byte
}

var stackBufPool = sync.Pool{
	New: func() interface{} {
		return &stackBuf{}
	},
}

func captureStack(sb *stackBuf) {
	sb.trace = sb.buf[:runtime.Stack(sb.buf[:], false)]
}

// lockTracker is only written by the lock holder.  held is read atomically by
// the watcher, which otherwise relies on watchLock.
type lockTracker struct {
	watched  bool
	held     int32
	lockedAt time.Time
	goID     uint64
	stack    *stackBuf // stack at Lock(); nil while untracked
}

func longHoldCount() uint64 {
	return atomic.LoadUint64(&globals.longHolds)
}

func (lt *lockTracker) locked(m *Mutex) {
	lt.lockedAt = time.Now()

	if 0 == globals.holdLimit {
		atomic.StoreInt32(&lt.held, 1)
		return
	}

	lt.stack = stackBufPool.Get().(*stackBuf)
	captureStack(lt.stack)
	lt.goID = utils.StackTraceToGoId(lt.stack.trace)
	atomic.StoreInt32(&lt.held, 1)

	if !lt.watched && (0 != globals.checkPeriod) {
		globals.watchLock.Lock()
		if nil != globals.watched {
			globals.watched[lt] = m
			lt.watched = true
		}
		globals.watchLock.Unlock()
	}
}

func (lt *lockTracker) unlocked(m *Mutex) {
	if 0 != globals.holdLimit {
		heldFor := time.Since(lt.lockedAt)
		if heldFor >= globals.holdLimit {
			var unlockStack stackBuf
			captureStack(&unlockStack)

			lockStack := "(locked before tracking was enabled)\n"
			if nil != lt.stack {
				lockStack = string(lt.stack.trace)
			}

			atomic.AddUint64(&globals.longHolds, 1)
			logger.Warnf("Unlock(): %T at %p held for %v; stack at Lock():\n%s stack at Unlock():\n%s",
				m, m, heldFor, lockStack, string(unlockStack.trace))
		}
	}

	atomic.StoreInt32(&lt.held, 0)
	if nil != lt.stack {
		stackBufPool.Put(lt.stack)
		lt.stack = nil
	}
}

type longHolder struct {
	m        *Mutex
	lockedAt time.Time
	goID     uint64
	stack    string
}

// watchPass logs the longest held locks, at most globals.maxLogged of them,
// and stops watching locks left idle for a whole period.
func watchPass(now time.Time) {
	var holders []longHolder

	globals.watchLock.Lock()
	for lt, m := range globals.watched {
		if 0 == atomic.LoadInt32(&lt.held) {
			if now.Sub(lt.lockedAt) >= globals.checkPeriod {
				lt.watched = false
				delete(globals.watched, lt)
			}
			continue
		}
		if now.Sub(lt.lockedAt) <= globals.holdLimit {
			continue
		}
		holder := longHolder{m: m, lockedAt: lt.lockedAt, goID: lt.goID}
		if sb := lt.stack; nil != sb {
			holder.stack = string(sb.trace)
		}
		holders = append(holders, holder)
	}
	globals.watchLock.Unlock()

	sort.Slice(holders, func(i, j int) bool { return holders[i].lockedAt.Before(holders[j].lockedAt) })
	if len(holders) > globals.maxLogged {
		holders = holders[:globals.maxLogged]
	}

	for rank, holder := range holders {
		atomic.AddUint64(&globals.longHolds, 1)
		logger.Warnf("trackedlock watcher: %T at %p held for %v (rank %d) by goroutine %d; stack at Lock():\n%s",
			holder.m, holder.m, now.Sub(holder.lockedAt), rank, holder.goID, holder.stack)
	}
}

func lockWatcher(tick <-chan time.Time) {
	for {
		select {
		case <-globals.stopChan:
			watchPass(time.Now())
			logger.Infof("trackedlock lock watcher exiting")
			globals.doneChan <- struct{}{}
			return
		case now := <-tick:
			watchPass(now)
		}
	}
}
