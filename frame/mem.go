// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package frame

import (
	"fmt"

	"github.com/NVIDIA/contentcache/blunder"
	"github.com/NVIDIA/contentcache/bucketstats"
	"github.com/NVIDIA/contentcache/conf"
	"github.com/NVIDIA/contentcache/logger"
	"github.com/NVIDIA/contentcache/refcntpool"
	"github.com/NVIDIA/contentcache/trackedlock"
)

type memFrame struct {
	buf      *refcntpool.RefCntBuf // one hold for the frame itself plus one per live mapping
	refCnt   int32
	accessed bool
	dirty    bool
	pinned   bool
}

// MemProvider is a Provider whose frames are reference counted page buffers.
//
type MemProvider struct {
	trackedlock.Mutex
	bufPool    *refcntpool.RefCntBufPool
	frameMap   map[Handle]*memFrame
	nextHandle Handle
	maxFrames  uint64 // 0 means unlimited
}

type statsStruct struct {
	FramesAllocated bucketstats.Total
	FramesFreed     bucketstats.Total
	AllocFailures   bucketstats.Total
	BuffersRecycled bucketstats.Total
}

var stats statsStruct

func init() {
	bucketstats.Register("frame", "", &stats)
}

// NewMemProvider returns a MemProvider limited to [Frame]MaxFrames live frames
// (absent or 0 means unlimited).
//
func NewMemProvider(confMap conf.ConfMap) (memProvider *MemProvider, err error) {
	maxFrames, err := confMap.FetchOptionValueUint64Default("Frame", "MaxFrames", 0)
	if nil != err {
		err = blunder.AddError(fmt.Errorf("frame.NewMemProvider(): [Frame]MaxFrames invalid: %v", err), blunder.InvalidArgError)
		return
	}

	memProvider = MakeMemProvider(maxFrames)
	return
}

// MakeMemProvider returns a MemProvider limited to maxFrames live frames (0
// means unlimited).
//
func MakeMemProvider(maxFrames uint64) (memProvider *MemProvider) {
	memProvider = &MemProvider{
		bufPool:    refcntpool.RefCntBufPoolMake(PageSize),
		frameMap:   make(map[Handle]*memFrame),
		nextHandle: NoFrame + 1,
		maxFrames:  maxFrames,
	}
	memProvider.bufPool.OnRelease = func(bufp *refcntpool.RefCntBuf) {
		stats.BuffersRecycled.Increment()
	}

	logger.Infof("frame.MakeMemProvider(): MaxFrames %v", maxFrames)
	return
}

// InUse returns the number of live frames.
func (memProvider *MemProvider) InUse() (inUse int) {
	memProvider.Lock()
	inUse = len(memProvider.frameMap)
	memProvider.Unlock()
	return
}

// BuffersOutstanding returns the number of page buffers not yet recycled,
// counting those kept alive only by a mapping.
func (memProvider *MemProvider) BuffersOutstanding() int64 {
	return memProvider.bufPool.Outstanding()
}

// IsAccessed reports whether h was marked accessed since it was allocated.
func (memProvider *MemProvider) IsAccessed(h Handle) (accessed bool) {
	memProvider.Lock()
	accessed = memProvider.fetchLocked(h).accessed
	memProvider.Unlock()
	return
}

// fetchLocked returns the live frame h; a dead or unknown handle is a caller bug.
func (memProvider *MemProvider) fetchLocked(h Handle) (f *memFrame) {
	f, ok := memProvider.frameMap[h]
	if !ok {
		memProvider.Unlock()
		err := blunder.NewError(blunder.InvalidArgError, "frame %v is not live", h)
		logger.PanicfWithError(err, "frame.MemProvider: use of dead frame")
	}
	return
}

func (memProvider *MemProvider) NewZeroedFrame() (h Handle, err error) {
	memProvider.Lock()

	if (0 != memProvider.maxFrames) && (uint64(len(memProvider.frameMap)) >= memProvider.maxFrames) {
		memProvider.Unlock()
		stats.AllocFailures.Increment()
		err = blunder.NewError(blunder.OutOfMemoryError, "frame limit of %v reached", memProvider.maxFrames)
		return
	}

	h = memProvider.nextHandle
	memProvider.nextHandle++

	memProvider.frameMap[h] = &memFrame{
		buf:    memProvider.bufPool.GetZeroed(),
		refCnt: 1,
	}

	memProvider.Unlock()

	stats.FramesAllocated.Increment()
	logger.Tracef("frame.NewZeroedFrame() returning frame %v", h)
	return
}

func (memProvider *MemProvider) IncRef(h Handle) {
	memProvider.Lock()
	memProvider.fetchLocked(h).refCnt++
	memProvider.Unlock()
}

// decRefLocked drops one reference, freeing the frame when none remain.  The
// page buffer itself survives until every mapping of it is unmapped.
func (memProvider *MemProvider) decRefLocked(h Handle, f *memFrame) {
	f.refCnt--
	if 0 < f.refCnt {
		return
	}

	delete(memProvider.frameMap, h)
	f.buf.Release()
	f.buf = nil

	stats.FramesFreed.Increment()
	logger.Tracef("frame.DecRef() freed frame %v", h)
}

func (memProvider *MemProvider) DecRef(h Handle) {
	memProvider.Lock()
	memProvider.decRefLocked(h, memProvider.fetchLocked(h))
	memProvider.Unlock()
}

func (memProvider *MemProvider) Uncache(h Handle) {
	memProvider.Lock()
	f := memProvider.fetchLocked(h)
	f.dirty = false
	memProvider.decRefLocked(h, f)
	memProvider.Unlock()
}

func (memProvider *MemProvider) MarkAccessed(h Handle) {
	memProvider.Lock()
	memProvider.fetchLocked(h).accessed = true
	memProvider.Unlock()
}

func (memProvider *MemProvider) MarkDirty(h Handle) {
	memProvider.Lock()
	memProvider.fetchLocked(h).dirty = true
	memProvider.Unlock()
}

func (memProvider *MemProvider) TestAndClearDirty(h Handle) (wasDirty bool) {
	memProvider.Lock()
	f := memProvider.fetchLocked(h)
	wasDirty = f.dirty
	f.dirty = false
	memProvider.Unlock()
	return
}

func (memProvider *MemProvider) IsDirty(h Handle) (dirty bool) {
	memProvider.Lock()
	dirty = memProvider.fetchLocked(h).dirty
	memProvider.Unlock()
	return
}

func (memProvider *MemProvider) Pin(h Handle) {
	memProvider.Lock()
	memProvider.fetchLocked(h).pinned = true
	memProvider.Unlock()
}

func (memProvider *MemProvider) IsPinned(h Handle) (pinned bool) {
	memProvider.Lock()
	pinned = memProvider.fetchLocked(h).pinned
	memProvider.Unlock()
	return
}

func (memProvider *MemProvider) RefCount(h Handle) (refCnt int32) {
	memProvider.Lock()
	refCnt = memProvider.fetchLocked(h).refCnt
	memProvider.Unlock()
	return
}

func (memProvider *MemProvider) WriteBytes(h Handle, buf []byte) {
	memProvider.Lock()
	copy(memProvider.fetchLocked(h).buf.Buf, buf)
	memProvider.Unlock()
}

func (memProvider *MemProvider) Map(h Handle) (mapping []byte, unmap func()) {
	memProvider.Lock()
	bufp := memProvider.fetchLocked(h).buf
	bufp.Hold()
	memProvider.Unlock()

	mapping = bufp.Buf
	unmap = func() {
		bufp.Release()
	}
	return
}
