// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package refcntpool

import (
	"fmt"
	"sync/atomic"
)

// RefCntItem implementation
//
func (item *RefCntItem) Hold() {
	newCnt := atomic.AddInt32(&item.refCnt, 1)
	if newCnt < 2 {
		panic(fmt.Sprintf("RefCntItem.Hold(): item %T at %p was not held when called: newCnt %d",
			item, item, newCnt))
	}
}

func (item *RefCntItem) Release() {
	// Decrement cnt by 1.  Even if two threads do this concurrently,
	// only one will have newcnt == 0
	newCnt := atomic.AddInt32(&item.refCnt, -1)

	if newCnt == 0 {
		item.pool.put(item.cntItem)
	} else if newCnt < 0 {
		panic(fmt.Sprintf("RefCntItem.Release(): item was not held when called: newCnt %d", newCnt))
	}
}

func (item *RefCntItem) RefCnt() int32 {
	return atomic.LoadInt32(&item.refCnt)
}

func (item *RefCntItem) AssertIsHeld() {
	refCnt := atomic.LoadInt32(&item.refCnt)
	if refCnt < 1 {
		panic(fmt.Sprintf("(*RefCntItem).AssertIsHeld(): refCnt %d < 1 for RefCntItem at %p",
			refCnt, item))
	}
}

// Init() is called by the pool with a pointer to itself and a pointer to the
// reference counted item that this RefCntItem is embedded in.
//
func (item *RefCntItem) Init(pool RefCntItemPooler, cntItem interface{}) {
	newCnt := atomic.AddInt32(&item.refCnt, 1)
	if newCnt != 1 {
		panic(fmt.Sprintf("RefCntItem.Init(): item %T at %p in pool %T at %p was not free: newCnt %d",
			item, item, item.pool, item.pool, newCnt))
	}
	item.pool = pool
	item.cntItem = cntItem
}

// Zero sets every byte of the buffer to zero.
//
func (bufp *RefCntBuf) Zero() {
	for i := range bufp.Buf {
		bufp.Buf[i] = 0
	}
}

// Get a RefCntBuf from the pool.
//
// The caller must use a type assertion like (*refCntBufPool).Get().(*RefCntBuf)
// to get a pointer to the memory buffer.  Its contents are whatever the last
// user of the buffer left there.
//
func (poolp *RefCntBufPool) Get() (item interface{}) {
	item = poolp.bufPool.Get()

	bufp := item.(*RefCntBuf)
	bufp.Init(poolp, bufp)
	bufp.Buf = bufp.origBuf

	atomic.AddInt64(&poolp.outCnt, 1)
	return
}

func (poolp *RefCntBufPool) put(item interface{}) {
	bufp := item.(*RefCntBuf)

	if poolp.OnRelease != nil {
		poolp.OnRelease(bufp)
	}

	// clear bufp.Buf just in case it points to a different buffer (to speed
	// up garbage collection)
	bufp.Buf = nil

	atomic.AddInt64(&poolp.outCnt, -1)
	poolp.bufPool.Put(item)
}

func (poolp *RefCntBufPool) outstanding() int64 {
	return atomic.LoadInt64(&poolp.outCnt)
}
