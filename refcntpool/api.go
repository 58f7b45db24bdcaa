// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package refcntpool provides reference counted items, where the item is
// returned to its pool when its reference count drops to zero (upon a call to
// item.Release()).
//
// RefCntBuf, a reference counted memory buffer, holds the contents of one
// in-memory frame.  Use RefCntBufPoolMake(bufSz uint64) to create a pool of
// reference counted memory buffers of size bufSz.
//
package refcntpool

import (
	"sync"
)

// A object implementing the RefCntItemer interface is acquired from a
// RefCntItemPooler.  Hold() increments the reference count and Release()
// decrements it.  Upon final release (when the reference count drops to zero)
// it is returned the pool from whence it came.
//
// An object returned by Get() starts with one hold.  When all the holds are
// released the object must not be accessed.
//
type RefCntItemer interface {
	Init(RefCntItemPooler, interface{}) // invoked by RefCntItemPooler.Get() before the item is returned
	Hold()                              // get an additional hold on the item
	Release()                           // release a hold on the item
	RefCnt() int32                      // current number of holds
}

// The RefCntItemPooler interface defines Get() and put() methods for objects
// that support the RefCntItemer interface.
//
// While Get() is called to get a new object, put() should only be called via
// the object's Release() method and not called directly.
//
type RefCntItemPooler interface {
	Get() interface{}
	put(interface{})
}

// RefCntItem is an object that implements the RefCntItemer interface.  It can
// be embedded in other objects to allow them to be reference counted.
//
type RefCntItem struct {
	pool    RefCntItemPooler
	cntItem interface{} // the acutal item this is embedded in
	refCnt  int32       // updated atomically
	_       sync.Mutex  // insure a RefCntItem is not copied
}

// A reference counted memory buffer implementing Hold() and Release().
//
// Buf always has the length of the pool's buffer size.
//
type RefCntBuf struct {
	RefCntItem        // track reference count; provides Hold() and Release()
	origBuf    []byte // original buffer allocation
	Buf        []byte // current buffer
}

// A pool of reference counted memory buffers, where bufers are acquired by
// calling Get() or GetZeroed() and returned on the final Release().
//
// Call RefCntBufPoolMake() to return a pool for memory buffers of the desired
// size.
//
type RefCntBufPool struct {
	bufPool   sync.Pool             // buffer pool
	bufSz     uint64                // all buffers in this pool are bufSz bytes
	outCnt    int64                 // buffers handed out and not yet finally released; updated atomically
	OnRelease func(bufp *RefCntBuf) // if set, invoked upon a buffer's final release
	_         sync.Mutex            // insure a RefCntBufPool is not copied
}

// Create and return a pool of reference counted memory buffers with the
// specified bufSz.
//
func RefCntBufPoolMake(bufSz uint64) (poolp *RefCntBufPool) {
	poolp = &RefCntBufPool{}

	poolp.bufPool.New = func() interface{} {
		bufp := &RefCntBuf{
			origBuf: make([]byte, bufSz),
		}
		return bufp
	}

	poolp.bufSz = bufSz
	return
}

// GetZeroed returns a buffer from the pool with every byte set to zero, holding
// one reference.
//
func (poolp *RefCntBufPool) GetZeroed() (bufp *RefCntBuf) {
	bufp = poolp.Get().(*RefCntBuf)
	bufp.Zero()
	return
}

// BufSize returns the size of every buffer in the pool.
//
func (poolp *RefCntBufPool) BufSize() uint64 {
	return poolp.bufSz
}

// Outstanding returns the number of buffers that have been handed out and not
// yet finally released.
//
func (poolp *RefCntBufPool) Outstanding() int64 {
	return poolp.outstanding()
}
