// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package pagecache

import (
	"sync/atomic"

	"github.com/NVIDIA/contentcache/blunder"
	"github.com/NVIDIA/contentcache/frame"
	"github.com/NVIDIA/contentcache/logger"
	"github.com/NVIDIA/contentcache/trackedlock"
	"github.com/NVIDIA/contentcache/utils"
)

// Cache holds the cached pages of one file-like object.
//
// size and flags are only changed with the lock held but are read atomically
// so Driver callbacks may examine them.
//
type Cache struct {
	trackedlock.Mutex
	registry      *Registry
	id            uint64
	refCnt        int32
	flags         uint32 // Flags
	size          uint64
	shrinkGen     uint64 // bumped by every shrinking Truncate
	destroyed     bool
	trie          trie
	driver        Driver
	directPager   DirectPager // nil unless driver implements it
	driverContext interface{}
}

func (cache *Cache) ID() uint64 {
	return cache.id
}

func (cache *Cache) Size() uint64 {
	return atomic.LoadUint64(&cache.size)
}

func (cache *Cache) setSize(size uint64) {
	atomic.StoreUint64(&cache.size, size)
}

func (cache *Cache) Flags() Flags {
	return Flags(atomic.LoadUint32(&cache.flags))
}

func (cache *Cache) setFlagsLocked(flags Flags) {
	atomic.StoreUint32(&cache.flags, uint32(flags))
}

func (cache *Cache) DriverContext() interface{} {
	return cache.driverContext
}

// SetFlags sets ReadOnly and/or FixedSize.  Anonymous may only be set via
// Uncache().
func (cache *Cache) SetFlags(flags Flags) (err error) {
	if 0 != (flags & Anonymous) {
		err = blunder.NewError(blunder.InvalidArgError, "SetFlags(%v): use Uncache() to make a cache anonymous", flags)
		return
	}

	cache.Lock()
	cache.setFlagsLocked(cache.Flags() | flags)
	cache.Unlock()
	return
}

// ClearFlags clears ReadOnly and/or FixedSize.  Anonymous is permanent.
func (cache *Cache) ClearFlags(flags Flags) (err error) {
	if 0 != (flags & Anonymous) {
		err = blunder.NewError(blunder.InvalidArgError, "ClearFlags(%v): Anonymous cannot be cleared", flags)
		return
	}

	cache.Lock()
	cache.setFlagsLocked(cache.Flags() &^ flags)
	cache.Unlock()
	return
}

// PageCount returns the number of pages held in the trie.
func (cache *Cache) PageCount() (pageCount uint64) {
	cache.Lock()
	pageCount = cache.trie.pages
	cache.Unlock()
	return
}

// NodeCount returns the number of allocated trie nodes, including the root.
func (cache *Cache) NodeCount() (nodeCount uint64) {
	cache.Lock()
	nodeCount = cache.trie.liveNodes
	cache.Unlock()
	return
}

// RefCount returns the number of references held on the cache.
func (cache *Cache) RefCount() (refCnt int32) {
	cache.Lock()
	refCnt = cache.refCnt
	cache.Unlock()
	return
}

// Validate walks the trie checking its structure.  A corrupted node magic or
// slot tag panics; any other inconsistency is returned.
func (cache *Cache) Validate() (err error) {
	cache.Lock()
	err = cache.trie.validate()
	cache.Unlock()
	if nil != err {
		err = blunder.AddError(err, blunder.IOError)
	}
	return
}

// Up takes an additional reference on the cache.
func (cache *Cache) Up() {
	cache.Lock()
	cache.refCnt++
	cache.Unlock()
}

// Down drops a reference.  When the last reference of an anonymous cache is
// dropped the cache is destroyed; a non-anonymous cache stays in its Registry
// as passive cache.
func (cache *Cache) Down() {
	cache.Lock()
	if 0 >= cache.refCnt {
		cache.Unlock()
		err := blunder.NewError(blunder.InvalidArgError, "cache %v refCnt %v", cache.id, cache.refCnt)
		logger.PanicfWithError(err, "pagecache.Down() called too many times")
	}
	cache.refCnt--
	if (0 == cache.refCnt) && (0 != (cache.Flags() & Anonymous)) {
		cache.destroyLocked()
	}
	cache.Unlock()
}

// Uncache removes the cache from its Registry and makes it anonymous.  An
// uncached cache with no references left is destroyed at once.
func (cache *Cache) Uncache() {
	if nil != cache.registry {
		cache.registry.remove(cache)
	}

	cache.Lock()
	cache.setFlagsLocked(cache.Flags() | Anonymous)
	if 0 == cache.refCnt {
		cache.destroyLocked()
	}
	cache.Unlock()
}

// destroyLocked drops the cache's reference on every page it holds and frees
// the trie.  Pages still referenced elsewhere, e.g. by a mapping, survive.
func (cache *Cache) destroyLocked() {
	var pages []frame.Handle

	if cache.destroyed {
		return
	}

	cache.trie.walk(0, func(pageNum uint64, s trieSlot) bool {
		if slotPage == s.tag {
			pages = append(pages, s.page)
		}
		return true
	})

	for _, h := range pages {
		cache.provider().Uncache(h)
	}
	stats.PagesDropped.Add(uint64(len(pages)))

	cache.trie.release()
	cache.destroyed = true

	logger.Tracef("pagecache cache %v destroyed dropping %v pages", cache.id, len(pages))
}

func (cache *Cache) provider() frame.Provider {
	return cache.registry.provider
}

// LookupOrLoad returns the page at pos (which must be page aligned) with a
// reference taken for the caller, loading it through the Driver if it is not
// already cached.  The caller must DecRef the handle when done with it.
//
// If a Truncate drops pos while its load is in flight, the loaded page is
// returned without being cached: the caller holds its only reference
// (Provider.RefCount(h) == 1) and its contents may predate the truncate.
func (cache *Cache) LookupOrLoad(pos uint64) (h frame.Handle, err error) {
	if !frame.PageAligned(pos) {
		err = blunder.NewError(blunder.InvalidArgError, "LookupOrLoad(%v) offset not page aligned", pos)
		return
	}

	cache.Lock()
	h, err = cache.lookupOrLoadLocked(pos, false)
	cache.Unlock()
	return
}

// lookupOrLoadLocked is LookupOrLoad with the cache lock held.  The lock is
// dropped while a page loads, so the trie may change across the call.
//
// If zeroFill is set a missing page is materialized zero filled without
// calling LoadPage, as for pages a write will entirely overwrite.
func (cache *Cache) lookupOrLoadLocked(pos uint64, zeroFill bool) (h frame.Handle, err error) {
	provider := cache.provider()

	stats.Lookups.Increment()

	if cache.destroyed {
		err = blunder.NewError(blunder.InvalidArgError, "cache %v used after destruction", cache.id)
		return
	}

	if nil != cache.directPager {
		h = cache.directPager.DirectPage(cache, pos)
		if frame.NoFrame != h {
			stats.DirectPages.Increment()
			provider.Pin(h)
			provider.IncRef(h)
			return
		}
	}

	pageNum := pos >> frame.PageShift

	for {
		leaf, si, ensureErr := cache.trie.ensureLeaf(pageNum)
		if nil != ensureErr {
			err = ensureErr
			return
		}

		s := cache.trie.leafSlot(leaf, si)

		switch s.tag {
		case slotPage:
			stats.Hits.Increment()
			h = s.page
			provider.IncRef(h)
			return

		case slotLoading:
			marker := s.loading
			stats.LoadWaits.Increment()
			cache.Unlock()
			<-marker.done
			cache.Lock()
			if cache.destroyed {
				err = blunder.NewError(blunder.InvalidArgError, "cache %v destroyed during lookup", cache.id)
				return
			}
			continue
		}

		stats.Misses.Increment()

		if zeroFill || (0 != (cache.Flags() & Anonymous)) {
			h, err = provider.NewZeroedFrame()
			if nil != err {
				cache.trie.prune(leaf)
				return
			}
			cache.trie.setPage(leaf, si, h)
			provider.IncRef(h)
			return
		}

		h, err = cache.loadLocked(pos, leaf, si)
		return
	}
}

// loadLocked loads the page at pos into the empty slot (leaf, si), dropping
// the cache lock while the Driver runs.
func (cache *Cache) loadLocked(pos uint64, leaf nodeIndex, si int) (h frame.Handle, err error) {
	provider := cache.provider()
	pageNum := pos >> frame.PageShift

	marker := &loadingMarker{done: make(chan struct{})}
	cache.trie.setLoading(leaf, si, marker)
	cache.Unlock()

	stopwatch := utils.NewStopwatch()
	stats.Loads.Increment()

	scratch := cache.registry.scratchPool.GetZeroed()
	loadErr := cache.driver.LoadPage(cache, pos, scratch.Buf)
	if nil == loadErr {
		h, err = provider.NewZeroedFrame()
		if nil == err {
			provider.WriteBytes(h, scratch.Buf)
		}
	} else {
		stats.LoadFailures.Increment()
		logger.WarnfWithError(loadErr, "pagecache cache %v LoadPage(%v) failed", cache.id, pos)
		err = blunder.NewError(blunder.IOError, "LoadPage(%v) failed: %v", pos, loadErr)
	}
	scratch.Release()

	stats.LoadUsec.Add(stopwatch.ElapsedUs())

	cache.Lock()

	// the marker is gone if a truncate removed it while we loaded
	stillMarked := false
	if !cache.destroyed {
		leaf, si, stillMarked = cache.trie.findLeaf(pageNum)
		if stillMarked {
			s := cache.trie.leafSlot(leaf, si)
			stillMarked = (slotLoading == s.tag) && (marker == s.loading)
		}
	}

	switch {
	case !stillMarked:
		// a successfully loaded page is handed to the caller uncached
	case nil != err:
		cache.trie.clearSlot(leaf, si)
	default:
		cache.trie.setPage(leaf, si, h)
		provider.IncRef(h)
	}

	close(marker.done)
	return
}
