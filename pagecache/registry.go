// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package pagecache

import (
	"fmt"

	"github.com/NVIDIA/sortedmap"

	"github.com/NVIDIA/contentcache/blunder"
	"github.com/NVIDIA/contentcache/conf"
	"github.com/NVIDIA/contentcache/frame"
	"github.com/NVIDIA/contentcache/logger"
	"github.com/NVIDIA/contentcache/refcntpool"
	"github.com/NVIDIA/contentcache/trackedlock"
)

// Registry is the set of non-anonymous caches sharing one frame.Provider.
//
// Caches are kept in an LLRB tree keyed by id.  ReclaimPage sweeps it from a
// clock hand that advances past the last cache it took a page from.
//
type Registry struct {
	trackedlock.Mutex
	provider         frame.Provider
	cacheMap         sortedmap.LLRBTree // key: cache id (uint64); value: *Cache
	nextID           uint64
	clockHand        uint64
	maxTrieNodes     uint64
	reclaimMaxCaches uint64
	scratchPool      *refcntpool.RefCntBufPool
}

// NewRegistry creates a Registry of caches backed by provider, configured by
// [PageCache]MaxTrieNodes (per cache trie node limit) and
// [PageCache]ReclaimMaxCaches (caches visited per ReclaimPage), both
// defaulting to 0 meaning unlimited.
//
func NewRegistry(confMap conf.ConfMap, provider frame.Provider) (registry *Registry, err error) {
	if nil == provider {
		err = blunder.NewError(blunder.InvalidArgError, "pagecache.NewRegistry(): nil frame.Provider")
		return
	}

	maxTrieNodes, err := confMap.FetchOptionValueUint64Default("PageCache", "MaxTrieNodes", 0)
	if nil != err {
		err = blunder.AddError(fmt.Errorf("pagecache.NewRegistry(): [PageCache]MaxTrieNodes invalid: %v", err), blunder.InvalidArgError)
		return
	}
	if (0 != maxTrieNodes) && (trieLevels > maxTrieNodes) {
		err = blunder.NewError(blunder.InvalidArgError,
			"pagecache.NewRegistry(): [PageCache]MaxTrieNodes (%v) must be 0 or at least %v", maxTrieNodes, trieLevels)
		return
	}

	reclaimMaxCaches, err := confMap.FetchOptionValueUint64Default("PageCache", "ReclaimMaxCaches", 0)
	if nil != err {
		err = blunder.AddError(fmt.Errorf("pagecache.NewRegistry(): [PageCache]ReclaimMaxCaches invalid: %v", err), blunder.InvalidArgError)
		return
	}

	registry = &Registry{
		provider:         provider,
		nextID:           1,
		clockHand:        1,
		maxTrieNodes:     maxTrieNodes,
		reclaimMaxCaches: reclaimMaxCaches,
		scratchPool:      refcntpool.RefCntBufPoolMake(frame.PageSize),
	}
	registry.cacheMap = sortedmap.NewLLRBTree(sortedmap.CompareUint64, registry)

	logger.Infof("pagecache.NewRegistry(): MaxTrieNodes %v ReclaimMaxCaches %v", maxTrieNodes, reclaimMaxCaches)
	return
}

func (registry *Registry) DumpKey(key sortedmap.Key) (keyAsString string, err error) {
	keyAsUint64, ok := key.(uint64)
	if !ok {
		err = fmt.Errorf("pagecache.Registry.DumpKey() could not parse key as a uint64")
		return
	}

	keyAsString = fmt.Sprintf("0x%016X", keyAsUint64)
	return
}

func (registry *Registry) DumpValue(value sortedmap.Value) (valueAsString string, err error) {
	cache, ok := value.(*Cache)
	if !ok {
		err = fmt.Errorf("pagecache.Registry.DumpValue() could not parse value as a *Cache")
		return
	}

	valueAsString = fmt.Sprintf("size %v flags %v", cache.Size(), cache.Flags())
	return
}

// NewCache creates a cache holding one reference.  Unless flags includes
// Anonymous the cache is added to the Registry.  A nil driver backs the
// cache with zero filled pages and discards flushes.
//
func (registry *Registry) NewCache(driver Driver, flags Flags, driverContext interface{}) (cache *Cache) {
	if nil == driver {
		driver = nullDriver{}
	}

	cache = &Cache{
		registry:      registry,
		refCnt:        1,
		flags:         uint32(flags),
		driver:        driver,
		driverContext: driverContext,
	}
	cache.directPager, _ = driver.(DirectPager)
	cache.trie.init(registry.maxTrieNodes)

	registry.Lock()
	cache.id = registry.nextID
	registry.nextID++
	if 0 == (flags & Anonymous) {
		ok, err := registry.cacheMap.Put(cache.id, cache)
		if nil != err {
			registry.Unlock()
			logger.PanicfWithError(err, "pagecache cache %v registration failed", cache.id)
		}
		if !ok {
			registry.Unlock()
			err = blunder.NewError(blunder.IOError, "cache id %v already registered", cache.id)
			logger.PanicfWithError(err, "pagecache cache %v registration failed", cache.id)
		}
	}
	registry.Unlock()

	logger.Tracef("pagecache cache %v created with flags %v", cache.id, flags)
	return
}

// Len returns the number of caches in the Registry.
func (registry *Registry) Len() (numCaches int) {
	registry.Lock()
	numCaches = registry.lenLocked()
	registry.Unlock()
	return
}

func (registry *Registry) lenLocked() (numCaches int) {
	numCaches, err := registry.cacheMap.Len()
	if nil != err {
		registry.Unlock()
		logger.PanicfWithError(err, "pagecache registry Len() failed")
	}
	return
}

// Validate checks the structure of the Registry's cache map.
func (registry *Registry) Validate() (err error) {
	registry.Lock()
	err = registry.cacheMap.Validate()
	registry.Unlock()
	if nil != err {
		err = blunder.AddError(err, blunder.IOError)
	}
	return
}

func (registry *Registry) remove(cache *Cache) {
	registry.Lock()
	_, err := registry.cacheMap.DeleteByKey(cache.id)
	registry.Unlock()
	if nil != err {
		logger.PanicfWithError(err, "pagecache cache %v unregistration failed", cache.id)
	}
}

// sweepLocked returns up to reclaimMaxCaches caches (all if 0) in id order
// from the clock hand, wrapping around.
func (registry *Registry) sweepLocked() (caches []*Cache) {
	numCaches := registry.lenLocked()
	if 0 == numCaches {
		return
	}

	limit := numCaches
	if (0 != registry.reclaimMaxCaches) && (uint64(limit) > registry.reclaimMaxCaches) {
		limit = int(registry.reclaimMaxCaches)
	}

	first, _, err := registry.cacheMap.BisectRight(registry.clockHand)
	if nil != err {
		registry.Unlock()
		logger.PanicfWithError(err, "pagecache registry BisectRight(%v) failed", registry.clockHand)
	}

	for i := 0; i < limit; i++ {
		_, value, ok, err := registry.cacheMap.GetByIndex((first + i) % numCaches)
		if (nil != err) || !ok {
			registry.Unlock()
			logger.PanicfWithError(blunder.AddError(fmt.Errorf("GetByIndex(): ok %v err %v", ok, err), blunder.IOError),
				"pagecache registry sweep failed")
		}
		caches = append(caches, value.(*Cache))
	}

	return
}

// ReclaimPage evicts one page from some cache in the Registry, flushing it
// first if dirty, and returns its handle.  The single remaining reference on
// it belongs to the caller.  Pages that are pinned or referenced outside
// their cache are never chosen.  If no page can be evicted NotFoundError is
// returned.
//
func (registry *Registry) ReclaimPage() (h frame.Handle, err error) {
	registry.Lock()
	caches := registry.sweepLocked()
	if 0 < len(caches) {
		registry.clockHand = caches[len(caches)-1].id + 1
	}
	registry.Unlock()

	for _, cache := range caches {
		var ok bool

		cache.Lock()
		h, ok = cache.reclaimLocked()
		cache.Unlock()

		if ok {
			registry.Lock()
			registry.clockHand = cache.id + 1
			registry.Unlock()

			stats.Reclaims.Increment()
			logger.Tracef("pagecache reclaimed frame %v from cache %v", h, cache.id)
			return
		}
	}

	stats.ReclaimMisses.Increment()
	err = blunder.NewError(blunder.NotFoundError, "no reclaimable page among %v caches", len(caches))
	return
}

// reclaimLocked removes the first page, in offset order, whose only reference
// is the cache's and which is not pinned.  A dirty page is flushed first; if
// that fails it stays cached and the next candidate is tried.
func (cache *Cache) reclaimLocked() (h frame.Handle, ok bool) {
	if cache.destroyed || (0 != (cache.Flags() & Anonymous)) {
		return
	}

	provider := cache.provider()
	nextPage := uint64(0)

	for {
		var (
			found   bool
			pageNum uint64
		)

		cache.trie.walk(nextPage, func(walkPageNum uint64, s trieSlot) bool {
			if (slotPage == s.tag) && (1 == provider.RefCount(s.page)) && !provider.IsPinned(s.page) {
				found = true
				pageNum = walkPageNum
				h = s.page
				return false
			}
			return true
		})

		if !found {
			h = frame.NoFrame
			return
		}

		if err := cache.flushPageLocked(pageNum<<frame.PageShift, h); nil != err {
			logger.InfofWithError(err, "pagecache cache %v reclaim skipping page %v", cache.id, pageNum)
			nextPage = pageNum + 1
			continue
		}

		leaf, si, _ := cache.trie.findLeaf(pageNum)
		cache.trie.clearSlot(leaf, si)
		ok = true
		return
	}
}

// Teardown empties the Registry.  Every cache it held becomes anonymous and
// those without references are destroyed now; the rest are destroyed by
// their final Down().
//
func (registry *Registry) Teardown() {
	var caches []*Cache

	registry.Lock()
	numCaches := registry.lenLocked()
	for i := 0; i < numCaches; i++ {
		_, value, ok, err := registry.cacheMap.GetByIndex(i)
		if (nil != err) || !ok {
			registry.Unlock()
			logger.PanicfWithError(blunder.AddError(fmt.Errorf("GetByIndex(%v): ok %v err %v", i, ok, err), blunder.IOError),
				"pagecache registry teardown failed")
		}
		caches = append(caches, value.(*Cache))
	}
	for _, cache := range caches {
		_, err := registry.cacheMap.DeleteByKey(cache.id)
		if nil != err {
			registry.Unlock()
			logger.PanicfWithError(err, "pagecache cache %v unregistration failed", cache.id)
		}
	}
	registry.clockHand = 1
	registry.Unlock()

	for _, cache := range caches {
		cache.Lock()
		cache.setFlagsLocked(cache.Flags() | Anonymous)
		if 0 == cache.refCnt {
			cache.destroyLocked()
		}
		cache.Unlock()
	}

	logger.Infof("pagecache registry torn down releasing %v caches", len(caches))
}
