// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package pagecache

import (
	"github.com/NVIDIA/contentcache/blunder"
	"github.com/NVIDIA/contentcache/frame"
	"github.com/NVIDIA/contentcache/logger"
)

// Read copies up to len(buf) bytes at pos into buf.  Reading at or past the
// end of the cache returns (0, nil).  If a page cannot be loaded the bytes
// copied so far are returned along with the IOError.
func (cache *Cache) Read(buf []byte, pos uint64) (n int, err error) {
	var h frame.Handle

	provider := cache.provider()

	cache.Lock()
	defer cache.Unlock()

	for n < len(buf) {
		// size may have changed while a load had the lock dropped
		gen := cache.shrinkGen
		size := cache.Size()
		cur := pos + uint64(n)
		if cur >= size {
			break
		}

		pageStart := frame.PageRoundDown(cur)
		pageOff := cur - pageStart
		chunk := uint64(frame.PageSize) - pageOff
		if chunk > uint64(len(buf)-n) {
			chunk = uint64(len(buf) - n)
		}
		if chunk > size-cur {
			chunk = size - cur
		}

		h, err = cache.lookupOrLoadLocked(pageStart, false)
		if nil != err {
			break
		}
		if cache.shrunkSinceLocked(gen, pageStart, h) {
			continue
		}

		mapping, unmap := provider.Map(h)
		copy(buf[n:n+int(chunk)], mapping[pageOff:pageOff+chunk])
		unmap()

		provider.MarkAccessed(h)
		provider.DecRef(h)

		n += int(chunk)
	}

	stats.ReadBytes.Add(uint64(n))
	return
}

// Write copies buf into the cache at pos, growing it (and notifying the
// Driver) first if the write extends past the current size.  A FixedSize
// cache is never grown; the write is clamped to the current size instead.
func (cache *Cache) Write(buf []byte, pos uint64) (n int, err error) {
	var h frame.Handle

	if 0 != (cache.Flags() & ReadOnly) {
		err = blunder.NewError(blunder.ReadOnlyError, "cache %v is read-only", cache.id)
		return
	}
	if uint64(len(buf)) > ^uint64(0)-pos {
		err = blunder.NewError(blunder.OverflowError, "Write of %v bytes at %v overflows", len(buf), pos)
		return
	}

	provider := cache.provider()

	cache.Lock()
	defer cache.Unlock()

	gen := cache.shrinkGen
	oldSize := cache.Size()
	end := pos + uint64(len(buf))

	if 0 != (cache.Flags() & FixedSize) {
		if pos >= oldSize {
			return
		}
		if end > oldSize {
			end = oldSize
		}
	} else if end > oldSize {
		cache.setSize(end)
		cache.driver.Resized(cache)
	}

	for pos+uint64(n) < end {
		cur := pos + uint64(n)
		pageStart := frame.PageRoundDown(cur)
		pageOff := cur - pageStart
		chunk := uint64(frame.PageSize) - pageOff
		if chunk > end-cur {
			chunk = end - cur
		}

		zeroFill := (pageStart >= oldSize) || (uint64(frame.PageSize) == chunk)

		h, err = cache.lookupOrLoadLocked(pageStart, zeroFill)
		if nil != err {
			break
		}
		if cache.shrunkSinceLocked(gen, pageStart, h) {
			// the rest of buf lies past a truncate that ran mid-write
			logger.Tracef("pagecache cache %v Write at %v cut short at %v by truncate to %v", cache.id, pos, n, cache.Size())
			break
		}

		mapping, unmap := provider.Map(h)
		copy(mapping[pageOff:pageOff+chunk], buf[n:n+int(chunk)])
		unmap()

		provider.MarkAccessed(h)
		provider.MarkDirty(h)
		provider.DecRef(h)

		n += int(chunk)
	}

	stats.WriteBytes.Add(uint64(n))
	return
}

// Truncate sets the size of the cache.  Shrinking drops every page past the
// new size and zeroes the rest of a partial last page; growing materializes
// nothing.
func (cache *Cache) Truncate(size uint64) (err error) {
	var (
		doomed []uint64
		pages  []frame.Handle
	)

	flags := cache.Flags()
	if 0 != (flags & ReadOnly) {
		err = blunder.NewError(blunder.ReadOnlyError, "cache %v is read-only", cache.id)
		return
	}

	provider := cache.provider()

	cache.Lock()
	defer cache.Unlock()

	oldSize := cache.Size()
	if oldSize == size {
		return
	}
	if 0 != (flags & FixedSize) {
		err = blunder.NewError(blunder.NotPermError, "cache %v is fixed-size (%v), cannot truncate to %v", cache.id, oldSize, size)
		return
	}

	stats.Truncates.Increment()

	if size < oldSize {
		cache.shrinkGen++

		cache.trie.walk(frame.PageRoundUp(size)>>frame.PageShift, func(pageNum uint64, s trieSlot) bool {
			doomed = append(doomed, pageNum)
			return true
		})

		for _, pageNum := range doomed {
			leaf, si, ok := cache.trie.findLeaf(pageNum)
			if !ok {
				continue
			}
			s := cache.trie.leafSlot(leaf, si)
			if slotPage == s.tag {
				pages = append(pages, s.page)
			}
			cache.trie.clearSlot(leaf, si)
		}

		for _, h := range pages {
			provider.Uncache(h)
		}
		stats.PagesDropped.Add(uint64(len(pages)))

		if !frame.PageAligned(size) {
			cache.zeroTailLocked(size)
		}

		logger.Tracef("pagecache cache %v truncated from %v to %v dropping %v pages", cache.id, oldSize, size, len(pages))
	}

	cache.setSize(size)
	cache.driver.Resized(cache)
	return
}

// shrunkSinceLocked reports whether a Truncate shrank the cache since gen was
// sampled, releasing the caller's reference on h if so.  A page that now lies
// wholly past the end is dropped from the trie.
func (cache *Cache) shrunkSinceLocked(gen uint64, pageStart uint64, h frame.Handle) bool {
	if gen == cache.shrinkGen {
		return false
	}

	provider := cache.provider()

	if !cache.destroyed && (pageStart >= frame.PageRoundUp(cache.Size())) {
		leaf, si, ok := cache.trie.findLeaf(pageStart >> frame.PageShift)
		if ok {
			s := cache.trie.leafSlot(leaf, si)
			if (slotPage == s.tag) && (h == s.page) {
				cache.trie.clearSlot(leaf, si)
				provider.Uncache(h)
				stats.PagesDropped.Increment()
			}
		}
	}

	provider.DecRef(h)
	return true
}

// zeroTailLocked zeroes the bytes of the page holding size that lie past it.
// An in-flight load of that page is abandoned so stale bytes can't be
// installed.
func (cache *Cache) zeroTailLocked(size uint64) {
	leaf, si, ok := cache.trie.findLeaf(size >> frame.PageShift)
	if !ok {
		return
	}

	s := cache.trie.leafSlot(leaf, si)
	switch s.tag {
	case slotPage:
		mapping, unmap := cache.provider().Map(s.page)
		tail := mapping[size&frame.PageMask:]
		for i := range tail {
			tail[i] = 0
		}
		unmap()
	case slotLoading:
		cache.trie.clearSlot(leaf, si)
	}
}

// Flush writes every dirty page to the Driver in offset order.  Every page
// is attempted; the first failure is returned and failed pages stay dirty.
func (cache *Cache) Flush() (err error) {
	type dirtyPage struct {
		pos uint64
		h   frame.Handle
	}

	var present []dirtyPage

	if 0 != (cache.Flags() & Anonymous) {
		return
	}

	cache.Lock()
	defer cache.Unlock()

	cache.trie.walk(0, func(pageNum uint64, s trieSlot) bool {
		if slotPage == s.tag {
			present = append(present, dirtyPage{pos: pageNum << frame.PageShift, h: s.page})
		}
		return true
	})

	for _, p := range present {
		flushErr := cache.flushPageLocked(p.pos, p.h)
		if (nil != flushErr) && (nil == err) {
			err = flushErr
		}
	}

	return
}

// FlushPage writes the page at pos to the Driver if it is cached and dirty.
func (cache *Cache) FlushPage(pos uint64) (err error) {
	if !frame.PageAligned(pos) {
		err = blunder.NewError(blunder.InvalidArgError, "FlushPage(%v) offset not page aligned", pos)
		return
	}
	if 0 != (cache.Flags() & Anonymous) {
		return
	}

	cache.Lock()
	defer cache.Unlock()

	leaf, si, ok := cache.trie.findLeaf(pos >> frame.PageShift)
	if !ok {
		return
	}
	s := cache.trie.leafSlot(leaf, si)
	if slotPage != s.tag {
		return
	}

	err = cache.flushPageLocked(pos, s.page)
	return
}

func (cache *Cache) flushPageLocked(pos uint64, h frame.Handle) (err error) {
	provider := cache.provider()

	if !provider.TestAndClearDirty(h) {
		return
	}

	stats.Flushes.Increment()

	mapping, unmap := provider.Map(h)
	flushErr := cache.driver.FlushPage(cache, pos, mapping)
	unmap()

	if nil != flushErr {
		provider.MarkDirty(h)
		stats.FlushFailures.Increment()
		logger.WarnfWithError(flushErr, "pagecache cache %v FlushPage(%v) failed", cache.id, pos)
		err = blunder.NewError(blunder.IOError, "FlushPage(%v) failed: %v", pos, flushErr)
	}
	return
}
