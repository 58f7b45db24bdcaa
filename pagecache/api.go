// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package pagecache caches the contents of file-like objects as frames.
//
// Each Cache holds a sparse 16-way trie mapping page aligned byte offsets to
// frame handles, filled lazily through its Driver.  The same pages back both
// Read/Write and memory mapping code calling LookupOrLoad, so writes through
// either path are visible to the other.
//
// Caches created by a Registry, other than anonymous ones, are kept in the
// Registry so that ReclaimPage can evict pages from them under memory
// pressure.
//
package pagecache

import (
	"strings"

	"github.com/NVIDIA/contentcache/frame"
)

type Flags uint32

const (
	// Anonymous caches have no backing store and are not in any Registry.
	// Their pages are discarded, never flushed, once the last reference is
	// dropped.
	Anonymous Flags = 1 << iota
	ReadOnly
	FixedSize
)

func (flags Flags) String() string {
	var names []string

	if 0 != (flags & Anonymous) {
		names = append(names, "Anonymous")
	}
	if 0 != (flags & ReadOnly) {
		names = append(names, "ReadOnly")
	}
	if 0 != (flags & FixedSize) {
		names = append(names, "FixedSize")
	}

	return "[" + strings.Join(names, "|") + "]"
}

// Driver supplies the backing store of a Cache.
//
// LoadPage is called without the cache lock held.  FlushPage and Resized are
// called with it held.  A Driver may call Size(), Flags() and DriverContext()
// on the cache from any of them but no other Cache method.
//
type Driver interface {
	// LoadPage fills buf (PageSize bytes, already zeroed) with the contents
	// at pos.
	LoadPage(cache *Cache, pos uint64, buf []byte) (err error)

	// FlushPage writes buf, the PageSize contents at pos, to backing store.
	FlushPage(cache *Cache, pos uint64, buf []byte) (err error)

	// Resized is a notification that the cache's size has changed.
	Resized(cache *Cache)
}

// DirectPager is optionally implemented by a Driver whose pages must not be
// cached, e.g. device backed pseudo-files.  A non-NoFrame handle returned by
// DirectPage is used in place of the trie; it is pinned and a reference is
// taken on it for the caller.
//
type DirectPager interface {
	DirectPage(cache *Cache, pos uint64) frame.Handle
}

// nullDriver backs caches created without a Driver: pages start zero filled
// and flushes succeed without storing anything.
type nullDriver struct{}

func (nullDriver) LoadPage(cache *Cache, pos uint64, buf []byte) error  { return nil }
func (nullDriver) FlushPage(cache *Cache, pos uint64, buf []byte) error { return nil }
func (nullDriver) Resized(cache *Cache)                                 {}
