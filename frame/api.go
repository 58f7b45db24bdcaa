// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package frame defines the contract between the page cache and whatever
// hands out fixed-size physical pages ("frames"), plus MemProvider, an
// in-memory implementation of that contract.
//
// A frame is named by a Handle.  Each frame carries a reference count; the
// frame is freed when the count reaches zero.  Frames also carry accessed,
// dirty and pinned marks used by the page cache and its reclaimer.
//
package frame

// Handle is an opaque reference to one frame.  NoFrame means "no page".
type Handle uint64

const NoFrame Handle = 0

const (
	PageShift = 12
	PageSize  = 1 << PageShift
	PageMask  = PageSize - 1
)

// Provider allocates and tracks frames.
//
// Every method other than NewZeroedFrame requires h to name a live frame (one
// whose reference count is non-zero).
//
type Provider interface {
	// NewZeroedFrame returns a zero filled frame holding one reference owned
	// by the caller.
	NewZeroedFrame() (h Handle, err error)

	IncRef(h Handle)
	DecRef(h Handle)

	// Uncache is the page cache's release path for a page it is dropping: the
	// dirty mark is cleared (the contents are being discarded) and the
	// cache's reference is dropped.
	Uncache(h Handle)

	MarkAccessed(h Handle)
	MarkDirty(h Handle)
	TestAndClearDirty(h Handle) (wasDirty bool)
	IsDirty(h Handle) bool

	// Pin marks the frame non-evictable for the rest of its life.
	Pin(h Handle)
	IsPinned(h Handle) bool

	RefCount(h Handle) int32

	// WriteBytes copies buf into the frame starting at offset 0.
	WriteBytes(h Handle, buf []byte)

	// Map returns a PageSize byte view of the frame's contents that stays
	// valid until unmap is called, even if the frame is freed meanwhile.
	Map(h Handle) (mapping []byte, unmap func())
}

// PageAligned reports whether pos is a multiple of PageSize.
func PageAligned(pos uint64) bool {
	return 0 == (pos & PageMask)
}

// PageRoundUp rounds pos up to the next multiple of PageSize.
func PageRoundUp(pos uint64) uint64 {
	return (pos + PageMask) &^ uint64(PageMask)
}

// PageRoundDown rounds pos down to a multiple of PageSize.
func PageRoundDown(pos uint64) uint64 {
	return pos &^ uint64(PageMask)
}
