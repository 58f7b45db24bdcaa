// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package pagecache

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/NVIDIA/contentcache/blunder"
	"github.com/NVIDIA/contentcache/frame"
)

func trieInsert(t *testing.T, tr *trie, pageNum uint64, h frame.Handle) {
	leaf, si, err := tr.ensureLeaf(pageNum)
	if !assert.NoError(t, err) {
		t.FailNow()
	}
	tr.setPage(leaf, si, h)
}

func TestTrieEnsureAndPrune(t *testing.T) {
	assert := assert.New(t)

	var tr trie
	tr.init(0)

	assert.Equal(uint64(1), tr.liveNodes)

	_, _, ok := tr.findLeaf(0x12345)
	assert.False(ok)
	assert.Equal(uint64(1), tr.liveNodes, "findLeaf must not allocate")

	trieInsert(t, &tr, 0x12345, 7)
	assert.Equal(uint64(trieLevels), tr.liveNodes)
	assert.Equal(uint64(1), tr.pages)

	// same leaf
	trieInsert(t, &tr, 0x12346, 8)
	assert.Equal(uint64(trieLevels), tr.liveNodes)
	assert.Equal(uint64(2), tr.pages)

	// shares all but the bottom two levels
	trieInsert(t, &tr, 0x12445, 9)
	assert.Equal(uint64(trieLevels+2), tr.liveNodes)
	assert.NoError(tr.validate())

	leaf, si, ok := tr.findLeaf(0x12346)
	assert.True(ok)
	assert.Equal(frame.Handle(8), tr.leafSlot(leaf, si).page)

	tr.clearSlot(leaf, si)
	assert.Equal(uint64(trieLevels+2), tr.liveNodes)

	leaf, si, _ = tr.findLeaf(0x12445)
	tr.clearSlot(leaf, si)
	assert.Equal(uint64(trieLevels), tr.liveNodes)
	assert.NoError(tr.validate())

	leaf, si, _ = tr.findLeaf(0x12345)
	tr.clearSlot(leaf, si)
	assert.Equal(uint64(1), tr.liveNodes)
	assert.Equal(uint64(0), tr.pages)
	assert.NoError(tr.validate())

	// freed nodes are reused
	arenaLen := len(tr.nodes)
	trieInsert(t, &tr, 0xFFFFFFFFFFFFF, 10)
	assert.Equal(arenaLen, len(tr.nodes))
	assert.NoError(tr.validate())
}

func TestTrieArenaLimit(t *testing.T) {
	assert := assert.New(t)

	var tr trie
	tr.init(trieLevels)

	trieInsert(t, &tr, 0, 1)
	assert.Equal(uint64(trieLevels), tr.liveNodes)

	_, _, err := tr.ensureLeaf(uint64(1) << 48)
	assert.True(blunder.Is(err, blunder.OutOfMemoryError))
	assert.Equal(uint64(trieLevels), tr.liveNodes)
	assert.Equal(uint64(1), tr.pages)
	assert.NoError(tr.validate())

	trieInsert(t, &tr, 15, 2)
	assert.Equal(uint64(2), tr.pages)
	assert.NoError(tr.validate())
}

func TestTrieWalk(t *testing.T) {
	assert := assert.New(t)

	var tr trie
	tr.init(0)

	for _, pageNum := range []uint64{1 << 40, 5, 1 << 20, 3} {
		trieInsert(t, &tr, pageNum, frame.Handle(pageNum+1))
	}
	leaf, si, err := tr.ensureLeaf(6)
	assert.NoError(err)
	tr.setLoading(leaf, si, &loadingMarker{done: make(chan struct{})})

	collect := func(first uint64, max int) (pageNums []uint64) {
		tr.walk(first, func(pageNum uint64, s trieSlot) bool {
			if slotPage == s.tag {
				assert.Equal(frame.Handle(pageNum+1), s.page)
			}
			pageNums = append(pageNums, pageNum)
			return len(pageNums) < max
		})
		return
	}

	assert.Equal([]uint64{3, 5, 6, 1 << 20, 1 << 40}, collect(0, 100))
	assert.Equal([]uint64{5, 6, 1 << 20, 1 << 40}, collect(4, 100))
	assert.Equal([]uint64{1 << 40}, collect((1<<20)+1, 100))
	assert.Equal([]uint64{3, 5}, collect(0, 2))
	assert.Empty(collect((1<<40)+1, 100))

	assert.Equal(uint64(4), tr.pages)
	assert.NoError(tr.validate())
}

func TestTrieCorruptionPanics(t *testing.T) {
	assert := assert.New(t)

	var tr trie
	tr.init(0)
	trieInsert(t, &tr, 0x1234, 1)

	leaf, si, ok := tr.findLeaf(0x1234)
	assert.True(ok)

	tr.nodes[leaf].occupied++
	assert.Error(tr.validate())
	tr.nodes[leaf].occupied--
	assert.NoError(tr.validate())

	tr.nodes[leaf].slots[si].tag = slotLoading + 1
	assert.Panics(func() { _ = tr.validate() })
	tr.nodes[leaf].slots[si].tag = slotPage

	tr.nodes[leaf].magic = 0
	assert.Panics(func() { _ = tr.validate() })
	assert.Panics(func() { tr.leafSlot(leaf, si) })
}
