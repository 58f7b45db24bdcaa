// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package pagecache

import (
	"fmt"

	"github.com/NVIDIA/contentcache/blunder"
	"github.com/NVIDIA/contentcache/frame"
	"github.com/NVIDIA/contentcache/logger"
)

// A trie maps the 52-bit page number of a byte offset to a frame.Handle.
//
// Page numbers are decoded 4 bits per level, most significant first, through
// 12 internal levels down to a leaf level whose slots hold pages.  Nodes live
// in an arena indexed by nodeIndex; index 0 is always the root.

const (
	trieFanOutShift = 4
	trieFanOut      = 1 << trieFanOutShift
	trieFanOutMask  = trieFanOut - 1
	trieLevels      = 13
	trieLeafLevel   = trieLevels - 1

	trieNodeMagic uint32 = 0x54726965 // "Trie"
)

type nodeIndex uint32

const rootNode nodeIndex = 0

type slotTag uint8

const (
	slotEmpty slotTag = iota
	slotChild
	slotPage
	slotLoading
)

// loadingMarker occupies a leaf slot while its page is being loaded with the
// cache lock dropped.  done is closed once the loader has finished.
type loadingMarker struct {
	done chan struct{}
}

type trieSlot struct {
	tag     slotTag
	child   nodeIndex
	page    frame.Handle
	loading *loadingMarker
}

type trieNode struct {
	magic      uint32
	occupied   uint8 // non-empty slots
	parentSlot uint8
	parent     nodeIndex
	slots      [trieFanOut]trieSlot
}

type trie struct {
	nodes     []trieNode
	freeList  []nodeIndex
	liveNodes uint64
	pages     uint64
	maxNodes  uint64 // 0 means unlimited
}

func (t *trie) init(maxNodes uint64) {
	t.nodes = make([]trieNode, 1, trieLevels)
	t.nodes[rootNode].magic = trieNodeMagic
	t.freeList = nil
	t.liveNodes = 1
	t.pages = 0
	t.maxNodes = maxNodes
}

// release drops the whole arena; the trie must not be used again until init().
func (t *trie) release() {
	t.nodes = nil
	t.freeList = nil
	t.liveNodes = 0
	t.pages = 0
}

func trieCorrupted(format string, args ...interface{}) {
	err := blunder.NewError(blunder.IOError, format, args...)
	logger.PanicfWithError(err, "pagecache trie corrupted")
}

func (t *trie) node(idx nodeIndex) (n *trieNode) {
	if int(idx) >= len(t.nodes) {
		trieCorrupted("node index %v beyond arena of %v nodes", idx, len(t.nodes))
	}
	n = &t.nodes[idx]
	if trieNodeMagic != n.magic {
		trieCorrupted("node %v has magic 0x%08X", idx, n.magic)
	}
	return
}

func slotIndex(pageNum uint64, level int) int {
	return int((pageNum >> uint(trieFanOutShift*(trieLeafLevel-level))) & trieFanOutMask)
}

// pagesPerSlot is the number of pages covered by one slot of a node at level
func pagesPerSlot(level int) uint64 {
	return uint64(1) << uint(trieFanOutShift*(trieLeafLevel-level))
}

// descend walks from the root toward pageNum's leaf, stopping at the first
// missing child.  It returns the deepest node reached and its level.
func (t *trie) descend(pageNum uint64) (idx nodeIndex, level int) {
	idx = rootNode
	for level = 0; level < trieLeafLevel; level++ {
		s := &t.node(idx).slots[slotIndex(pageNum, level)]
		switch s.tag {
		case slotEmpty:
			return
		case slotChild:
			idx = s.child
		default:
			trieCorrupted("internal node %v level %v slot tag %v", idx, level, s.tag)
		}
	}
	return
}

// findLeaf returns the leaf node and slot for pageNum without allocating
func (t *trie) findLeaf(pageNum uint64) (leaf nodeIndex, si int, ok bool) {
	if nil == t.nodes {
		return
	}
	leaf, level := t.descend(pageNum)
	if trieLeafLevel != level {
		return
	}
	si = slotIndex(pageNum, trieLeafLevel)
	ok = true
	return
}

// ensureLeaf returns the leaf node and slot for pageNum, allocating missing
// internal nodes.  Every missing node is allocated before any is linked, so
// a failure leaves the trie unchanged.
func (t *trie) ensureLeaf(pageNum uint64) (leaf nodeIndex, si int, err error) {
	idx, level := t.descend(pageNum)

	missing := uint64(trieLeafLevel - level)
	if 0 < missing {
		if (0 != t.maxNodes) && (t.liveNodes+missing > t.maxNodes) {
			err = blunder.NewError(blunder.OutOfMemoryError,
				"trie needs %v more nodes beyond %v of %v", missing, t.liveNodes, t.maxNodes)
			return
		}

		newNodes := make([]nodeIndex, missing)
		for i := range newNodes {
			newNodes[i] = t.allocNode()
		}

		for _, child := range newNodes {
			t.linkChild(idx, slotIndex(pageNum, level), child)
			idx = child
			level++
		}
	}

	leaf = idx
	si = slotIndex(pageNum, trieLeafLevel)
	return
}

func (t *trie) allocNode() (idx nodeIndex) {
	if 0 < len(t.freeList) {
		idx = t.freeList[len(t.freeList)-1]
		t.freeList = t.freeList[:len(t.freeList)-1]
	} else {
		idx = nodeIndex(len(t.nodes))
		t.nodes = append(t.nodes, trieNode{})
	}

	t.nodes[idx] = trieNode{magic: trieNodeMagic}
	t.liveNodes++
	return
}

func (t *trie) freeNode(idx nodeIndex) {
	t.nodes[idx] = trieNode{}
	t.freeList = append(t.freeList, idx)
	t.liveNodes--
}

func (t *trie) linkChild(parent nodeIndex, si int, child nodeIndex) {
	p := t.node(parent)
	p.slots[si] = trieSlot{tag: slotChild, child: child}
	p.occupied++

	c := t.node(child)
	c.parent = parent
	c.parentSlot = uint8(si)
}

func (t *trie) leafSlot(leaf nodeIndex, si int) (s *trieSlot) {
	s = &t.node(leaf).slots[si]
	if slotChild == s.tag || slotLoading < s.tag {
		trieCorrupted("leaf %v slot %v tag %v", leaf, si, s.tag)
	}
	return
}

func (t *trie) fill(leaf nodeIndex, si int, s trieSlot) {
	n := t.node(leaf)
	old := &n.slots[si]
	if slotEmpty == old.tag {
		n.occupied++
	}
	if slotPage == old.tag {
		t.pages--
	}
	if slotPage == s.tag {
		t.pages++
	}
	*old = s
}

func (t *trie) setPage(leaf nodeIndex, si int, h frame.Handle) {
	t.fill(leaf, si, trieSlot{tag: slotPage, page: h})
}

func (t *trie) setLoading(leaf nodeIndex, si int, marker *loadingMarker) {
	t.fill(leaf, si, trieSlot{tag: slotLoading, loading: marker})
}

// clearSlot empties a leaf slot and prunes every node the clearing empties
func (t *trie) clearSlot(leaf nodeIndex, si int) {
	n := t.node(leaf)
	if slotEmpty == n.slots[si].tag {
		return
	}
	if slotPage == n.slots[si].tag {
		t.pages--
	}
	n.slots[si] = trieSlot{}
	n.occupied--
	t.prune(leaf)
}

// prune unlinks idx and then each ancestor for as long as they are empty
func (t *trie) prune(idx nodeIndex) {
	for rootNode != idx {
		n := t.node(idx)
		if 0 != n.occupied {
			return
		}
		parent, ps := n.parent, int(n.parentSlot)
		t.freeNode(idx)

		p := t.node(parent)
		if (slotChild != p.slots[ps].tag) || (idx != p.slots[ps].child) {
			trieCorrupted("node %v not linked from parent %v slot %v", idx, parent, ps)
		}
		p.slots[ps] = trieSlot{}
		p.occupied--
		idx = parent
	}
}

// walk calls fn, in page number order, for each leaf slot holding a page or
// loading marker at or after firstPage.  Absent subtrees are skipped.  fn
// must not modify the trie; walking stops when fn returns false.
func (t *trie) walk(firstPage uint64, fn func(pageNum uint64, s trieSlot) (keepGoing bool)) {
	if nil == t.nodes {
		return
	}
	t.walkNode(rootNode, 0, 0, firstPage, fn)
}

func (t *trie) walkNode(idx nodeIndex, level int, base uint64, firstPage uint64,
	fn func(pageNum uint64, s trieSlot) bool) (keepGoing bool) {

	span := pagesPerSlot(level)

	for si := 0; si < trieFanOut; si++ {
		slotBase := base + uint64(si)*span
		if slotBase+(span-1) < firstPage {
			continue
		}

		s := t.node(idx).slots[si]
		switch s.tag {
		case slotEmpty:
		case slotChild:
			if trieLeafLevel == level {
				trieCorrupted("leaf %v slot %v holds child %v", idx, si, s.child)
			}
			if !t.walkNode(s.child, level+1, slotBase, firstPage, fn) {
				return false
			}
		case slotPage, slotLoading:
			if trieLeafLevel != level {
				trieCorrupted("internal node %v level %v slot %v holds a page", idx, level, si)
			}
			if !fn(slotBase, s) {
				return false
			}
		default:
			trieCorrupted("node %v slot %v tag %v", idx, si, s.tag)
		}
	}

	return true
}

// validate checks occupancy counts, parent links and the node and page
// totals.  Bad magic or tags panic; miscounts are returned as errors.
func (t *trie) validate() (err error) {
	var (
		nodesSeen uint64
		pagesSeen uint64
	)

	var visit func(idx nodeIndex, level int) error
	visit = func(idx nodeIndex, level int) error {
		nodesSeen++
		n := t.node(idx)
		occupied := 0
		for si := 0; si < trieFanOut; si++ {
			s := n.slots[si]
			switch s.tag {
			case slotEmpty:
				continue
			case slotChild:
				if trieLeafLevel == level {
					trieCorrupted("leaf %v slot %v holds child %v", idx, si, s.child)
				}
				c := t.node(s.child)
				if (idx != c.parent) || (si != int(c.parentSlot)) {
					return fmt.Errorf("node %v parent link (%v,%v) expected (%v,%v)", s.child, c.parent, c.parentSlot, idx, si)
				}
				if err := visit(s.child, level+1); nil != err {
					return err
				}
			case slotPage:
				pagesSeen++
			case slotLoading:
			default:
				trieCorrupted("node %v slot %v tag %v", idx, si, s.tag)
			}
			occupied++
		}
		if occupied != int(n.occupied) {
			return fmt.Errorf("node %v occupancy %v but %v slots in use", idx, n.occupied, occupied)
		}
		if (rootNode != idx) && (0 == occupied) {
			return fmt.Errorf("node %v is empty but still linked", idx)
		}
		return nil
	}

	if nil == t.nodes {
		return nil
	}

	err = visit(rootNode, 0)
	if nil != err {
		return
	}
	if nodesSeen != t.liveNodes {
		return fmt.Errorf("%v nodes reachable but %v live", nodesSeen, t.liveNodes)
	}
	if pagesSeen != t.pages {
		return fmt.Errorf("%v pages reachable but %v counted", pagesSeen, t.pages)
	}
	if uint64(len(t.nodes))-uint64(len(t.freeList)) != t.liveNodes {
		return fmt.Errorf("arena of %v nodes with %v free disagrees with %v live", len(t.nodes), len(t.freeList), t.liveNodes)
	}
	return nil
}
