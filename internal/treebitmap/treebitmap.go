// Copyright (c) 2025 Karl Gaissmaier
// SPDX-License-Identifier: MIT

// Package treebitmap implements the multi-bit trie itself: the
// insert-path walk that reserves a node path for a prefix, the
// longest-prefix-match walk, and more/less-specific enumeration over
// the node bitmaps. It has no notion of records or metadata — that
// lives in prefixcht — only of which prefixes have been reserved a
// slot in the trie.
package treebitmap

import (
	"math/bits"
	"net/netip"

	"github.com/ribcore/store/internal/af"
	"github.com/ribcore/store/internal/nodetable"
	"github.com/ribcore/store/internal/prefixid"
	"github.com/ribcore/store/internal/stride"
	"github.com/ribcore/store/internal/trienode"
)

// MatchType classifies the outcome of a match_prefix walk.
type MatchType int

const (
	EmptyMatch MatchType = iota
	LongestMatch
	ExactMatch
)

func (m MatchType) String() string {
	switch m {
	case ExactMatch:
		return "ExactMatch"
	case LongestMatch:
		return "LongestMatch"
	default:
		return "EmptyMatch"
	}
}

// QueryResult is the trie-only half of a query: which prefix matched
// (if any) and the PrefixIds of its less/more-specifics, without any
// record data attached yet.
type QueryResult struct {
	MatchType     MatchType
	Prefix        *prefixid.PrefixId
	LessSpecifics []prefixid.PrefixId
	MoreSpecifics []prefixid.PrefixId
}

// TreeBitMap is the trie for one address family.
type TreeBitMap struct {
	fam     af.Family
	strides stride.Sequence
	root    *trienode.Node
	nodes   *nodetable.Table
}

// New builds an empty trie for fam using the given stride sequence,
// which must already have been validated against fam by the caller.
func New(fam af.Family, strides stride.Sequence) *TreeBitMap {
	root := trienode.New(strides[0])
	nodes := nodetable.New()

	zero := zeroAddr(fam)
	rootKey := prefixid.FromAddr(zero, 0)
	nodes.EnsureInserted(rootKey, root)

	return &TreeBitMap{fam: fam, strides: strides, root: root, nodes: nodes}
}

func zeroAddr(fam af.Family) netip.Addr {
	if fam.Bits == 32 {
		return netip.IPv4Unspecified()
	}
	return netip.IPv6Unspecified()
}

// NodesCount returns the number of interned trie nodes (monotonic
// non-decreasing).
func (t *TreeBitMap) NodesCount() int {
	return t.nodes.Len()
}

// Insert walks the trie strides, reserving a node path for id and
// publishing id's handle into the terminal node's prefix slot if it
// isn't already there. It returns the total number of CAS retries
// observed (for UpsertReport.CASCount) and whether the prefix slot was
// already present before this call.
func (t *TreeBitMap) Insert(id prefixid.PrefixId) (alreadyPresent bool, casCount int) {
	node := t.root
	consumed := 0

	for level := 0; ; level++ {
		s := t.strides[level]
		remaining := int(id.Len()) - consumed

		if remaining <= int(s) {
			v := af.BitSlice(id.Addr(), consumed, remaining)
			idx := stride.HeapIndex(uint8(remaining), v)
			_, already, cc := node.EnsurePrefix(idx, id)
			return already, casCount + cc
		}

		childAddr := af.BitSlice(id.Addr(), consumed, int(s))

		child := node.LoadChild(childAddr)
		if child == nil {
			newChild := trienode.New(t.strides[level+1])
			winner, already, cc := node.EnsureChild(childAddr, newChild)
			casCount += cc
			child = winner

			if !already {
				childLen := consumed + int(s)
				childKey := prefixid.FromAddr(af.ZeroBelow(id.Addr(), childLen), uint8(childLen))
				t.nodes.EnsureInserted(childKey, winner)
			}
		}

		node = child
		consumed += int(s)
	}
}

// walkState is the result of following id's own bit path as far as the
// trie currently goes, recording every prefix slot hit along the way.
type walkState struct {
	hits          []prefixid.PrefixId // ancestor hits, in ascending length order
	terminalNode  *trienode.Node
	terminalDepth int // bits consumed to reach terminalNode
	terminalLevel int
}

// walk follows id's bits through the trie, stopping either when id's
// length is exhausted within the current node or when the next child
// on id's path doesn't exist.
func (t *TreeBitMap) walk(id prefixid.PrefixId) walkState {
	node := t.root
	consumed := 0
	var hits []prefixid.PrefixId

	for level := 0; ; level++ {
		s := t.strides[level]
		remaining := int(id.Len()) - consumed
		scanLen := remaining
		if scanLen > int(s) {
			scanLen = int(s)
		}

		for p := 0; p <= scanLen; p++ {
			v := af.BitSlice(id.Addr(), consumed, p)
			idx := stride.HeapIndex(uint8(p), v)
			if node.HasPrefix(idx) {
				hits = append(hits, *node.LoadPrefix(idx))
			}
		}

		if remaining <= int(s) {
			return walkState{hits: hits, terminalNode: node, terminalDepth: consumed, terminalLevel: level}
		}

		childAddr := af.BitSlice(id.Addr(), consumed, int(s))
		if !node.HasChild(childAddr) {
			return walkState{hits: hits, terminalNode: node, terminalDepth: consumed, terminalLevel: level}
		}

		node = node.LoadChild(childAddr)
		consumed += int(s)
	}
}

// MatchPrefix performs the exact/longest-prefix-match walk for id.
func (t *TreeBitMap) MatchPrefix(id prefixid.PrefixId) QueryResult {
	w := t.walk(id)

	// More-specifics exist independently of whether any covering prefix
	// does (a query above every inserted prefix matches nothing but still
	// covers them all), so they are enumerated even for an empty match.
	res := QueryResult{
		MatchType:     EmptyMatch,
		MoreSpecifics: t.moreSpecificsAt(w.terminalNode, w.terminalLevel, w.terminalDepth, id),
	}

	if len(w.hits) == 0 {
		return res
	}

	match := w.hits[len(w.hits)-1]
	less := w.hits[:len(w.hits)-1]

	res.MatchType = LongestMatch
	if match.Len() == id.Len() {
		res.MatchType = ExactMatch
	}
	res.Prefix = &match
	if len(less) > 0 {
		res.LessSpecifics = append([]prefixid.PrefixId(nil), less...)
	}

	return res
}

// LessSpecificsFrom returns every prefix strictly less specific than
// (i.e. covering, but not equal to) id that has a reserved slot in the
// trie, in length-ascending order.
func (t *TreeBitMap) LessSpecificsFrom(id prefixid.PrefixId) []prefixid.PrefixId {
	w := t.walk(id)

	out := make([]prefixid.PrefixId, 0, len(w.hits))
	for _, h := range w.hits {
		if h.Len() < id.Len() {
			out = append(out, h)
		}
	}
	return out
}

// MoreSpecificsFrom returns every prefix strictly more specific than id
// that has a reserved slot in the trie.
func (t *TreeBitMap) MoreSpecificsFrom(id prefixid.PrefixId) []prefixid.PrefixId {
	w := t.walk(id)
	return t.moreSpecificsAt(w.terminalNode, w.terminalLevel, w.terminalDepth, id)
}

func (t *TreeBitMap) moreSpecificsAt(node *trienode.Node, level, consumed int, id prefixid.PrefixId) []prefixid.PrefixId {
	var out []prefixid.PrefixId
	s := t.strides[level]

	queryRemaining := int(id.Len()) - consumed
	if queryRemaining < 0 {
		queryRemaining = 0
	}
	if queryRemaining > int(s) {
		// id's own length already exceeds this node's stride: walk()
		// stopped here because the next child on id's path is missing,
		// so nothing more specific than id exists below this node.
		queryRemaining = int(s)
	}

	var qBits uint32
	if queryRemaining > 0 {
		qBits = af.BitSlice(id.Addr(), consumed, queryRemaining)
	}

	maxSlots := stride.MaxPfxSlots(s)
	for idx := uint32(1); idx < uint32(maxSlots); idx++ {
		p, v := inverseHeapIndex(idx)
		if p <= queryRemaining {
			continue
		}
		if (v >> uint(p-queryRemaining)) != qBits {
			continue
		}
		if node.HasPrefix(idx) {
			out = append(out, *node.LoadPrefix(idx))
		}
	}

	maxChildren := stride.MaxChildSlots(s)
	for c := uint32(0); c < uint32(maxChildren); c++ {
		if !node.HasChild(c) {
			continue
		}
		qualifies := queryRemaining == 0 || (c>>uint(int(s)-queryRemaining)) == qBits
		if !qualifies {
			continue
		}
		child := node.LoadChild(c)
		if level+1 < len(t.strides) {
			t.dumpSubtree(child, level+1, &out)
		}
	}

	return out
}

// dumpSubtree appends every prefix reserved at or below node to out.
func (t *TreeBitMap) dumpSubtree(node *trienode.Node, level int, out *[]prefixid.PrefixId) {
	s := t.strides[level]

	maxSlots := stride.MaxPfxSlots(s)
	for idx := uint32(0); idx < uint32(maxSlots); idx++ {
		if node.HasPrefix(idx) {
			*out = append(*out, *node.LoadPrefix(idx))
		}
	}

	if level+1 >= len(t.strides) {
		return
	}

	maxChildren := stride.MaxChildSlots(s)
	for c := uint32(0); c < uint32(maxChildren); c++ {
		if node.HasChild(c) {
			t.dumpSubtree(node.LoadChild(c), level+1, out)
		}
	}
}

// inverseHeapIndex is the inverse of stride.HeapIndex: given a heap
// index, returns the internal path length and value it encodes.
func inverseHeapIndex(idx uint32) (p int, v uint32) {
	p = bits.Len32(idx+1) - 1
	v = idx + 1 - (uint32(1) << p)
	return
}

// PrefixesIter calls fn for every prefix reserved anywhere in the trie.
func (t *TreeBitMap) PrefixesIter(fn func(prefixid.PrefixId) bool) {
	var walkNode func(node *trienode.Node, level int) bool
	walkNode = func(node *trienode.Node, level int) bool {
		s := t.strides[level]
		maxSlots := stride.MaxPfxSlots(s)
		for idx := uint32(0); idx < uint32(maxSlots); idx++ {
			if node.HasPrefix(idx) {
				if !fn(*node.LoadPrefix(idx)) {
					return false
				}
			}
		}
		if level+1 >= len(t.strides) {
			return true
		}
		maxChildren := stride.MaxChildSlots(s)
		for c := uint32(0); c < uint32(maxChildren); c++ {
			if node.HasChild(c) {
				if !walkNode(node.LoadChild(c), level+1) {
					return false
				}
			}
		}
		return true
	}
	walkNode(t.root, 0)
}
