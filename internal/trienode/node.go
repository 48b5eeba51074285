// Copyright (c) 2025 Karl Gaissmaier
// SPDX-License-Identifier: MIT

// Package trienode implements the per-level trie node: two atomic
// bitmaps (pfxbitarr for terminal prefixes at this level, ptrbitarr for
// child-node presence) plus parallel arrays of prefix handles and child
// pointers. Nodes are append-only: once a bit is set it is never
// cleared, and a node is durable for the life of the store.
//
// Publishing follows a strict order: the slot (prefix handle or child
// pointer) is stored first with release semantics, and only then is the
// corresponding bitmap bit set with an AcqRel CAS. Readers load the
// bitmap bit with Acquire and only then load the slot, also Acquire,
// so a reader observing a set bit is guaranteed to observe a populated
// slot.
package trienode

import (
	"sync/atomic"

	"github.com/ribcore/store/internal/prefixid"
	"github.com/ribcore/store/internal/stride"
)

// Node is one trie level. Its stride size determines the size of its
// slot arrays: 2^(s+1)-1 prefix slots, 2^s child slots.
type Node struct {
	strideSize uint8

	pfxBitArr atomic.Uint64
	ptrBitArr atomic.Uint64

	pfxSlots []atomic.Pointer[prefixid.PrefixId]
	children []atomic.Pointer[Node]
}

// New allocates an empty node for the given stride size (3, 4 or 5).
func New(strideSize uint8) *Node {
	return &Node{
		strideSize: strideSize,
		pfxSlots:   make([]atomic.Pointer[prefixid.PrefixId], stride.MaxPfxSlots(strideSize)),
		children:   make([]atomic.Pointer[Node], stride.MaxChildSlots(strideSize)),
	}
}

// StrideSize returns the node's stride size.
func (n *Node) StrideSize() uint8 { return n.strideSize }

// HasPrefix reports whether the internal slot idx holds a live prefix.
func (n *Node) HasPrefix(idx uint32) bool {
	return n.pfxBitArr.Load()&(1<<idx) != 0
}

// HasChild reports whether child slot idx holds a live child node.
func (n *Node) HasChild(idx uint32) bool {
	return n.ptrBitArr.Load()&(1<<idx) != 0
}

// PfxBitArr returns a snapshot of the prefix-presence bitmap, loaded
// with acquire semantics.
func (n *Node) PfxBitArr() uint64 { return n.pfxBitArr.Load() }

// PtrBitArr returns a snapshot of the child-presence bitmap, loaded
// with acquire semantics.
func (n *Node) PtrBitArr() uint64 { return n.ptrBitArr.Load() }

// LoadPrefix returns the prefix handle published at internal index idx,
// or nil if no prefix is (yet) published there. Callers should check
// HasPrefix first if they need the happens-before guarantee that the
// slot is non-nil; LoadPrefix alone is also safe since the slot is
// always set before the bit, never after.
func (n *Node) LoadPrefix(idx uint32) *prefixid.PrefixId {
	return n.pfxSlots[idx].Load()
}

// LoadChild returns the child node published at slot idx, or nil.
func (n *Node) LoadChild(idx uint32) *Node {
	return n.children[idx].Load()
}

// EnsurePrefix installs want at internal index idx if the bit is not
// already set, retrying the publish-then-CAS sequence until either this
// goroutine wins or it observes the bit already set by a winner. It
// returns (existing-or-installed id, wasAlreadyPresent, casCount).
//
// If the bit is already set when first observed, no slot write is
// attempted at all (the existing prefix is kept; upsert of the record
// itself happens in the PrefixCHT, not here).
func (n *Node) EnsurePrefix(idx uint32, want prefixid.PrefixId) (existing prefixid.PrefixId, alreadyPresent bool, casCount int) {
	mask := uint64(1) << idx

	for {
		bits := n.pfxBitArr.Load()
		if bits&mask != 0 {
			return *n.pfxSlots[idx].Load(), true, casCount
		}

		// Publish the slot before the bit (release).
		n.pfxSlots[idx].Store(&want)

		if n.pfxBitArr.CompareAndSwap(bits, bits|mask) {
			return want, false, casCount
		}
		casCount++
		// Lost the race: either another writer set a different bit in
		// the same word (retry with fresh read) or set this exact bit
		// (in which case the next loop iteration observes it set and
		// returns the winner's value instead of ours).
	}
}

// EnsureChild installs child at slot idx if absent, via CAS from nil.
// Returns the winning child (ours if we won the race, otherwise the
// concurrent winner's) and whether a child was already present, plus
// the number of failed CAS attempts.
func (n *Node) EnsureChild(idx uint32, child *Node) (winner *Node, alreadyPresent bool, casCount int) {
	mask := uint64(1) << idx

	for {
		bits := n.ptrBitArr.Load()
		if bits&mask != 0 {
			return n.children[idx].Load(), true, casCount
		}

		if n.children[idx].CompareAndSwap(nil, child) {
			// Publish the child pointer's presence in the bitmap. This
			// CAS cannot lose on this bit (we just won the pointer CAS
			// above), only on other bits in the same word, so retry the
			// bitmap CAS alone without touching the pointer again.
			for {
				cur := n.ptrBitArr.Load()
				if cur&mask != 0 {
					break
				}
				if n.ptrBitArr.CompareAndSwap(cur, cur|mask) {
					break
				}
				casCount++
			}
			return child, false, casCount
		}
		casCount++
		// Someone else's pointer CAS won; loop to read it back once its
		// bit becomes visible.
	}
}

// SetBits returns the indices, ascending, of every set bit in bitarr up
// to (exclusive) limit.
func SetBits(bitarr uint64, limit int) []uint32 {
	out := make([]uint32, 0)
	for i := 0; i < limit; i++ {
		if bitarr&(uint64(1)<<uint(i)) != 0 {
			out = append(out, uint32(i))
		}
	}
	return out
}
