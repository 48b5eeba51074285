// Copyright (c) 2025 Karl Gaissmaier
// SPDX-License-Identifier: MIT

// Package nodetable implements the concurrent hash table of trie nodes
// keyed by (level, node-path-bits). A node's "path" is exactly the
// prefix identifying its position in the trie (the bits consumed by
// every level above it, as a prefixid.PrefixId whose length is the
// cumulative stride offset) so the existing PrefixId ordering and
// hashing machinery is reused rather than inventing a parallel key type.
//
// The table exists alongside direct CAS'd child pointers on each
// trienode.Node (which the hot insert/match walk uses to avoid an extra
// hash lookup per level); this table's job is to let the store answer
// nodes_count() and iterate every interned node without walking the
// trie, and to provide the CAS-driven "reserve a node path" semantics
// independently of the parent node's own child slot.
//
// Each shard is a lock-free singly linked list with CAS-prepend
// insertion; a newly created node is inserted at most once (losers of
// the child-slot CAS in the trie never reach this table with their
// discarded node).
package nodetable

import (
	"sync/atomic"

	"github.com/ribcore/store/internal/prefixid"
	"github.com/ribcore/store/internal/trienode"
)

const shardCount = 64

type entry struct {
	key  prefixid.PrefixId
	node *trienode.Node
	next *entry
}

type shard struct {
	head  atomic.Pointer[entry]
	count atomic.Int64
}

// Table is a sharded, lock-free hash table of nodes keyed by their path
// prefix.
type Table struct {
	shards [shardCount]shard
}

// New returns an empty node table.
func New() *Table {
	return &Table{}
}

func (t *Table) shardIndex(key prefixid.PrefixId) uint32 {
	h := fnv1a(key)
	return h % shardCount
}

func fnv1a(key prefixid.PrefixId) uint32 {
	const offset32 = 2166136261
	const prime32 = 16777619

	h := uint32(offset32)
	h = (h ^ uint32(key.Len())) * prime32

	addr := key.Addr()
	for _, b := range addr.AsSlice() {
		h = (h ^ uint32(b)) * prime32
	}
	return h
}

// Get returns the node interned for key, if any.
func (t *Table) Get(key prefixid.PrefixId) (*trienode.Node, bool) {
	sh := &t.shards[t.shardIndex(key)]
	for e := sh.head.Load(); e != nil; e = e.next {
		if e.key.Equal(key) {
			return e.node, true
		}
	}
	return nil, false
}

// EnsureInserted interns node under key if key is not already present,
// returning the winning node (which may belong to a concurrent caller)
// and whether this call's node won the race.
func (t *Table) EnsureInserted(key prefixid.PrefixId, node *trienode.Node) (winner *trienode.Node, inserted bool) {
	sh := &t.shards[t.shardIndex(key)]

	for {
		head := sh.head.Load()
		for e := head; e != nil; e = e.next {
			if e.key.Equal(key) {
				return e.node, false
			}
		}

		newEntry := &entry{key: key, node: node, next: head}
		if sh.head.CompareAndSwap(head, newEntry) {
			sh.count.Add(1)
			return node, true
		}
		// lost the race to another insert (possibly for a different key);
		// retry from a fresh head.
	}
}

// Len returns the total number of interned nodes across all shards.
func (t *Table) Len() int {
	var n int64
	for i := range t.shards {
		n += t.shards[i].count.Load()
	}
	return int(n)
}

// Range calls fn for every interned node. Iteration order is
// unspecified and fn may observe a node inserted concurrently with the
// call or may not; it will never observe a torn entry.
func (t *Table) Range(fn func(key prefixid.PrefixId, node *trienode.Node) bool) {
	for i := range t.shards {
		for e := t.shards[i].head.Load(); e != nil; e = e.next {
			if !fn(e.key, e.node) {
				return
			}
		}
	}
}
