// Copyright (c) 2025 Karl Gaissmaier
// SPDX-License-Identifier: MIT

// Package prefixcht implements the per-prefix record map: a concurrent
// hash table keyed by PrefixId, each entry holding a MultiMap of records
// by MUI, a per-prefix withdrawn-MUI bitmap, and a cached best/backup
// path selection.
//
// Cross-prefix writes are independent (different shards, usually
// different entries); writes to the same prefix are serialized with a
// small CAS spin/backoff flag on the entry, matching the "small
// spin/backoff on a per-bucket flag" write discipline called for by the
// store design. Reads never take the spin flag: record maps and the
// withdrawn bitmap are published via copy-on-write atomic.Pointer swaps,
// so a reader always sees a complete, consistent snapshot.
package prefixcht

import (
	"runtime"
	"sync/atomic"

	"github.com/bits-and-blooms/bitset"

	"github.com/ribcore/store/internal/prefixid"
)

// RouteStatus mirrors the producer-declared withdrawal state of a
// record, duplicated locally (rather than imported from the public
// package) to keep this package free of a dependency on its own
// caller.
type RouteStatus uint8

const (
	Active RouteStatus = iota
	Withdrawn
)

// Record is one producer's version of a prefix's metadata.
type Record[M any] struct {
	MUI    uint32
	LTime  uint64
	Status RouteStatus
	Meta   M
}

// snapshot is the immutable, copy-on-write body of an Entry: the record
// map and the per-prefix withdrawn-MUI bitmap travel together so a
// reader taking one atomic load sees both consistently.
type snapshot[M any] struct {
	records   map[uint32]Record[M]
	withdrawn *bitset.BitSet
}

// PathSelection is the cached best/backup MUI pair for a prefix.
type PathSelection struct {
	Best   *uint32
	Backup *uint32
	Seq    uint64
}

// Entry is one prefix's bucket: its records, per-prefix withdrawal
// state, and best-path cache.
type Entry[M any] struct {
	snap atomic.Pointer[snapshot[M]]
	ps   atomic.Pointer[PathSelection]
	seq  atomic.Uint64

	spin atomic.Bool // per-entry write-serialization flag

	retire func(func()) // epoch-deferred destructor hook, may be nil
}

// newEntry creates a bucket already seeded with rec, so the entry never
// becomes visible to other goroutines (via getOrCreate's shard-list CAS)
// before it holds its first record. Without this, a racing reader/writer
// could observe a published-but-empty bucket.
//
// seq starts at 1 while the seeded path-selection cache carries Seq 0:
// a never-computed cache must always read as stale, including for a
// prefix whose only mutation ever is the bucket-creating insert itself.
func newEntry[M any](rec Record[M], retire func(func())) *Entry[M] {
	e := &Entry[M]{retire: retire}
	e.snap.Store(&snapshot[M]{
		records:   map[uint32]Record[M]{rec.MUI: rec},
		withdrawn: bitset.New(0),
	})
	e.ps.Store(&PathSelection{})
	e.seq.Store(1)
	return e
}

// lock spins on the entry's write-serialization flag and returns the
// number of failed CompareAndSwap attempts it took to acquire it — the
// real, observed write contention on this bucket.
func (e *Entry[M]) lock() (casRetries int) {
	for !e.spin.CompareAndSwap(false, true) {
		casRetries++
		runtime.Gosched()
	}
	return casRetries
}

func (e *Entry[M]) unlock() {
	e.spin.Store(false)
}

// upsert replaces the record for rec.MUI in an already-published bucket.
// It returns whether the MUI already existed under this prefix, and the
// number of CAS operations this call spent: the one CAS always needed to
// publish a new snapshot over the entry's existing state, plus any extra
// lock-acquisition retries observed under real contention.
func (e *Entry[M]) upsert(rec Record[M]) (muiExisted bool, casCount int) {
	casCount = e.lock() + 1
	defer e.unlock()

	old := e.snap.Load()
	_, muiExisted = old.records[rec.MUI]

	next := &snapshot[M]{
		records:   make(map[uint32]Record[M], len(old.records)+1),
		withdrawn: old.withdrawn.Clone(),
	}
	for k, v := range old.records {
		next.records[k] = v
	}
	next.records[rec.MUI] = rec

	e.snap.Store(next)
	e.seq.Add(1)
	e.retireSnapshot(old)

	return muiExisted, casCount
}

// retireSnapshot hands the replaced snapshot to the epoch domain for
// deferred teardown: its fields are cleared only once no pinned reader
// can still be iterating it.
func (e *Entry[M]) retireSnapshot(old *snapshot[M]) {
	if e.retire == nil {
		return
	}
	e.retire(func() {
		old.records = nil
		old.withdrawn = nil
	})
}

func (e *Entry[M]) markWithdrawn(mui uint32, withdrawn bool) {
	e.lock()
	defer e.unlock()

	old := e.snap.Load()
	next := &snapshot[M]{
		records:   old.records, // record map itself is untouched
		withdrawn: old.withdrawn.Clone(),
	}
	if withdrawn {
		next.withdrawn.Set(uint(mui))
	} else {
		next.withdrawn.Clear(uint(mui))
	}

	e.snap.Store(next)
	e.seq.Add(1)
	// The record map is shared with next, so only the old snapshot shell
	// and its withdrawn bitmap are retired here.
	if e.retire != nil {
		e.retire(func() { old.withdrawn = nil })
	}
}

// IsMuiWithdrawn reports whether mui is marked withdrawn in this
// entry's per-prefix bitmap. Used by the disk read path, which stores
// record bodies externally but keeps withdrawal state in memory.
func (e *Entry[M]) IsMuiWithdrawn(mui uint32) bool {
	return e.snap.Load().withdrawn.Test(uint(mui))
}

// Records returns the filtered, visible-active (or all, if
// includeWithdrawn) records for this entry. Exported for callers (the
// query engine) that already hold an *Entry from Range and want to
// avoid a second shard lookup.
func (e *Entry[M]) Records(muiFilter *uint32, includeWithdrawn bool, globalWithdrawn func(uint32) bool) []Record[M] {
	return e.records(muiFilter, includeWithdrawn, globalWithdrawn)
}

// records returns the filtered, visible-active (or all, if
// includeWithdrawn) records for this entry.
func (e *Entry[M]) records(muiFilter *uint32, includeWithdrawn bool, globalWithdrawn func(uint32) bool) []Record[M] {
	snap := e.snap.Load()

	out := make([]Record[M], 0, len(snap.records))
	for mui, rec := range snap.records {
		if muiFilter != nil && mui != *muiFilter {
			continue
		}
		if !includeWithdrawn {
			if rec.Status == Withdrawn {
				continue
			}
			if snap.withdrawn.Test(uint(mui)) {
				continue
			}
			if globalWithdrawn != nil && globalWithdrawn(mui) {
				continue
			}
		}
		out = append(out, rec)
	}
	return out
}

// calculateAndStoreBestBackup recomputes best/backup over visible-active
// records using less (true if a should be preferred over b), stores the
// pair with a fresh sequence number, and returns it.
func (e *Entry[M]) calculateAndStoreBestBackup(less func(a, b Record[M]) bool, globalWithdrawn func(uint32) bool) PathSelection {
	active := e.records(nil, false, globalWithdrawn)

	var best, backup *Record[M]
	for i := range active {
		r := &active[i]
		switch {
		case best == nil:
			best = r
		case less(*r, *best):
			backup = best
			best = r
		case backup == nil || less(*r, *backup):
			backup = r
		}
	}

	ps := PathSelection{Seq: e.seq.Load()}
	if best != nil {
		m := best.MUI
		ps.Best = &m
	}
	if backup != nil {
		m := backup.MUI
		ps.Backup = &m
	}
	e.ps.Store(&ps)
	return ps
}

func (e *Entry[M]) pathSelection() PathSelection {
	return *e.ps.Load()
}

func (e *Entry[M]) isOutdated(observedSeq uint64) bool {
	return e.seq.Load() != observedSeq
}

func (e *Entry[M]) currentSeq() uint64 {
	return e.seq.Load()
}

const shardCount = 64

type shard[M any] struct {
	list lockfreeMap[M]
}

// lockfreeMap is a CAS-chained singly linked list bucket, matching the
// style used by the node table: cheap to append to under contention,
// never blocks a reader.
type lockfreeMap[M any] struct {
	head atomic.Pointer[chtEntry[M]]
}

type chtEntry[M any] struct {
	key  prefixid.PrefixId
	val  *Entry[M]
	next *chtEntry[M]
}

// CHT is the concurrent per-prefix record map.
type CHT[M any] struct {
	shards [shardCount]shard[M]
	count  atomic.Int64
	retire func(func())
}

// New returns an empty PrefixCHT. retire, if non-nil, receives a
// destructor for every copy-on-write snapshot a write replaces; the
// caller (the epoch domain) runs it once no pinned reader can still
// hold the snapshot.
func New[M any](retire func(func())) *CHT[M] {
	return &CHT[M]{retire: retire}
}

func (c *CHT[M]) shardIndex(key prefixid.PrefixId) uint32 {
	return fnv1a(key) % shardCount
}

func fnv1a(key prefixid.PrefixId) uint32 {
	const offset32 = 2166136261
	const prime32 = 16777619
	h := uint32(offset32)
	h = (h ^ uint32(key.Len())) * prime32
	for _, b := range key.Addr().AsSlice() {
		h = (h ^ uint32(b)) * prime32
	}
	return h
}

// getOrCreate returns the entry for key, creating and seeding one with
// rec if absent. Returns the entry, whether it was newly created, and the
// number of failed shard-list CompareAndSwap attempts spent racing other
// creators of the same (or a shard-colliding) key.
func (c *CHT[M]) getOrCreate(key prefixid.PrefixId, rec Record[M]) (entry *Entry[M], created bool, casCount int) {
	sh := &c.shards[c.shardIndex(key)]

	for {
		head := sh.list.head.Load()
		for e := head; e != nil; e = e.next {
			if e.key.Equal(key) {
				return e.val, false, casCount
			}
		}

		candidate := newEntry[M](rec, c.retire)
		ne := &chtEntry[M]{key: key, val: candidate, next: head}
		if sh.list.head.CompareAndSwap(head, ne) {
			c.count.Add(1)
			return candidate, true, casCount
		}
		// lost the race; retry, which will very likely find the winner's
		// entry already in the (new) head chain above.
		casCount++
	}
}

// Get returns the entry for key, if one has been created.
func (c *CHT[M]) Get(key prefixid.PrefixId) (*Entry[M], bool) {
	sh := &c.shards[c.shardIndex(key)]
	for e := sh.list.head.Load(); e != nil; e = e.next {
		if e.key.Equal(key) {
			return e.val, true
		}
	}
	return nil, false
}

// Upsert inserts or replaces the record for rec.MUI under prefix. It
// returns (prefixNew, muiNew, casCount). prefixNew implies muiNew: a
// brand-new bucket cannot already contain the MUI, which is how the
// "(prefix_new=true, mui_new=false)" state is made unrepresentable.
//
// casCount sums every CAS this call actually spent: shard-list creation
// retries from getOrCreate, plus (for writes into an already-published
// bucket) the one CAS always needed to publish over existing state and
// any extra spin-lock retries real contention forced on it. A true first
// write — the single goroutine that wins the race to create prefix's
// bucket — costs 0.
func (c *CHT[M]) Upsert(prefix prefixid.PrefixId, rec Record[M]) (prefixNew, muiNew bool, casCount int) {
	entry, created, createCAS := c.getOrCreate(prefix, rec)
	if created {
		return true, true, createCAS
	}
	muiExisted, upsertCAS := entry.upsert(rec)
	return false, !muiExisted, createCAS + upsertCAS
}

// GetRecordsForPrefix returns the filtered record list for prefix.
func (c *CHT[M]) GetRecordsForPrefix(prefix prefixid.PrefixId, muiFilter *uint32, includeWithdrawn bool, globalWithdrawn func(uint32) bool) []Record[M] {
	entry, ok := c.Get(prefix)
	if !ok {
		return nil
	}
	return entry.records(muiFilter, includeWithdrawn, globalWithdrawn)
}

// MarkMuiWithdrawn toggles mui withdrawn under prefix. No-op (but not
// an error) if the prefix has no entry yet.
func (c *CHT[M]) MarkMuiWithdrawn(prefix prefixid.PrefixId, mui uint32) {
	if entry, ok := c.Get(prefix); ok {
		entry.markWithdrawn(mui, true)
	}
}

// MarkMuiActive toggles mui active (un-withdrawn) under prefix.
func (c *CHT[M]) MarkMuiActive(prefix prefixid.PrefixId, mui uint32) {
	if entry, ok := c.Get(prefix); ok {
		entry.markWithdrawn(mui, false)
	}
}

// CalculateAndStoreBestBackup recomputes and caches the best/backup MUI
// pair for prefix. less(a, b) must report whether record a should be
// preferred over record b; ties are expected to already be broken by
// MUI ascending inside less.
func (c *CHT[M]) CalculateAndStoreBestBackup(prefix prefixid.PrefixId, less func(a, b Record[M]) bool, globalWithdrawn func(uint32) bool) (PathSelection, bool) {
	entry, ok := c.Get(prefix)
	if !ok {
		return PathSelection{}, false
	}
	return entry.calculateAndStoreBestBackup(less, globalWithdrawn), true
}

// PathSelection returns the cached best/backup pair for prefix, and
// whether the prefix has an entry at all.
func (c *CHT[M]) PathSelection(prefix prefixid.PrefixId) (PathSelection, bool) {
	entry, ok := c.Get(prefix)
	if !ok {
		return PathSelection{}, false
	}
	return entry.pathSelection(), true
}

// IsOutdated reports whether prefix's cached path selection should be
// considered stale relative to observedSeq (the seq the caller captured
// when it last read the cache).
func (c *CHT[M]) IsOutdated(prefix prefixid.PrefixId, observedSeq uint64) bool {
	entry, ok := c.Get(prefix)
	if !ok {
		return false
	}
	return entry.isOutdated(observedSeq)
}

// CurrentSeq returns prefix's current mutation sequence number, or 0 if
// the prefix has no entry.
func (c *CHT[M]) CurrentSeq(prefix prefixid.PrefixId) uint64 {
	entry, ok := c.Get(prefix)
	if !ok {
		return 0
	}
	return entry.currentSeq()
}

// Len returns the number of distinct prefixes that have ever been
// inserted.
func (c *CHT[M]) Len() int {
	return int(c.count.Load())
}

// Range calls fn for every (prefix, entry) pair. Iteration order is
// unspecified.
func (c *CHT[M]) Range(fn func(prefix prefixid.PrefixId, entry *Entry[M]) bool) {
	for i := range c.shards {
		for e := c.shards[i].list.head.Load(); e != nil; e = e.next {
			if !fn(e.key, e.val) {
				return
			}
		}
	}
}
