// Copyright (c) 2025 Karl Gaissmaier
// SPDX-License-Identifier: MIT

// Package family composes one address family's trie, record map,
// withdrawal tracker and epoch domain into a single query engine:
// prefix matching, more/less-specific enumeration, best-path selection
// and the withdrawal operations, all behind a pinned-guard call.
package family

import (
	"errors"
	"net/netip"

	"github.com/ribcore/store/internal/af"
	"github.com/ribcore/store/internal/epoch"
	"github.com/ribcore/store/internal/logctx"
	"github.com/ribcore/store/internal/persist"
	"github.com/ribcore/store/internal/prefixcht"
	"github.com/ribcore/store/internal/prefixid"
	"github.com/ribcore/store/internal/stride"
	"github.com/ribcore/store/internal/treebitmap"
)

// Sentinel errors surfaced to the public package, which re-exports (or
// wraps) these under its own names.
var (
	ErrStoreNotReady       = errors.New("family: internal bucket missing for an existing prefix")
	ErrBestPathNotFound    = errors.New("family: no active record to select a best path from")
	ErrPrefixLengthInvalid = errors.New("family: prefix length invalid for address family")
)

// MatchOptions is the full match_prefix option set.
type MatchOptions struct {
	MUI                  *uint32
	IncludeWithdrawn     bool
	IncludeLessSpecifics bool
	IncludeMoreSpecifics bool

	// IncludeHistory returns every persisted version of each (prefix,
	// mui) instead of only the latest. Only meaningful when the Store's
	// strategy retains history (PersistHistory); ignored otherwise.
	IncludeHistory bool
}

// PrefixRecords pairs a side-prefix (from a more/less-specifics walk)
// with its filtered record set.
type PrefixRecords[M any] struct {
	Prefix  prefixid.PrefixId
	Records []prefixcht.Record[M]
}

// QueryResult is the full match_prefix response: trie match plus
// filtered record bodies for the match and (optionally) its
// less/more-specifics.
type QueryResult[M any] struct {
	MatchType     treebitmap.MatchType
	Prefix        *prefixid.PrefixId
	Records       []prefixcht.Record[M]
	LessSpecifics []PrefixRecords[M]
	MoreSpecifics []PrefixRecords[M]
}

// UpsertReport is returned from Insert. PrefixNew implies MUINew; see
// the CHT.Upsert doc comment for why that combination is
// unrepresentable rather than merely asserted.
type UpsertReport struct {
	PrefixNew bool
	MUINew    bool
	CASCount  int
}

// MetaCodec marshals/unmarshals M for the persistence tier. Families
// constructed with a MemoryOnly strategy never call it and may leave it
// nil.
type MetaCodec[M any] struct {
	Marshal   func(M) ([]byte, error)
	Unmarshal func([]byte) (M, error)
}

// Family is one address family's complete query engine.
type Family[M any] struct {
	fam     af.Family
	trie    *treebitmap.TreeBitMap
	cht     *prefixcht.CHT[M]
	global  *GlobalWithdrawn
	dom     *epoch.Domain
	codec   MetaCodec[M]
	adapter persist.Adapter
	strat   persist.Strategy
	bucket  string
}

// GlobalWithdrawn is the narrow view of withdraw.Tracker that family
// needs; defined here so family doesn't import the concrete Tracker
// type and the public package can share one tracker across both
// families.
type GlobalWithdrawn struct {
	IsWithdrawn func(mui uint32) bool
}

// New builds a Family for fam with the given stride sequence (already
// validated by the caller), backed by shared dom/global state. The
// ordering used for best-path selection is supplied per call (see
// BestPath/CalculateAndStoreBestAndBackupPath) since it depends on the
// caller's tie-break input, which the public package's Meta constraint
// captures but this package deliberately knows nothing about.
func New[M any](
	fam af.Family,
	strides stride.Sequence,
	dom *epoch.Domain,
	global *GlobalWithdrawn,
	codec MetaCodec[M],
	adapter persist.Adapter,
	strat persist.Strategy,
	bucket string,
) *Family[M] {
	return &Family[M]{
		fam:     fam,
		trie:    treebitmap.New(fam, strides),
		cht:     prefixcht.New[M](dom.DeferFree),
		global:  global,
		dom:     dom,
		codec:   codec,
		adapter: adapter,
		strat:   strat,
		bucket:  bucket,
	}
}

func (f *Family[M]) validate(prefix netip.Prefix) (prefixid.PrefixId, error) {
	if !prefix.IsValid() {
		return prefixid.PrefixId{}, ErrPrefixLengthInvalid
	}
	if af.FamilyOf(prefix.Addr()) != f.fam {
		return prefixid.PrefixId{}, ErrPrefixLengthInvalid
	}
	if prefix.Bits() < 0 || prefix.Bits() > f.fam.Bits {
		return prefixid.PrefixId{}, ErrPrefixLengthInvalid
	}
	return prefixid.New(prefix), nil
}

// Insert reserves prefix's trie slot (if not already reserved) and
// upserts rec into the prefix's record map, mirroring to the
// persistence adapter if the configured strategy calls for it.
func (f *Family[M]) Insert(prefix netip.Prefix, rec prefixcht.Record[M]) (UpsertReport, error) {
	id, err := f.validate(prefix)
	if err != nil {
		return UpsertReport{}, err
	}

	g := f.dom.Pin()
	defer g.Unpin()

	_, trieCAS := f.trie.Insert(id)
	prefixNew, muiNew, chtCAS := f.cht.Upsert(id, rec)

	if f.strat != persist.MemoryOnly {
		if err := f.persistRecord(id, rec); err != nil {
			return UpsertReport{}, err
		}
	}

	return UpsertReport{PrefixNew: prefixNew, MUINew: muiNew, CASCount: trieCAS + chtCAS}, nil
}

func (f *Family[M]) persistRecord(id prefixid.PrefixId, rec prefixcht.Record[M]) error {
	var metaBytes []byte
	if f.codec.Marshal != nil {
		b, err := f.codec.Marshal(rec.Meta)
		if err != nil {
			logctx.Warn("persist: meta marshal failed", "bucket", f.bucket, "mui", rec.MUI, "err", err)
			return &persist.FatalError{Err: err}
		}
		metaBytes = b
	}

	prefixBytes := encodePrefixId(id)
	key := persist.EncodeKey(prefixBytes, rec.MUI, rec.LTime)
	value := persist.EncodeRecord(persist.ZeroCopyRecord{
		MUI:    rec.MUI,
		LTime:  rec.LTime,
		Status: uint8(rec.Status),
		Meta:   metaBytes,
	})

	if err := f.adapter.Put(f.bucket, key, value); err != nil {
		logctx.Warn("persist: adapter rejected write", "bucket", f.bucket, "mui", rec.MUI, "err", err)
		return err
	}
	return nil
}

func encodePrefixId(id prefixid.PrefixId) []byte {
	addrBytes := id.Addr().AsSlice()
	buf := make([]byte, len(addrBytes)+1)
	copy(buf, addrBytes)
	buf[len(addrBytes)] = id.Len()
	return buf
}

// fetchRecords returns prefix's visible record set, reading from disk
// instead of the in-memory CHT when the configured strategy calls for
// it.
func (f *Family[M]) fetchRecords(id prefixid.PrefixId, muiFilter *uint32, includeWithdrawn, includeHistory bool) ([]prefixcht.Record[M], error) {
	if f.strat.ReadsFromDisk() {
		return f.fetchRecordsFromDisk(id, muiFilter, includeWithdrawn, includeHistory)
	}
	return f.cht.GetRecordsForPrefix(id, muiFilter, includeWithdrawn, f.global.IsWithdrawn), nil
}

func (f *Family[M]) fetchRecordsFromDisk(id prefixid.PrefixId, muiFilter *uint32, includeWithdrawn, includeHistory bool) ([]prefixcht.Record[M], error) {
	blobs, err := f.adapter.RecordsForPrefix(f.bucket, persist.PrefixKeyPrefix(encodePrefixId(id)))
	if err != nil {
		logctx.Warn("persist: read from adapter failed", "bucket", f.bucket, "err", err)
		return nil, err
	}

	keepHistory := f.strat.KeepsHistory() && includeHistory

	latest := make(map[uint32]prefixcht.Record[M])
	var history []prefixcht.Record[M]

	for _, blob := range blobs {
		zc, err := persist.DecodeRecord(blob)
		if err != nil {
			logctx.Warn("persist: record decode failed", "bucket", f.bucket, "err", err)
			return nil, err
		}

		var meta M
		if len(zc.Meta) > 0 && f.codec.Unmarshal != nil {
			m, err := f.codec.Unmarshal(zc.Meta)
			if err != nil {
				logctx.Warn("persist: meta unmarshal failed", "bucket", f.bucket, "mui", zc.MUI, "err", err)
				return nil, &persist.FatalError{Err: err}
			}
			meta = m
		}

		rec := prefixcht.Record[M]{
			MUI:    zc.MUI,
			LTime:  zc.LTime,
			Status: prefixcht.RouteStatus(zc.Status),
			Meta:   meta,
		}

		if keepHistory {
			history = append(history, rec)
			continue
		}
		if cur, ok := latest[rec.MUI]; !ok || rec.LTime > cur.LTime {
			latest[rec.MUI] = rec
		}
	}

	var out []prefixcht.Record[M]
	if keepHistory {
		out = history
	} else {
		out = make([]prefixcht.Record[M], 0, len(latest))
		for _, rec := range latest {
			out = append(out, rec)
		}
	}

	// Record bodies live on disk under these strategies, but per-prefix
	// withdrawal state stays in the in-memory entry; consult it so all
	// three withdrawal layers mask disk rows exactly as memory rows.
	perPrefixWithdrawn := func(uint32) bool { return false }
	if entry, ok := f.cht.Get(id); ok {
		perPrefixWithdrawn = entry.IsMuiWithdrawn
	}

	filtered := out[:0]
	for _, rec := range out {
		if muiFilter != nil && rec.MUI != *muiFilter {
			continue
		}
		if !includeWithdrawn {
			if rec.Status == prefixcht.Withdrawn || perPrefixWithdrawn(rec.MUI) || f.global.IsWithdrawn(rec.MUI) {
				continue
			}
		}
		filtered = append(filtered, rec)
	}
	return filtered, nil
}

// MatchPrefix runs the trie walk, attaches the matched prefix's
// filtered records, and downgrades to an empty match when the filter
// leaves nothing.
func (f *Family[M]) MatchPrefix(prefix netip.Prefix, opts MatchOptions) (QueryResult[M], error) {
	id, err := f.validate(prefix)
	if err != nil {
		return QueryResult[M]{}, err
	}

	g := f.dom.Pin()
	defer g.Unpin()

	trieRes := f.trie.MatchPrefix(id)

	res := QueryResult[M]{MatchType: trieRes.MatchType}
	if trieRes.Prefix != nil {
		records, err := f.fetchRecords(*trieRes.Prefix, opts.MUI, opts.IncludeWithdrawn, opts.IncludeHistory)
		if err != nil {
			return QueryResult[M]{}, err
		}
		res.Prefix = trieRes.Prefix
		res.Records = records
		if len(records) == 0 {
			res.MatchType = treebitmap.EmptyMatch
			res.Prefix = nil
		}
	}

	if opts.IncludeLessSpecifics {
		res.LessSpecifics = f.attachRecords(trieRes.LessSpecifics, opts.MUI, opts.IncludeWithdrawn, opts.IncludeHistory)
	}
	if opts.IncludeMoreSpecifics {
		res.MoreSpecifics = f.attachRecords(trieRes.MoreSpecifics, opts.MUI, opts.IncludeWithdrawn, opts.IncludeHistory)
	}

	return res, nil
}

func (f *Family[M]) attachRecords(ids []prefixid.PrefixId, muiFilter *uint32, includeWithdrawn, includeHistory bool) []PrefixRecords[M] {
	out := make([]PrefixRecords[M], 0, len(ids))
	for _, id := range ids {
		recs, err := f.fetchRecords(id, muiFilter, includeWithdrawn, includeHistory)
		if err != nil || len(recs) == 0 {
			continue
		}
		out = append(out, PrefixRecords[M]{Prefix: id, Records: recs})
	}
	return out
}

// MoreSpecificsFrom returns the filtered record sets for every prefix
// strictly more specific than prefix.
func (f *Family[M]) MoreSpecificsFrom(prefix netip.Prefix, muiFilter *uint32, includeWithdrawn bool) ([]PrefixRecords[M], error) {
	id, err := f.validate(prefix)
	if err != nil {
		return nil, err
	}
	g := f.dom.Pin()
	defer g.Unpin()

	ids := f.trie.MoreSpecificsFrom(id)
	return f.attachRecords(ids, muiFilter, includeWithdrawn, false), nil
}

// LessSpecificsFrom returns the filtered record sets for every prefix
// strictly less specific than prefix.
func (f *Family[M]) LessSpecificsFrom(prefix netip.Prefix, muiFilter *uint32, includeWithdrawn bool) ([]PrefixRecords[M], error) {
	id, err := f.validate(prefix)
	if err != nil {
		return nil, err
	}
	g := f.dom.Pin()
	defer g.Unpin()

	ids := f.trie.LessSpecificsFrom(id)
	return f.attachRecords(ids, muiFilter, includeWithdrawn, false), nil
}

// GetRecordsForPrefix returns prefix's filtered record set without
// performing a trie walk (the prefix is taken as given, matched or not).
func (f *Family[M]) GetRecordsForPrefix(prefix netip.Prefix, muiFilter *uint32, includeWithdrawn bool) ([]prefixcht.Record[M], error) {
	id, err := f.validate(prefix)
	if err != nil {
		return nil, err
	}
	g := f.dom.Pin()
	defer g.Unpin()

	return f.fetchRecords(id, muiFilter, includeWithdrawn, false)
}

// CalculateAndStoreBestAndBackupPath recomputes and caches prefix's
// best/backup MUI pair using less to compare two candidate records
// (built by the caller from the Meta ordering hook and its tie-break
// input).
func (f *Family[M]) CalculateAndStoreBestAndBackupPath(prefix netip.Prefix, less func(a, b prefixcht.Record[M]) bool) (prefixcht.PathSelection, error) {
	id, err := f.validate(prefix)
	if err != nil {
		return prefixcht.PathSelection{}, err
	}
	g := f.dom.Pin()
	defer g.Unpin()

	ps, ok := f.cht.CalculateAndStoreBestBackup(id, less, f.global.IsWithdrawn)
	if !ok {
		return prefixcht.PathSelection{}, ErrStoreNotReady
	}
	return ps, nil
}

// BestPath returns prefix's best and backup MUIs, recomputing the cache
// with less if it is stale.
func (f *Family[M]) BestPath(prefix netip.Prefix, less func(a, b prefixcht.Record[M]) bool) (best, backup *uint32, err error) {
	id, verr := f.validate(prefix)
	if verr != nil {
		return nil, nil, verr
	}

	g := f.dom.Pin()
	defer g.Unpin()

	ps, ok := f.cht.PathSelection(id)
	if !ok {
		return nil, nil, ErrStoreNotReady
	}
	if f.cht.IsOutdated(id, ps.Seq) {
		ps, ok = f.cht.CalculateAndStoreBestBackup(id, less, f.global.IsWithdrawn)
		if !ok {
			return nil, nil, ErrStoreNotReady
		}
	}
	if ps.Best == nil {
		return nil, nil, ErrBestPathNotFound
	}
	return ps.Best, ps.Backup, nil
}

// IsPathSelectionOutdated reports whether prefix's cached best/backup
// pair is stale relative to observedSeq.
func (f *Family[M]) IsPathSelectionOutdated(prefix netip.Prefix, observedSeq uint64) (bool, error) {
	id, err := f.validate(prefix)
	if err != nil {
		return false, err
	}
	return f.cht.IsOutdated(id, observedSeq), nil
}

// MarkMuiAsWithdrawnForPrefix toggles mui withdrawn under prefix only.
func (f *Family[M]) MarkMuiAsWithdrawnForPrefix(prefix netip.Prefix, mui uint32) error {
	id, err := f.validate(prefix)
	if err != nil {
		return err
	}
	g := f.dom.Pin()
	defer g.Unpin()

	f.cht.MarkMuiWithdrawn(id, mui)
	return nil
}

// MarkMuiAsActiveForPrefix toggles mui active under prefix only.
func (f *Family[M]) MarkMuiAsActiveForPrefix(prefix netip.Prefix, mui uint32) error {
	id, err := f.validate(prefix)
	if err != nil {
		return err
	}
	g := f.dom.Pin()
	defer g.Unpin()

	f.cht.MarkMuiActive(id, mui)
	return nil
}

// PrefixesIter calls fn for every prefix reserved in this family's trie.
func (f *Family[M]) PrefixesIter(fn func(prefixid.PrefixId) bool) {
	g := f.dom.Pin()
	defer g.Unpin()

	f.trie.PrefixesIter(fn)
}

// IterRecordsForMui calls fn for every (prefix, record) pair under mui.
func (f *Family[M]) IterRecordsForMui(mui uint32, includeWithdrawn bool, fn func(prefixid.PrefixId, prefixcht.Record[M]) bool) {
	g := f.dom.Pin()
	defer g.Unpin()

	f.cht.Range(func(prefix prefixid.PrefixId, entry *prefixcht.Entry[M]) bool {
		for _, rec := range entry.Records(&mui, includeWithdrawn, f.global.IsWithdrawn) {
			if !fn(prefix, rec) {
				return false
			}
		}
		return true
	})
}

// PrefixesCount returns the number of distinct prefixes ever inserted.
func (f *Family[M]) PrefixesCount() int { return f.cht.Len() }

// NodesCount returns the number of interned trie nodes.
func (f *Family[M]) NodesCount() int { return f.trie.NodesCount() }

// ApproxPersistedItems returns the adapter's item count for this
// family's bucket, or 0 if persistence is disabled.
func (f *Family[M]) ApproxPersistedItems() uint64 {
	if f.adapter == nil {
		return 0
	}
	return f.adapter.ApproxPersistedItems(f.bucket)
}
