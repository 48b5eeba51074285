// Copyright (c) 2025 Karl Gaissmaier
// SPDX-License-Identifier: MIT

package store

import (
	"net/netip"

	"github.com/ribcore/store/internal/family"
	"github.com/ribcore/store/internal/logctx"
	"github.com/ribcore/store/internal/prefixcht"
	"github.com/ribcore/store/internal/prefixid"
)

// Insert reserves prefix's trie slot (if not already reserved) and
// upserts rec into the prefix's record map, keyed by rec.MUI. The
// best/backup path cache is invalidated but not eagerly recomputed; it
// is rederived lazily on the next BestPath call for this prefix.
func (s *Store[O, TBI, M]) Insert(prefix netip.Prefix, rec Record[M]) (UpsertReport, error) {
	rpt, err := s.familyFor(prefix).Insert(prefix, toInternalRecord(rec))
	if err != nil {
		return UpsertReport{}, translateErr(err)
	}
	logctx.Trace("insert", "prefix", prefix, "mui", rec.MUI, "ltime", rec.LTime, "cas_count", rpt.CASCount)
	return rpt, nil
}

func (s *Store[O, TBI, M]) buildLess(tbi TBI) func(a, b prefixcht.Record[M]) bool {
	return func(a, b prefixcht.Record[M]) bool {
		oa := a.Meta.AsOrderable(tbi)
		ob := b.Meta.AsOrderable(tbi)
		if oa != ob {
			return oa < ob
		}
		return a.MUI < b.MUI
	}
}

// BestPath returns prefix's best and backup MUIs, ordered by
// meta.AsOrderable(tbi) then MUI ascending, recomputing the cache if it
// is stale. Returns ErrBestPathNotFound if no visible-active record
// exists under prefix. Staleness is judged by the prefix's own mutations
// (inserts and per-prefix withdrawal toggles) only: a global MUI
// withdrawal or reactivation does not mark the cache stale, so the cached
// pair is returned unchanged until CalculateAndStoreBestAndBackupPath or
// a per-prefix mutation refreshes it.
func (s *Store[O, TBI, M]) BestPath(prefix netip.Prefix, tbi TBI) (best, backup *uint32, err error) {
	best, backup, err = s.familyFor(prefix).BestPath(prefix, s.buildLess(tbi))
	return best, backup, translateErr(err)
}

// CalculateAndStoreBestAndBackupPath forces a best/backup recomputation
// for prefix and caches the result, regardless of whether the cache was
// already stale.
func (s *Store[O, TBI, M]) CalculateAndStoreBestAndBackupPath(prefix netip.Prefix, tbi TBI) (PathSelection, error) {
	ps, err := s.familyFor(prefix).CalculateAndStoreBestAndBackupPath(prefix, s.buildLess(tbi))
	return ps, translateErr(err)
}

// IsPathSelectionOutdated reports whether prefix's cached best/backup
// pair is stale relative to observedSeq (a PathSelection.Seq the caller
// captured earlier).
func (s *Store[O, TBI, M]) IsPathSelectionOutdated(prefix netip.Prefix, observedSeq uint64) (bool, error) {
	outdated, err := s.familyFor(prefix).IsPathSelectionOutdated(prefix, observedSeq)
	return outdated, translateErr(err)
}

// MarkMuiAsWithdrawnForPrefix marks mui withdrawn under prefix only,
// leaving its global and record-level status untouched.
func (s *Store[O, TBI, M]) MarkMuiAsWithdrawnForPrefix(prefix netip.Prefix, mui uint32) error {
	return translateErr(s.familyFor(prefix).MarkMuiAsWithdrawnForPrefix(prefix, mui))
}

// MarkMuiAsActiveForPrefix marks mui active under prefix only.
func (s *Store[O, TBI, M]) MarkMuiAsActiveForPrefix(prefix netip.Prefix, mui uint32) error {
	return translateErr(s.familyFor(prefix).MarkMuiAsActiveForPrefix(prefix, mui))
}

// MarkMuiAsWithdrawnV4 marks mui globally withdrawn for the IPv4 family
// (and, since the withdrawal tracker is shared, for IPv6 reads too —
// MarkMuiAsWithdrawnV6 has the same effect).
func (s *Store[O, TBI, M]) MarkMuiAsWithdrawnV4(mui uint32) { s.withdrawn.MarkWithdrawn(mui) }

// MarkMuiAsWithdrawnV6 is MarkMuiAsWithdrawnV4's IPv6-named counterpart;
// both mutate the same process-wide-per-Store tracker.
func (s *Store[O, TBI, M]) MarkMuiAsWithdrawnV6(mui uint32) { s.withdrawn.MarkWithdrawn(mui) }

// MarkMuiAsActiveV4 clears mui's global withdrawal.
func (s *Store[O, TBI, M]) MarkMuiAsActiveV4(mui uint32) { s.withdrawn.MarkActive(mui) }

// MarkMuiAsActiveV6 clears mui's global withdrawal.
func (s *Store[O, TBI, M]) MarkMuiAsActiveV6(mui uint32) { s.withdrawn.MarkActive(mui) }

// IterRecordsForMuiV4 calls fn for every (prefix, record) pair under
// mui in the IPv4 trie.
func (s *Store[O, TBI, M]) IterRecordsForMuiV4(mui uint32, includeWithdrawn bool, fn func(netip.Prefix, Record[M]) bool) {
	iterRecordsForMui(s.v4, mui, includeWithdrawn, fn)
}

// IterRecordsForMuiV6 calls fn for every (prefix, record) pair under
// mui in the IPv6 trie.
func (s *Store[O, TBI, M]) IterRecordsForMuiV6(mui uint32, includeWithdrawn bool, fn func(netip.Prefix, Record[M]) bool) {
	iterRecordsForMui(s.v6, mui, includeWithdrawn, fn)
}

func iterRecordsForMui[M any](fam *family.Family[M], mui uint32, includeWithdrawn bool, fn func(netip.Prefix, Record[M]) bool) {
	fam.IterRecordsForMui(mui, includeWithdrawn, func(id prefixid.PrefixId, rec prefixcht.Record[M]) bool {
		return fn(id.Prefix(), fromInternalRecord(rec))
	})
}
