// Copyright (c) 2025 Karl Gaissmaier
// SPDX-License-Identifier: MIT

package store

import (
	"net/netip"

	"github.com/ribcore/store/internal/family"
	"github.com/ribcore/store/internal/logctx"
	"github.com/ribcore/store/internal/prefixid"
	"github.com/ribcore/store/internal/treebitmap"
)

// MatchType classifies the outcome of a MatchPrefix query.
type MatchType = treebitmap.MatchType

const (
	EmptyMatch   = treebitmap.EmptyMatch
	LongestMatch = treebitmap.LongestMatch
	ExactMatch   = treebitmap.ExactMatch
)

// MatchOptions controls a MatchPrefix query's filtering and which
// side-prefix sets get attached to the result.
type MatchOptions struct {
	MUI                  *uint32
	IncludeWithdrawn     bool
	IncludeLessSpecifics bool
	IncludeMoreSpecifics bool

	// IncludeHistory returns every persisted version of each matched
	// (prefix, mui) instead of only the latest. Only meaningful when the
	// Store was built with the PersistHistory strategy; ignored otherwise.
	IncludeHistory bool
}

func (o MatchOptions) toInternal() family.MatchOptions {
	return family.MatchOptions{
		MUI:                  o.MUI,
		IncludeWithdrawn:     o.IncludeWithdrawn,
		IncludeLessSpecifics: o.IncludeLessSpecifics,
		IncludeMoreSpecifics: o.IncludeMoreSpecifics,
		IncludeHistory:       o.IncludeHistory,
	}
}

// QueryResult is the outcome of a MatchPrefix call: which prefix
// matched (if any), its filtered records, and optionally the filtered
// record sets of its less/more-specifics.
type QueryResult[M any] struct {
	MatchType     MatchType
	Prefix        *netip.Prefix
	Records       []Record[M]
	LessSpecifics []PrefixRecord[M]
	MoreSpecifics []PrefixRecord[M]
}

// MatchPrefix performs an exact/longest-prefix-match query for prefix.
func (s *Store[O, TBI, M]) MatchPrefix(prefix netip.Prefix, opts MatchOptions) (QueryResult[M], error) {
	res, err := s.familyFor(prefix).MatchPrefix(prefix, opts.toInternal())
	if err != nil {
		return QueryResult[M]{}, translateErr(err)
	}

	out := QueryResult[M]{MatchType: res.MatchType}
	if res.Prefix != nil {
		p := res.Prefix.Prefix()
		out.Prefix = &p
	}
	out.Records = fromInternalRecords(res.Records)
	out.LessSpecifics = fromInternalPrefixRecords(res.LessSpecifics)
	out.MoreSpecifics = fromInternalPrefixRecords(res.MoreSpecifics)
	logctx.Trace("match_prefix", "prefix", prefix, "match_type", res.MatchType, "mui", opts.MUI)
	return out, nil
}

// MoreSpecificsFrom returns the filtered record sets of every prefix
// strictly more specific than prefix.
func (s *Store[O, TBI, M]) MoreSpecificsFrom(prefix netip.Prefix, mui *uint32, includeWithdrawn bool) ([]PrefixRecord[M], error) {
	res, err := s.familyFor(prefix).MoreSpecificsFrom(prefix, mui, includeWithdrawn)
	if err != nil {
		return nil, translateErr(err)
	}
	logctx.Trace("more_specifics_from", "prefix", prefix, "mui", mui, "count", len(res))
	return fromInternalPrefixRecords(res), nil
}

// LessSpecificsFrom returns the filtered record sets of every prefix
// strictly less specific than prefix.
func (s *Store[O, TBI, M]) LessSpecificsFrom(prefix netip.Prefix, mui *uint32, includeWithdrawn bool) ([]PrefixRecord[M], error) {
	res, err := s.familyFor(prefix).LessSpecificsFrom(prefix, mui, includeWithdrawn)
	if err != nil {
		return nil, translateErr(err)
	}
	logctx.Trace("less_specifics_from", "prefix", prefix, "mui", mui, "count", len(res))
	return fromInternalPrefixRecords(res), nil
}

// GetRecordsForPrefix returns prefix's filtered record set, without
// performing a match walk: prefix is taken as given, whether or not it
// has a reserved trie slot.
func (s *Store[O, TBI, M]) GetRecordsForPrefix(prefix netip.Prefix, mui *uint32, includeWithdrawn bool) ([]Record[M], error) {
	recs, err := s.familyFor(prefix).GetRecordsForPrefix(prefix, mui, includeWithdrawn)
	if err != nil {
		return nil, translateErr(err)
	}
	logctx.Trace("get_records_for_prefix", "prefix", prefix, "mui", mui, "count", len(recs))
	return fromInternalRecords(recs), nil
}

// PrefixesIter calls fn for every prefix ever inserted, across both
// address families. Iteration stops early if fn returns false.
func (s *Store[O, TBI, M]) PrefixesIter(fn func(netip.Prefix) bool) {
	cont := true
	s.v4.PrefixesIter(func(id prefixid.PrefixId) bool {
		cont = fn(id.Prefix())
		return cont
	})
	if cont {
		s.v6.PrefixesIter(func(id prefixid.PrefixId) bool {
			cont = fn(id.Prefix())
			return cont
		})
	}
}

// PrefixesIterV4 calls fn for every IPv4 prefix ever inserted.
func (s *Store[O, TBI, M]) PrefixesIterV4(fn func(netip.Prefix) bool) {
	s.v4.PrefixesIter(func(id prefixid.PrefixId) bool { return fn(id.Prefix()) })
}

// PrefixesIterV6 calls fn for every IPv6 prefix ever inserted.
func (s *Store[O, TBI, M]) PrefixesIterV6(fn func(netip.Prefix) bool) {
	s.v6.PrefixesIter(func(id prefixid.PrefixId) bool { return fn(id.Prefix()) })
}

// PrefixesCount returns the number of distinct prefixes ever inserted,
// across both address families.
func (s *Store[O, TBI, M]) PrefixesCount() int {
	return s.v4.PrefixesCount() + s.v6.PrefixesCount()
}

// NodesCount returns the number of interned trie nodes, across both
// address families.
func (s *Store[O, TBI, M]) NodesCount() int {
	return s.v4.NodesCount() + s.v6.NodesCount()
}
