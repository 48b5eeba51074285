// Copyright (c) 2025 Karl Gaissmaier
// SPDX-License-Identifier: MIT

// Package store implements a concurrent, lock-free longest-prefix-match
// store for IPv4 and IPv6 routing information. It maps prefixes to one
// or more versioned records, each tagged by a producer identity (MUI),
// and answers exact/longest-match/more-specifics/less-specifics queries
// under heavy concurrent insert load without ever blocking a reader.
//
// The zero value of Store is not usable; build one with New, NewWithConfig
// or TryDefault.
package store

import (
	"cmp"
	"encoding"
	"fmt"
	"net/netip"

	"github.com/ribcore/store/internal/af"
	"github.com/ribcore/store/internal/epoch"
	"github.com/ribcore/store/internal/family"
	"github.com/ribcore/store/internal/logctx"
	"github.com/ribcore/store/internal/persist"
	"github.com/ribcore/store/internal/prefixcht"
	"github.com/ribcore/store/internal/stride"
	"github.com/ribcore/store/internal/withdraw"
)

// Meta is the capability every metadata type M must provide: a total
// order via AsOrderable, parameterized by a caller-supplied tie-break
// input TBI. O must itself be ordered (cmp.Ordered) so best-path
// selection never needs a user-supplied comparison function.
//
// Byte-serialization (encoding.BinaryMarshaler/BinaryUnmarshaler) is a
// second, optional capability, required only when the Store's
// PersistStrategy is not MemoryOnly; it is checked at construction time
// via NewWithConfig, not encoded in this interface, so metadata types
// that never persist don't need to implement it.
type Meta[O cmp.Ordered, TBI any] interface {
	AsOrderable(tbi TBI) O
}

// Record is one producer's version of a prefix's metadata.
type Record[M any] struct {
	MUI    uint32
	LTime  uint64
	Status RouteStatus
	Meta   M
}

// RouteStatus is a record's producer-declared withdrawal state.
type RouteStatus = prefixcht.RouteStatus

const (
	Active    = prefixcht.Active
	Withdrawn = prefixcht.Withdrawn
)

// PrefixRecord pairs a prefix with its filtered record set, used for
// the less/more-specifics slices of QueryResult.
type PrefixRecord[M any] struct {
	Prefix  netip.Prefix
	Records []Record[M]
}

func toInternalRecord[M any](r Record[M]) prefixcht.Record[M] {
	return prefixcht.Record[M]{MUI: r.MUI, LTime: r.LTime, Status: r.Status, Meta: r.Meta}
}

func fromInternalRecord[M any](r prefixcht.Record[M]) Record[M] {
	return Record[M]{MUI: r.MUI, LTime: r.LTime, Status: r.Status, Meta: r.Meta}
}

func fromInternalRecords[M any](rs []prefixcht.Record[M]) []Record[M] {
	out := make([]Record[M], len(rs))
	for i, r := range rs {
		out[i] = fromInternalRecord(r)
	}
	return out
}

func fromInternalPrefixRecords[M any](prs []family.PrefixRecords[M]) []PrefixRecord[M] {
	out := make([]PrefixRecord[M], len(prs))
	for i, pr := range prs {
		out[i] = PrefixRecord[M]{Prefix: pr.Prefix.Prefix(), Records: fromInternalRecords(pr.Records)}
	}
	return out
}

// UpsertReport is returned from Insert.
type UpsertReport = family.UpsertReport

// PathSelection is the cached best/backup MUI pair for a prefix.
type PathSelection = prefixcht.PathSelection

// Store is a concurrent, lock-free LPM store over metadata type M,
// ordered via Meta[O, TBI].
type Store[O cmp.Ordered, TBI any, M Meta[O, TBI]] struct {
	v4 *family.Family[M]
	v6 *family.Family[M]

	withdrawn *withdraw.Tracker
	dom       *epoch.Domain
	adapter   persist.Adapter
	cfg       Config
}

// New builds a MemoryOnly Store using the default stride geometry for
// both address families. Equivalent to TryDefault.
func New[O cmp.Ordered, TBI any, M Meta[O, TBI]]() (*Store[O, TBI, M], error) {
	return TryDefault[O, TBI, M]()
}

// TryDefault builds a memory-only Store with the default stride
// sequence for each address family.
func TryDefault[O cmp.Ordered, TBI any, M Meta[O, TBI]]() (*Store[O, TBI, M], error) {
	return NewWithConfig[O, TBI, M](Config{Strategy: MemoryOnly})
}

// NewWithConfig builds a Store per cfg. Stride sequences, if given, must
// sum to the address family's bit width; persisting strategies require
// cfg.Path and an M that implements encoding.BinaryMarshaler /
// BinaryUnmarshaler.
func NewWithConfig[O cmp.Ordered, TBI any, M Meta[O, TBI]](cfg Config) (*Store[O, TBI, M], error) {
	v4s := cfg.V4Strides
	if v4s == nil {
		v4s = stride.DefaultFor(af.V4)
	}
	if err := stride.Validate(v4s, af.V4); err != nil {
		return nil, fmt.Errorf("store: v4 stride sequence: %w", err)
	}

	v6s := cfg.V6Strides
	if v6s == nil {
		v6s = stride.DefaultFor(af.V6)
	}
	if err := stride.Validate(v6s, af.V6); err != nil {
		return nil, fmt.Errorf("store: v6 stride sequence: %w", err)
	}

	logctx.SetDefault(cfg.Logger)

	dom := epoch.NewDomain()
	tracker := withdraw.New()
	global := &family.GlobalWithdrawn{IsWithdrawn: tracker.IsWithdrawn}

	var adapter persist.Adapter
	if cfg.Strategy != MemoryOnly {
		if cfg.Path == "" {
			return nil, fmt.Errorf("store: persistence strategy %s requires Config.Path", cfg.Strategy)
		}
		var m M
		if _, ok := any(m).(encoding.BinaryMarshaler); !ok {
			return nil, fmt.Errorf("store: metadata type %T must implement encoding.BinaryMarshaler to use a persisting strategy", m)
		}
		if _, ok := any(&m).(encoding.BinaryUnmarshaler); !ok {
			return nil, fmt.Errorf("store: metadata type %T must implement encoding.BinaryUnmarshaler to use a persisting strategy", m)
		}
		a, err := persist.OpenBolt(cfg.Path)
		if err != nil {
			return nil, err
		}
		adapter = a
	}

	codec := buildCodec[M](cfg.Strategy)

	s := &Store[O, TBI, M]{
		v4:        family.New[M](af.V4, v4s, dom, global, codec, adapter, cfg.Strategy, "v4"),
		v6:        family.New[M](af.V6, v6s, dom, global, codec, adapter, cfg.Strategy, "v6"),
		withdrawn: tracker,
		dom:       dom,
		adapter:   adapter,
		cfg:       cfg,
	}
	return s, nil
}

func buildCodec[M any](strat PersistStrategy) family.MetaCodec[M] {
	if strat == MemoryOnly {
		return family.MetaCodec[M]{}
	}
	return family.MetaCodec[M]{
		Marshal: func(m M) ([]byte, error) {
			bm, ok := any(m).(encoding.BinaryMarshaler)
			if !ok {
				return nil, fmt.Errorf("store: metadata type %T must implement encoding.BinaryMarshaler to use a persisting strategy", m)
			}
			return bm.MarshalBinary()
		},
		Unmarshal: func(b []byte) (M, error) {
			var m M
			bu, ok := any(&m).(encoding.BinaryUnmarshaler)
			if !ok {
				return m, fmt.Errorf("store: metadata type %T must implement encoding.BinaryUnmarshaler to use a persisting strategy", m)
			}
			if err := bu.UnmarshalBinary(b); err != nil {
				return m, err
			}
			return m, nil
		},
	}
}

// Close releases the persistence adapter, if one is configured.
func (s *Store[O, TBI, M]) Close() error {
	if s.adapter == nil {
		return nil
	}
	return s.adapter.Close()
}

func (s *Store[O, TBI, M]) familyFor(prefix netip.Prefix) *family.Family[M] {
	if af.FamilyOf(prefix.Addr()) == af.V4 {
		return s.v4
	}
	return s.v6
}
