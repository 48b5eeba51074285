// Copyright (c) 2025 Karl Gaissmaier
// SPDX-License-Identifier: MIT

package store_test

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	store "github.com/ribcore/store"
)

// asPref orders routes by ascending numeric preference, matching
// original_source/src/meta_examples.rs's PrefixAs: lower is better.
type asPref struct {
	Pref uint32
}

func (a asPref) AsOrderable(struct{}) uint32 { return a.Pref }

func (a asPref) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, a.Pref)
	return buf, nil
}

func (a *asPref) UnmarshalBinary(b []byte) error {
	if len(b) < 4 {
		return fmt.Errorf("short asPref blob")
	}
	a.Pref = binary.LittleEndian.Uint32(b)
	return nil
}

func newMemoryStore(t *testing.T) *store.Store[uint32, struct{}, asPref] {
	t.Helper()
	s, err := store.TryDefault[uint32, struct{}, asPref]()
	require.NoError(t, err)
	return s
}

// TestInsertThenLPM: an inserted prefix is found again by an exact
// LPM query and carries its record.
func TestInsertThenLPM(t *testing.T) {
	s := newMemoryStore(t)
	p := netip.MustParsePrefix("10.0.0.0/24")
	_, err := s.Insert(p, store.Record[asPref]{MUI: 1, LTime: 1, Meta: asPref{Pref: 100}})
	require.NoError(t, err)

	res, err := s.MatchPrefix(p, store.MatchOptions{})
	require.NoError(t, err)
	require.Equal(t, store.ExactMatch, res.MatchType)
	require.Len(t, res.Records, 1)
	require.Equal(t, uint32(1), res.Records[0].MUI)
}

// TestExactAndEmptyMatch: two disjoint-length prefixes, an exact match
// for each, and an empty match for an uncovered address.
func TestExactAndEmptyMatch(t *testing.T) {
	s := newMemoryStore(t)

	a := netip.MustParsePrefix("0.0.0.0/1")
	b := netip.MustParsePrefix("255.255.255.255/32")
	_, err := s.Insert(a, store.Record[asPref]{MUI: 0})
	require.NoError(t, err)
	_, err = s.Insert(b, store.Record[asPref]{MUI: 0})
	require.NoError(t, err)

	res, err := s.MatchPrefix(a, store.MatchOptions{})
	require.NoError(t, err)
	require.Equal(t, store.ExactMatch, res.MatchType)
	require.Equal(t, a, *res.Prefix)

	res, err = s.MatchPrefix(b, store.MatchOptions{})
	require.NoError(t, err)
	require.Equal(t, store.ExactMatch, res.MatchType)
	require.Equal(t, b, *res.Prefix)

	res, err = s.MatchPrefix(netip.MustParsePrefix("128.0.0.0/32"), store.MatchOptions{})
	require.NoError(t, err)
	require.Equal(t, store.EmptyMatch, res.MatchType)
}

// TestMUIUniqueness: under any prefix at most one record exists per
// MUI; repeated inserts replace.
func TestMUIUniqueness(t *testing.T) {
	s := newMemoryStore(t)
	p := netip.MustParsePrefix("1.0.0.0/16")

	_, err := s.Insert(p, store.Record[asPref]{MUI: 1, LTime: 1, Meta: asPref{Pref: 1}})
	require.NoError(t, err)
	_, err = s.Insert(p, store.Record[asPref]{MUI: 1, LTime: 2, Meta: asPref{Pref: 2}})
	require.NoError(t, err)

	recs, err := s.GetRecordsForPrefix(p, nil, true)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, uint64(2), recs[0].LTime)
}

// TestWithdrawalLayers: global and per-prefix MUI withdrawal stack on
// top of each other, and IncludeWithdrawn bypasses the global layer.
func TestWithdrawalLayers(t *testing.T) {
	s := newMemoryStore(t)
	p := netip.MustParsePrefix("1.0.0.0/16")

	for mui := uint32(1); mui <= 5; mui++ {
		_, err := s.Insert(p, store.Record[asPref]{MUI: mui, LTime: 1, Meta: asPref{Pref: mui}})
		require.NoError(t, err)
	}

	s.MarkMuiAsWithdrawnV4(1)

	res, err := s.MatchPrefix(p, store.MatchOptions{IncludeWithdrawn: true})
	require.NoError(t, err)
	require.Len(t, res.Records, 5)

	res, err = s.MatchPrefix(p, store.MatchOptions{})
	require.NoError(t, err)
	require.Len(t, res.Records, 4)

	// Also withdraw mui 2 for this prefix only.
	require.NoError(t, s.MarkMuiAsWithdrawnForPrefix(p, 2))

	res, err = s.MatchPrefix(p, store.MatchOptions{})
	require.NoError(t, err)
	require.Len(t, res.Records, 3)
}

// TestEmptyMatchDowngradeAndMoreSpecifics: a fully-withdrawn exact
// match downgrades to an empty match, but its more-specifics with
// active records are still attached.
func TestEmptyMatchDowngradeAndMoreSpecifics(t *testing.T) {
	s := newMemoryStore(t)
	p16 := netip.MustParsePrefix("1.0.0.0/16")
	p17 := netip.MustParsePrefix("1.0.0.0/17")

	for mui := uint32(1); mui <= 5; mui++ {
		_, err := s.Insert(p16, store.Record[asPref]{MUI: mui})
		require.NoError(t, err)
	}
	for mui := uint32(1); mui <= 5; mui++ {
		_, err := s.Insert(p17, store.Record[asPref]{MUI: mui})
		require.NoError(t, err)
	}

	for mui := uint32(1); mui <= 5; mui++ {
		require.NoError(t, s.MarkMuiAsWithdrawnForPrefix(p16, mui))
	}

	res, err := s.MatchPrefix(p16, store.MatchOptions{IncludeMoreSpecifics: true})
	require.NoError(t, err)
	require.Equal(t, store.EmptyMatch, res.MatchType)
	require.Nil(t, res.Prefix)
	require.Empty(t, res.Records)

	require.Len(t, res.MoreSpecifics, 1)
	require.Equal(t, p17, res.MoreSpecifics[0].Prefix)
	require.Len(t, res.MoreSpecifics[0].Records, 5)
}

// TestEmptyMatchStillEnumeratesMoreSpecifics: a query above every
// inserted prefix matches nothing, but with IncludeMoreSpecifics it
// still returns the covered prefixes.
func TestEmptyMatchStillEnumeratesMoreSpecifics(t *testing.T) {
	s := newMemoryStore(t)
	p16 := netip.MustParsePrefix("10.1.0.0/16")
	_, err := s.Insert(p16, store.Record[asPref]{MUI: 1, Meta: asPref{Pref: 1}})
	require.NoError(t, err)

	res, err := s.MatchPrefix(netip.MustParsePrefix("10.0.0.0/8"), store.MatchOptions{IncludeMoreSpecifics: true})
	require.NoError(t, err)
	require.Equal(t, store.EmptyMatch, res.MatchType)
	require.Nil(t, res.Prefix)
	require.Len(t, res.MoreSpecifics, 1)
	require.Equal(t, p16, res.MoreSpecifics[0].Prefix)
}

// TestBestPathOrdering: best and backup are chosen by the metadata
// ordering, ties broken by MUI ascending.
func TestBestPathOrdering(t *testing.T) {
	s := newMemoryStore(t)
	p := netip.MustParsePrefix("1.0.0.0/16")

	_, err := s.Insert(p, store.Record[asPref]{MUI: 3, Meta: asPref{Pref: 30}})
	require.NoError(t, err)
	_, err = s.Insert(p, store.Record[asPref]{MUI: 1, Meta: asPref{Pref: 10}})
	require.NoError(t, err)
	_, err = s.Insert(p, store.Record[asPref]{MUI: 2, Meta: asPref{Pref: 10}})
	require.NoError(t, err)

	best, backup, err := s.BestPath(p, struct{}{})
	require.NoError(t, err)
	require.Equal(t, uint32(1), *best)
	require.Equal(t, uint32(2), *backup)
}

// TestBestPathSingleInsert: a prefix with exactly one active record —
// the common single-origin route — must yield that record's MUI as
// best, with no backup.
func TestBestPathSingleInsert(t *testing.T) {
	s := newMemoryStore(t)
	p := netip.MustParsePrefix("1.0.0.0/16")

	_, err := s.Insert(p, store.Record[asPref]{MUI: 7, Meta: asPref{Pref: 10}})
	require.NoError(t, err)

	best, backup, err := s.BestPath(p, struct{}{})
	require.NoError(t, err)
	require.Equal(t, uint32(7), *best)
	require.Nil(t, backup)
}

// TestBestPathNotFoundWhenAllWithdrawn covers the error path for
// BestPath on a prefix with no visible-active record.
func TestBestPathNotFoundWhenAllWithdrawn(t *testing.T) {
	s := newMemoryStore(t)
	p := netip.MustParsePrefix("1.0.0.0/16")

	_, err := s.Insert(p, store.Record[asPref]{MUI: 1, Meta: asPref{Pref: 1}})
	require.NoError(t, err)
	require.NoError(t, s.MarkMuiAsWithdrawnForPrefix(p, 1))

	_, _, err = s.BestPath(p, struct{}{})
	require.ErrorIs(t, err, store.ErrBestPathNotFound)
}

// TestIdempotentWithdraw: a double withdraw observes the same state as
// a single one.
func TestIdempotentWithdraw(t *testing.T) {
	s := newMemoryStore(t)
	p := netip.MustParsePrefix("1.0.0.0/16")
	_, err := s.Insert(p, store.Record[asPref]{MUI: 1})
	require.NoError(t, err)

	require.NoError(t, s.MarkMuiAsWithdrawnForPrefix(p, 1))
	require.NoError(t, s.MarkMuiAsWithdrawnForPrefix(p, 1))

	recs, err := s.GetRecordsForPrefix(p, nil, false)
	require.NoError(t, err)
	require.Empty(t, recs)
}

// TestCountInvariants: prefixes are durable and counted once; the node
// count never decreases.
func TestCountInvariants(t *testing.T) {
	s := newMemoryStore(t)
	before := s.NodesCount()

	_, err := s.Insert(netip.MustParsePrefix("10.0.0.0/24"), store.Record[asPref]{MUI: 1})
	require.NoError(t, err)
	require.Equal(t, 1, s.PrefixesCount())
	require.GreaterOrEqual(t, s.NodesCount(), before)

	_, err = s.Insert(netip.MustParsePrefix("10.0.0.0/24"), store.Record[asPref]{MUI: 2})
	require.NoError(t, err)
	require.Equal(t, 1, s.PrefixesCount())
}

// TestConcurrentInsertsSamePrefix: many goroutines racing to insert the
// same (prefix, mui) with distinct metas; after join exactly one prefix
// exists, and cas_count sums to at least (total inserts - 1): the
// single goroutine that wins the race to create the
// prefix's bucket costs 0, every other insert replaces already-published
// state and so costs at least 1, with real scheduling contention adding
// more on top of that floor.
func TestConcurrentInsertsSamePrefix(t *testing.T) {
	s := newMemoryStore(t)
	p := netip.MustParsePrefix("255.255.255.255/32")

	const goroutines = 100
	const perGoroutine = 50

	var wg sync.WaitGroup
	var totalCAS int64
	var totalInserts int64

	deadline := time.Now().Add(200 * time.Millisecond)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			n := 0
			for j := 0; ; j++ {
				if time.Now().After(deadline) && n >= perGoroutine {
					return
				}
				if n >= perGoroutine*4 {
					return
				}
				rpt, err := s.Insert(p, store.Record[asPref]{
					MUI:   0,
					LTime: uint64(i*1_000_000 + j),
					Meta:  asPref{Pref: uint32(i)},
				})
				require.NoError(t, err)
				atomic.AddInt64(&totalCAS, int64(rpt.CASCount))
				atomic.AddInt64(&totalInserts, 1)
				n++
			}
		}(i)
	}
	wg.Wait()

	require.Equal(t, 1, s.PrefixesCount())
	require.GreaterOrEqual(t, totalCAS, totalInserts-1)

	recs, err := s.GetRecordsForPrefix(p, nil, true)
	require.NoError(t, err)
	require.Len(t, recs, 1)
}

// TestConcurrencySafetyDistinctPrefixes: N writers inserting distinct
// (prefix, mui) pairs and M readers issuing queries concurrently; every
// inserted record is visible exactly once after join.
func TestConcurrencySafetyDistinctPrefixes(t *testing.T) {
	s := newMemoryStore(t)

	const writers = 32
	var readersWG, writersWG sync.WaitGroup
	var stop atomic.Bool

	for r := 0; r < 8; r++ {
		readersWG.Add(1)
		go func() {
			defer readersWG.Done()
			for !stop.Load() {
				_, _ = s.MatchPrefix(netip.MustParsePrefix("10.0.0.0/8"), store.MatchOptions{IncludeMoreSpecifics: true})
			}
		}()
	}

	for w := 0; w < writers; w++ {
		writersWG.Add(1)
		go func(w int) {
			defer writersWG.Done()
			p := netip.PrefixFrom(netip.AddrFrom4([4]byte{10, 0, byte(w), 0}), 24)
			_, err := s.Insert(p, store.Record[asPref]{MUI: uint32(w), Meta: asPref{Pref: uint32(w)}})
			require.NoError(t, err)
		}(w)
	}

	// Let writers finish, then stop readers.
	writersWG.Wait()
	stop.Store(true)
	readersWG.Wait()

	for w := 0; w < writers; w++ {
		p := netip.PrefixFrom(netip.AddrFrom4([4]byte{10, 0, byte(w), 0}), 24)
		recs, err := s.GetRecordsForPrefix(p, nil, true)
		require.NoError(t, err)
		require.Len(t, recs, 1)
		require.Equal(t, uint32(w), recs[0].MUI)
	}
}

func TestPersistWriteAheadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.db")
	s, err := store.NewWithConfig[uint32, struct{}, asPref](store.Config{
		Strategy: store.WriteAhead,
		Path:     path,
	})
	require.NoError(t, err)
	defer s.Close()

	p := netip.MustParsePrefix("10.0.0.0/24")
	_, err = s.Insert(p, store.Record[asPref]{MUI: 1, LTime: 1, Meta: asPref{Pref: 42}})
	require.NoError(t, err)

	v4, _ := s.ApproxPersistedItems()
	require.Equal(t, uint64(1), v4)
	require.NoError(t, s.FlushToDisk())
	require.Positive(t, s.DiskSpace())
}

func TestPersistOnlyReadsFromDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.db")
	s, err := store.NewWithConfig[uint32, struct{}, asPref](store.Config{
		Strategy: store.PersistOnly,
		Path:     path,
	})
	require.NoError(t, err)
	defer s.Close()

	p := netip.MustParsePrefix("10.0.0.0/24")
	_, err = s.Insert(p, store.Record[asPref]{MUI: 1, LTime: 1, Meta: asPref{Pref: 42}})
	require.NoError(t, err)

	recs, err := s.GetRecordsForPrefix(p, nil, false)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, asPref{Pref: 42}, recs[0].Meta)
}

// TestPersistOnlyHonorsPerPrefixWithdrawal: withdrawal state lives in
// memory even when record bodies are read from disk, so all three
// masking layers must apply to disk rows too.
func TestPersistOnlyHonorsPerPrefixWithdrawal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.db")
	s, err := store.NewWithConfig[uint32, struct{}, asPref](store.Config{
		Strategy: store.PersistOnly,
		Path:     path,
	})
	require.NoError(t, err)
	defer s.Close()

	p := netip.MustParsePrefix("10.0.0.0/24")
	for mui := uint32(1); mui <= 3; mui++ {
		_, err = s.Insert(p, store.Record[asPref]{MUI: mui, LTime: 1, Meta: asPref{Pref: mui}})
		require.NoError(t, err)
	}

	require.NoError(t, s.MarkMuiAsWithdrawnForPrefix(p, 2))

	recs, err := s.GetRecordsForPrefix(p, nil, false)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	for _, rec := range recs {
		require.NotEqual(t, uint32(2), rec.MUI)
	}

	recs, err = s.GetRecordsForPrefix(p, nil, true)
	require.NoError(t, err)
	require.Len(t, recs, 3)
}

func TestPersistHistoryRetainsEveryVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.db")
	s, err := store.NewWithConfig[uint32, struct{}, asPref](store.Config{
		Strategy: store.PersistHistory,
		Path:     path,
	})
	require.NoError(t, err)
	defer s.Close()

	p := netip.MustParsePrefix("10.0.0.0/24")
	for ltime := uint64(1); ltime <= 3; ltime++ {
		_, err = s.Insert(p, store.Record[asPref]{MUI: 1, LTime: ltime, Meta: asPref{Pref: uint32(ltime)}})
		require.NoError(t, err)
	}

	// Without IncludeHistory only the latest version per MUI comes back.
	res, err := s.MatchPrefix(p, store.MatchOptions{})
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	require.Equal(t, uint64(3), res.Records[0].LTime)

	res, err = s.MatchPrefix(p, store.MatchOptions{IncludeHistory: true})
	require.NoError(t, err)
	require.Len(t, res.Records, 3)
}

func TestPrefixLengthValidation(t *testing.T) {
	s := newMemoryStore(t)
	_, err := s.MatchPrefix(netip.Prefix{}, store.MatchOptions{})
	require.ErrorIs(t, err, store.ErrPrefixLengthInvalid)
}
