// Copyright (c) 2025 Karl Gaissmaier
// SPDX-License-Identifier: MIT

package nodetable_test

import (
	"net/netip"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ribcore/store/internal/nodetable"
	"github.com/ribcore/store/internal/prefixid"
	"github.com/ribcore/store/internal/trienode"
)

func key(t *testing.T, s string) prefixid.PrefixId {
	t.Helper()
	return prefixid.New(netip.MustParsePrefix(s))
}

func TestEnsureInsertedIsIdempotent(t *testing.T) {
	tbl := nodetable.New()
	k := key(t, "10.0.0.0/8")

	n1 := trienode.New(4)
	winner, inserted := tbl.EnsureInserted(k, n1)
	require.True(t, inserted)
	require.Same(t, n1, winner)

	n2 := trienode.New(4)
	winner, inserted = tbl.EnsureInserted(k, n2)
	require.False(t, inserted)
	require.Same(t, n1, winner)

	require.Equal(t, 1, tbl.Len())
}

func TestConcurrentEnsureInsertedSameKeyOneWinner(t *testing.T) {
	tbl := nodetable.New()
	k := key(t, "10.0.0.0/8")

	const n = 32
	winners := make([]*trienode.Node, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			winners[i], _ = tbl.EnsureInserted(k, trienode.New(4))
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		require.Same(t, winners[0], winners[i])
	}
	require.Equal(t, 1, tbl.Len())
}

func TestRange(t *testing.T) {
	tbl := nodetable.New()
	tbl.EnsureInserted(key(t, "10.0.0.0/8"), trienode.New(4))
	tbl.EnsureInserted(key(t, "192.168.0.0/16"), trienode.New(4))

	count := 0
	tbl.Range(func(prefixid.PrefixId, *trienode.Node) bool {
		count++
		return true
	})
	require.Equal(t, 2, count)
}
