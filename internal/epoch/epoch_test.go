// Copyright (c) 2025 Karl Gaissmaier
// SPDX-License-Identifier: MIT

package epoch_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ribcore/store/internal/epoch"
)

func TestDeferredFreeRunsAfterTwoGenerations(t *testing.T) {
	dom := epoch.NewDomain()

	g1 := dom.Pin()
	ran := false
	dom.DeferFree(func() { ran = true })
	g1.Unpin()
	require.False(t, ran, "must not run before the epoch advances two generations")

	g2 := dom.Pin()
	g2.Unpin()
	g3 := dom.Pin()
	g3.Unpin()

	require.True(t, ran)
}

func TestPinBlocksReclamationUntilUnpin(t *testing.T) {
	dom := epoch.NewDomain()

	reader := dom.Pin()

	ran := false
	dom.DeferFree(func() { ran = true })

	// Plenty of independent pin/unpin cycles from other callers; none of
	// them should free the deferred closure while reader is still
	// pinned at the older epoch.
	for i := 0; i < 5; i++ {
		g := dom.Pin()
		g.Unpin()
	}
	require.False(t, ran)

	reader.Unpin()
	for i := 0; i < 2; i++ {
		g := dom.Pin()
		g.Unpin()
	}
	require.True(t, ran)
}
