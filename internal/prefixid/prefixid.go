// Copyright (c) 2025 Karl Gaissmaier
// SPDX-License-Identifier: MIT

// Package prefixid provides the canonical (address-bits, length) prefix
// identifier with the length-major total order the rest of the store
// relies on for heap-numbered more/less-specific enumeration.
package prefixid

import (
	"net/netip"

	"github.com/ribcore/store/internal/af"
)

// PrefixId is the canonical identity of a prefix: its masked address and
// its length. Two PrefixIds are equal iff both fields match.
type PrefixId struct {
	addr netip.Addr
	len  uint8
}

// New canonicalizes p (masking bits below its length) into a PrefixId.
func New(p netip.Prefix) PrefixId {
	p = p.Masked()
	return PrefixId{addr: p.Addr(), len: uint8(p.Bits())}
}

// FromAddr builds a PrefixId directly from an already-canonical address
// and length, without re-masking. Used on the hot insert/query path
// where the caller has already validated canonicality.
func FromAddr(addr netip.Addr, length uint8) PrefixId {
	return PrefixId{addr: addr, len: length}
}

func (p PrefixId) Addr() netip.Addr { return p.addr }
func (p PrefixId) Len() uint8       { return p.len }

func (p PrefixId) Family() af.Family { return af.FamilyOf(p.addr) }

func (p PrefixId) Prefix() netip.Prefix {
	pfx, _ := p.addr.Prefix(int(p.len))
	return pfx
}

func (p PrefixId) String() string {
	return p.Prefix().String()
}

func (p PrefixId) Equal(o PrefixId) bool {
	return p.len == o.len && p.addr == o.addr
}

// Compare orders PrefixIds by length ascending, then address bits
// ascending. Length-major ordering means every node's internal prefix
// slots sort into contiguous heap-index ranges per level, which is what
// makes more/less-specific enumeration a range scan rather than a
// full walk.
func Compare(a, b PrefixId) int {
	if a.len != b.len {
		if a.len < b.len {
			return -1
		}
		return 1
	}
	return a.addr.Compare(b.addr)
}

// IsMoreSpecificOf reports whether more is a more-specific prefix of
// (or equal to) less: more's length is >= less's, and more's address,
// masked to less's length, equals less's address.
func IsMoreSpecificOf(less, more PrefixId) bool {
	if more.len < less.len {
		return false
	}
	masked := af.ZeroBelow(more.addr, int(less.len))
	return masked == less.addr
}
