// Copyright (c) 2025 Karl Gaissmaier
// SPDX-License-Identifier: MIT

// Package af implements the fixed-width address-family abstraction: a
// bitstring of either 32 (IPv4) or 128 (IPv6) bits with bit-slice
// extraction, used by the trie walk to pull the bits consumed by one
// stride out of an address without allocating.
package af

import "net/netip"

// Family identifies an address family by its fixed bit width.
type Family struct {
	Bits int
}

// V4 and V6 are the two supported address families.
var (
	V4 = Family{Bits: 32}
	V6 = Family{Bits: 128}
)

func (f Family) String() string {
	if f.Bits == 32 {
		return "ipv4"
	}
	return "ipv6"
}

// FamilyOf returns the address family of addr.
func FamilyOf(addr netip.Addr) Family {
	if addr.Is4() || addr.Is4In6() {
		return V4
	}
	return V6
}

// Bytes returns the canonical byte slice for addr: 4 bytes for IPv4, 16
// for IPv6. addr must already be unmapped (see netip.Addr.Unmap).
func Bytes(addr netip.Addr) []byte {
	b := addr.AsSlice()
	return b
}

// BitSlice extracts the width bits of addr starting at bit offset
// offset (0 = most significant bit), returned right-aligned in the
// low bits of the result. width must be <= 32.
func BitSlice(addr netip.Addr, offset, width int) uint32 {
	if width == 0 {
		return 0
	}
	b := Bytes(addr)
	var v uint32

	byteOff := offset / 8
	bitOff := offset % 8

	need := width
	for need > 0 && byteOff < len(b) {
		avail := 8 - bitOff
		take := avail
		if take > need {
			take = need
		}

		cur := b[byteOff]
		// shift so the `take` bits we want sit in the low bits
		shifted := (cur >> (avail - take)) & (0xFF >> (8 - take))
		v = (v << take) | uint32(shifted)

		need -= take
		byteOff++
		bitOff = 0
	}
	// if we ran out of bytes (shouldn't happen for well-formed prefixes)
	// pad with zero bits, already represented by leaving need unconsumed.
	if need > 0 {
		v <<= need
	}
	return v
}

// ZeroBelow returns addr with all bits at position >= prefixLen cleared,
// i.e. the canonical form of the (addr, prefixLen) prefix.
func ZeroBelow(addr netip.Addr, prefixLen int) netip.Addr {
	p, err := addr.Prefix(prefixLen)
	if err != nil {
		// prefixLen out of range for this address's bit width; caller is
		// expected to have validated this already.
		return addr
	}
	return p.Masked().Addr()
}

// Compare lexicographically compares two addresses of the same family,
// bit by bit, most-significant first. Returns -1, 0, 1.
func Compare(a, b netip.Addr) int {
	return a.Compare(b)
}
