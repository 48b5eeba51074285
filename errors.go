// Copyright (c) 2025 Karl Gaissmaier
// SPDX-License-Identifier: MIT

package store

import (
	"errors"

	"github.com/ribcore/store/internal/family"
	"github.com/ribcore/store/internal/persist"
)

// Sentinel errors returned by Store operations. CAS losses and
// per-prefix write contention are never surfaced as errors — they are
// retried internally and counted into UpsertReport.CASCount instead.
var (
	// ErrStoreNotReady means an internal invariant saw a missing bucket
	// that must exist for an already-inserted prefix.
	ErrStoreNotReady = errors.New("store: internal bucket missing for an existing prefix")

	// ErrBestPathNotFound means a best-path query found no
	// visible-active record under the queried prefix.
	ErrBestPathNotFound = errors.New("store: no active record to select a best path from")

	// ErrPrefixLengthInvalid means the queried or inserted prefix's
	// length or address family is invalid.
	ErrPrefixLengthInvalid = errors.New("store: prefix length invalid for address family")
)

// FatalError wraps a persistence-layer failure the Store cannot recover
// from locally: a decode failure or other corruption. It is always
// returned, never panicked; the caller decides whether to abort the
// enclosing operation.
type FatalError = persist.FatalError

// translateErr maps the internal family package's sentinels onto this
// package's public ones, so callers never have to import internal/family
// to use errors.Is.
func translateErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, family.ErrStoreNotReady):
		return ErrStoreNotReady
	case errors.Is(err, family.ErrBestPathNotFound):
		return ErrBestPathNotFound
	case errors.Is(err, family.ErrPrefixLengthInvalid):
		return ErrPrefixLengthInvalid
	default:
		return err
	}
}
