// Copyright (c) 2025 Karl Gaissmaier
// SPDX-License-Identifier: MIT

package store

import (
	"log/slog"

	"github.com/ribcore/store/internal/persist"
	"github.com/ribcore/store/internal/stride"
)

// PersistStrategy selects which of the store's operations are mirrored
// to, or served from, the on-disk persistence adapter.
type PersistStrategy = persist.Strategy

const (
	// MemoryOnly never touches the persistence adapter.
	MemoryOnly = persist.MemoryOnly
	// WriteAhead appends every upsert to disk but still reads from
	// memory.
	WriteAhead = persist.WriteAhead
	// PersistOnly redirects reads to the on-disk adapter.
	PersistOnly = persist.PersistOnly
	// PersistHistory is PersistOnly but returns every version of a
	// (prefix, mui) when MatchOptions.IncludeHistory is set; otherwise
	// reads are collapsed to the latest version.
	PersistHistory = persist.PersistHistory
)

// Config selects a Store's persistence strategy, on-disk path, stride
// geometry and logger. The zero value is not directly usable for
// persisting strategies (Path is required); TryDefault builds a ready
// MemoryOnly Config for callers that don't need to customize anything.
type Config struct {
	// Strategy selects the persistence behavior. Defaults to MemoryOnly.
	Strategy PersistStrategy

	// Path is the bbolt database file used when Strategy != MemoryOnly.
	Path string

	// V4Strides and V6Strides override the default stride geometry.
	// Both are validated to sum to the address family's bit width; a
	// nil sequence falls back to stride.DefaultFor(af.V4 / af.V6).
	V4Strides stride.Sequence
	V6Strides stride.Sequence

	// Logger receives trace-level walk diagnostics and warnings. A nil
	// Logger falls back to slog.Default().
	Logger *slog.Logger
}
