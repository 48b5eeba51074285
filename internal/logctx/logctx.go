// Copyright (c) 2025 Karl Gaissmaier
// SPDX-License-Identifier: MIT

// Package logctx is a small, one-purpose wrapper around log/slog,
// matching the shape of this module's other single-concern internal
// helpers (af, stride, epoch): it exists so the hot insert/query paths
// can emit trace-level walk diagnostics through one shared logger
// without every package importing and configuring slog itself.
package logctx

import (
	"context"
	"log/slog"
)

// LevelTrace sits one rung below slog.LevelDebug, for the
// per-stride walk tracing the original store emits at its most
// verbose level.
const LevelTrace = slog.Level(-8)

var base = slog.Default()

// SetDefault installs l as the logger used by every call in this
// package; a nil l installs slog.Default(). Intended to be called once,
// at Store construction.
func SetDefault(l *slog.Logger) {
	if l == nil {
		l = slog.Default()
	}
	base = l
}

// Trace emits a trace-level walk diagnostic.
func Trace(msg string, args ...any) {
	base.Log(context.Background(), LevelTrace, msg, args...)
}

// Warn emits a warn-level diagnostic, used for recovered-but-notable
// conditions (e.g. a persistence adapter rejecting a write).
func Warn(msg string, args ...any) {
	base.Warn(msg, args...)
}
