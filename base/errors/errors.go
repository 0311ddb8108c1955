// Copyright (c) 2024, Cogent Core. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package errors provides the logged-error helpers used throughout this
// module, following the same Log/Log1/Log2 convention the rest of the
// cogentcore tree uses at GPU and device call sites: a non-nil error is
// logged exactly once where it is first observed and then returned
// unchanged, so callers can propagate it without double-logging up the
// stack.
package errors

import (
	"log/slog"
)

// Log logs the given error if it is non-nil, and returns it unchanged.
func Log(err error) error {
	if err != nil {
		slog.Error(err.Error())
	}
	return err
}

// Log1 logs err if non-nil (as [Log]) and returns the first value unchanged.
// It is used at call sites returning (value, error) that are being
// flattened into a single return, e.g. StringJSON-style helpers.
func Log1[T any](v T, err error) T {
	Log(err)
	return v
}

// Ignore discards an error, documenting at the call site that doing so
// is intentional (e.g., releasing a resource that is going away anyway).
func Ignore(err error) {
	_ = err
}
