// Copyright (c) 2023, Cogent Core. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build release

package logx

import "log/slog"

// A release build defaults to warnings and errors only: a production
// inference pipeline isn't expected to print per-kernel debug noise.
var defaultUserLevel = slog.LevelWarn
