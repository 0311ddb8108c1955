// Copyright (c) 2024, Cogent Core. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build !release

package logx

import "log/slog"

// A debug build defaults to printing everything, including per-layer and
// per-step detail, since that's the build most commonly run while working
// on the kernels themselves.
var defaultUserLevel = slog.LevelDebug
