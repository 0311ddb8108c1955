// Copyright (c) 2024, Cogent Core. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package logx

// UserLevel is the minimum level printed by Println and Printf; a message
// below this level is silently dropped rather than written. Defaults to
// defaultUserLevel (see level_release.go), and a caller embedding this
// module in a quieter or noisier host process can reassign it directly.
var UserLevel = defaultUserLevel
