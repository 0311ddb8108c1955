// Copyright (c) 2024, Cogent Core. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package logx

import (
	"image/color"
	"log/slog"

	"github.com/muesli/termenv"
)

// UseColor is whether to use color in log messages. It is on by default.
var UseColor = true

// colorProfile is the termenv color profile, stored globally for
// convenience. Set by InitColor.
var colorProfile termenv.Profile

func init() {
	if UseColor {
		InitColor()
	}
}

// InitColor sets up the terminal environment for color output. It runs
// automatically from this package's init function if UseColor is true.
// A caller that shells out to another process between log calls (some
// platforms reset terminal mode when a child process exits) needs to call
// this again afterward.
func InitColor() {
	restoreFunc, err := termenv.EnableVirtualTerminalProcessing(termenv.DefaultOutput())
	if err != nil {
		slog.Warn("logx: error enabling virtual terminal processing for colored output on Windows", "error", err)
	}
	_ = restoreFunc
	colorProfile = termenv.ColorProfile()
}

// ApplyColor applies clr to str and returns the result. Returns str
// unchanged if UseColor is false.
func ApplyColor(clr color.Color, str string) string {
	if !UseColor {
		return str
	}
	return termenv.String(str).Foreground(colorProfile.FromColor(clr)).String()
}

// debugColor, warnColor, and errorColor are fixed terminal colors for this
// module's three logged levels. Unlike the teacher's UI-facing logx,
// which derives these from the app's active color theme (light/dark,
// Material palette), a headless inference pipeline has no theme to read:
// these are plain, fixed ANSI-ish RGB values chosen for terminal
// readability, not drawn from cogentcore.org/core/colors.
var (
	debugColor = color.RGBA{R: 0x4f, G: 0x9d, B: 0xd9, A: 0xff}
	warnColor  = color.RGBA{R: 0xd9, G: 0xa5, B: 0x2c, A: 0xff}
	errorColor = color.RGBA{R: 0xd9, G: 0x4f, B: 0x4f, A: 0xff}
)

// LevelColor applies the color associated with level to str and returns
// the result. Info is left uncolored (plain terminal foreground); if
// UseColor is false, every level returns str unchanged.
func LevelColor(level slog.Level, str string) string {
	switch level {
	case slog.LevelDebug:
		return ApplyColor(debugColor, str)
	case slog.LevelWarn:
		return ApplyColor(warnColor, str)
	case slog.LevelError:
		return ApplyColor(errorColor, str)
	}
	return str
}
