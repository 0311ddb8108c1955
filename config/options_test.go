// Copyright (c) 2024, Cogent Core. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolveUsesDefaultsWhenUnset(t *testing.T) {
	r := GenerateOptions{}.Resolve(DefaultRuntimeDefaults())
	require.Equal(t, 256, r.MaxTokens)
	require.InDelta(t, float32(1.0), r.Temperature, 1e-6)
	require.Equal(t, 1, r.BatchSize)
	require.NotNil(t, r.AbortSignal)
}

func TestResolveOverridesDefaults(t *testing.T) {
	r := GenerateOptions{MaxTokens: Int(4), BatchSize: Int(8)}.Resolve(DefaultRuntimeDefaults())
	require.Equal(t, 4, r.MaxTokens)
	require.Equal(t, 8, r.BatchSize)
	// Not overridden: falls back to default.
	require.InDelta(t, float32(1.0), r.Temperature, 1e-6)
}

func TestResolveHonorsExplicitZeroTemperatureAsGreedy(t *testing.T) {
	r := GenerateOptions{Temperature: Float32(0)}.Resolve(DefaultRuntimeDefaults())
	require.Equal(t, float32(0), r.Temperature)
}

func TestResolveHonorsExplicitZeroMaxTokens(t *testing.T) {
	r := GenerateOptions{MaxTokens: Int(0)}.Resolve(DefaultRuntimeDefaults())
	require.Equal(t, 0, r.MaxTokens)
}
