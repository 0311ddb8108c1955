// Copyright (c) 2024, Cogent Core. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package moe

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRouterWeightsNamesPerLayerKeys(t *testing.T) {
	gate, bias := RouterWeights(3)
	require.Equal(t, "layer_3.router_gate", gate)
	require.Equal(t, "layer_3.router_bias", bias)
}
