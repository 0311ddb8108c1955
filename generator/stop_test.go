// Copyright (c) 2024, Cogent Core. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package generator

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStopStateMatchesConfiguredStopToken(t *testing.T) {
	s := newStopState(&fakeTokenizer{}, []int32{99}, nil)
	require.True(t, s.isStopToken(99))
	require.False(t, s.isStopToken(1))
}

func TestStopStateMatchesSuffixOnGeneratedTextOnly(t *testing.T) {
	tok := &fakeTokenizer{}
	s := newStopState(tok, nil, []string{"7 8"})
	require.True(t, s.matchesSuffix([]int32{5, 6, 7, 8}))
	require.False(t, s.matchesSuffix([]int32{7, 8, 9}))
}

func TestStopStateCheckCombinesTokenAndSequence(t *testing.T) {
	tok := &fakeTokenizer{}
	s := newStopState(tok, []int32{42}, []string{"1 2"})
	require.True(t, s.check(42, []int32{42}))
	require.True(t, s.check(2, []int32{1, 2}))
	require.False(t, s.check(3, []int32{1, 3}))
}

func TestStopStateCheckTailScansWholeBatch(t *testing.T) {
	tok := &fakeTokenizer{}
	s := newStopState(tok, []int32{9}, nil)
	require.True(t, s.checkTail([]int32{1, 2, 9}, []int32{1, 2, 9}))
	require.False(t, s.checkTail([]int32{1, 2, 3}, []int32{1, 2, 3}))
}

func TestStopStateEmptyStopSequencesNeverMatch(t *testing.T) {
	s := newStopState(&fakeTokenizer{}, nil, nil)
	require.False(t, s.matchesSuffix([]int32{1, 2, 3}))
}
