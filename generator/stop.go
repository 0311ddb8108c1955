// Copyright (c) 2024, Cogent Core. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package generator

import (
	"strings"

	"github.com/cogentcore/gpuinfer/tokenizer"
)

// stopState tracks the stop-token and stop-sequence conditions for one
// Generate call. Stop sequences only ever match against generated text,
// never against the prompt.
type stopState struct {
	tok           tokenizer.Tokenizer
	stopTokenIDs  map[int32]bool
	stopSequences []string
}

func newStopState(tok tokenizer.Tokenizer, cfgStopIDs []int32, stopSequences []string) *stopState {
	m := make(map[int32]bool, len(cfgStopIDs))
	for _, id := range cfgStopIDs {
		m[id] = true
	}
	return &stopState{tok: tok, stopTokenIDs: m, stopSequences: stopSequences}
}

func (s *stopState) isStopToken(id int32) bool {
	return s.stopTokenIDs[id]
}

// matchesSuffix decodes the generated-so-far ids and checks whether the
// resulting text ends with any configured stop sequence.
func (s *stopState) matchesSuffix(generated []int32) bool {
	if len(s.stopSequences) == 0 || len(generated) == 0 {
		return false
	}
	text, err := s.tok.Decode(generated, true, true)
	if err != nil {
		return false
	}
	for _, seq := range s.stopSequences {
		if seq != "" && strings.HasSuffix(text, seq) {
			return true
		}
	}
	return false
}

// check reports whether the single token just produced ends generation.
func (s *stopState) check(id int32, generated []int32) bool {
	return s.isStopToken(id) || s.matchesSuffix(generated)
}

// checkTail reports whether any token in batch, or the generated text as
// a whole, ends generation; used in per-batch stop-check mode.
func (s *stopState) checkTail(batch []int32, generated []int32) bool {
	for _, id := range batch {
		if s.isStopToken(id) {
			return true
		}
	}
	return s.matchesSuffix(generated)
}
