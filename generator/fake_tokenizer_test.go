// Copyright (c) 2024, Cogent Core. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package generator

import (
	"strconv"
	"strings"

	"github.com/cogentcore/gpuinfer/tokenizer"
)

// fakeTokenizer is a trivial whitespace tokenizer for tests: each decoded
// "word" is its own token id (the digit string itself, parsed back), so
// Encode/Decode round-trip without needing a real vocabulary.
type fakeTokenizer struct {
	special tokenizer.SpecialTokens
	vocab   int
}

func (f *fakeTokenizer) Encode(s string) ([]int32, error) {
	fields := strings.Fields(s)
	ids := make([]int32, len(fields))
	for i, word := range fields {
		n, err := strconv.Atoi(word)
		if err != nil {
			return nil, err
		}
		ids[i] = int32(n)
	}
	return ids, nil
}

func (f *fakeTokenizer) Decode(ids []int32, skipSpecial, clean bool) (string, error) {
	words := make([]string, len(ids))
	for i, id := range ids {
		words[i] = strconv.Itoa(int(id))
	}
	return strings.Join(words, " "), nil
}

func (f *fakeTokenizer) SpecialTokens() tokenizer.SpecialTokens { return f.special }
func (f *fakeTokenizer) VocabSize() int                         { return f.vocab }
