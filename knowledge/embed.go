// Copyright 2025 ByteDance Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package knowledge

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"

	"github.com/philippgille/chromem-go"
)

const embeddingDims = 512

// HashingEmbedder returns a deterministic, offline embedding function based
// on feature hashing of word tokens and character trigrams. The last
// dimension is a constant bias so no text embeds to the zero vector.
func HashingEmbedder() chromem.EmbeddingFunc {
	return func(_ context.Context, text string) ([]float32, error) {
		v := make([]float32, embeddingDims)
		for _, tok := range tokenize(text) {
			addFeature(v, "w:"+tok, 1.0)
			padded := "#" + tok + "#"
			for i := 0; i+3 <= len(padded); i++ {
				addFeature(v, "t:"+padded[i:i+3], 0.5)
			}
		}
		v[embeddingDims-1] = 0.1
		normalize(v)
		return v, nil
	}
}

func addFeature(v []float32, feature string, weight float32) {
	h := fnv.New64a()
	_, _ = h.Write([]byte(feature))
	sum := h.Sum64()
	idx := int(sum % uint64(embeddingDims-1))
	if sum&(1<<63) != 0 {
		weight = -weight
	}
	v[idx] += weight
}

func normalize(v []float32) {
	var n float64
	for _, x := range v {
		n += float64(x) * float64(x)
	}
	n = math.Sqrt(n)
	if n == 0 {
		return
	}
	for i := range v {
		v[i] = float32(float64(v[i]) / n)
	}
}

// tokenize lowercases and splits on anything that is not a letter or digit,
// also breaking camelCase and snake_case identifiers.
func tokenize(text string) []string {
	var out []string
	var cur []rune
	flush := func() {
		if len(cur) > 0 {
			out = append(out, strings.ToLower(string(cur)))
			cur = cur[:0]
		}
	}
	var prev rune
	for _, r := range text {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if unicode.IsUpper(r) && unicode.IsLower(prev) {
				flush()
			}
			cur = append(cur, r)
		default:
			flush()
		}
		prev = r
	}
	flush()
	return out
}
