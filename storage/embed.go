package storage

import (
	"math"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// EmbeddingDim is the fixed dimensionality of item embeddings.
const EmbeddingDim = 256

// Embedder turns free text into a fixed-size vector. The default
// implementation is deterministic feature hashing over lowercase tokens; a
// model-backed embedder can be substituted behind the same contract without
// touching the vector store.
type Embedder interface {
	Embed(text string) []float32
}

// HashingEmbedder is a dependency-free bag-of-words embedder: each token is
// hashed into one of EmbeddingDim buckets with a sign bit, and the vector is
// L2-normalized. Identical text always yields the identical vector.
type HashingEmbedder struct{}

// NewHashingEmbedder creates the default embedder.
func NewHashingEmbedder() *HashingEmbedder {
	return &HashingEmbedder{}
}

// Embed hashes the text's tokens into a normalized EmbeddingDim vector.
func (e *HashingEmbedder) Embed(text string) []float32 {
	vec := make([]float32, EmbeddingDim)
	for _, token := range tokenize(text) {
		h := xxhash.Sum64String(token)
		bucket := h % EmbeddingDim
		// Highest bit decides the sign so colliding tokens can cancel
		// instead of always accumulating.
		if h&(1<<63) != 0 {
			vec[bucket]--
		} else {
			vec[bucket]++
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec
}

// tokenize lowercases and splits on non-alphanumeric runs.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
}
