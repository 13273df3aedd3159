package embeddings

import (
	"context"
	"math"
)

// fallbackDimension is the fixed size of the local hash embedding.
const fallbackDimension = 384

// Fallback is a deterministic, offline embedding built from character
// trigrams. It keeps vector search useful when no API key is configured;
// quality is lexical rather than semantic.
type Fallback struct{}

var _ Provider = (*Fallback)(nil)

// NewFallback creates the local trigram-hash provider.
func NewFallback() *Fallback { return &Fallback{} }

func (f *Fallback) Name() string   { return "trigram-hash" }
func (f *Fallback) Dimension() int { return fallbackDimension }

func (f *Fallback) Embed(_ context.Context, text string) ([]float32, error) {
	return HashEmbedding(text), nil
}

func (f *Fallback) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = HashEmbedding(text)
	}
	return out, nil
}

// HashEmbedding hashes every character trigram with the classic djb2-style
// rolling hash (hash = (hash<<5) - hash + c), bumps the bucket |hash| mod
// 384, and L2-normalizes the result.
func HashEmbedding(text string) []float32 {
	vec := make([]float32, fallbackDimension)
	runes := []rune(text)
	for i := 0; i+3 <= len(runes); i++ {
		var hash int32
		for _, c := range runes[i : i+3] {
			hash = (hash << 5) - hash + int32(c)
		}
		idx := int(hash)
		if idx < 0 {
			idx = -idx
		}
		vec[idx%fallbackDimension]++
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
	}
	return vec
}

// Cosine returns the cosine similarity of two vectors, 0 when shapes differ.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
