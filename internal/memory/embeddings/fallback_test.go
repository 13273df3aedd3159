package embeddings

import (
	"context"
	"math"
	"testing"
)

func TestHashEmbeddingShape(t *testing.T) {
	vec := HashEmbedding("the quick brown fox")
	if len(vec) != 384 {
		t.Fatalf("dimension = %d, want 384", len(vec))
	}
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if math.Abs(norm-1.0) > 1e-5 {
		t.Errorf("vector not L2-normalized: norm^2 = %v", norm)
	}
}

func TestHashEmbeddingDeterministic(t *testing.T) {
	a := HashEmbedding("session transcripts are indexed")
	b := HashEmbedding("session transcripts are indexed")
	for i := range a {
		if a[i] != b[i] {
			t.Fatal("same text produced different vectors")
		}
	}
}

func TestHashEmbeddingSimilarityOrdering(t *testing.T) {
	base := HashEmbedding("deploy the staging environment")
	near := HashEmbedding("deploy the staging environment today")
	far := HashEmbedding("unrelated grocery list: milk, eggs")

	if Cosine(base, near) <= Cosine(base, far) {
		t.Error("overlapping text should score higher than unrelated text")
	}
}

func TestHashEmbeddingShortText(t *testing.T) {
	// Fewer than three characters yields the zero vector, not a panic.
	vec := HashEmbedding("ab")
	for _, v := range vec {
		if v != 0 {
			t.Fatal("short text produced non-zero vector")
		}
	}
}

func TestCosine(t *testing.T) {
	a := []float32{1, 0, 0}
	if got := Cosine(a, a); math.Abs(got-1) > 1e-9 {
		t.Errorf("self similarity = %v", got)
	}
	if got := Cosine(a, []float32{0, 1, 0}); got != 0 {
		t.Errorf("orthogonal similarity = %v", got)
	}
	if got := Cosine(a, []float32{1, 0}); got != 0 {
		t.Errorf("mismatched shapes = %v", got)
	}
}

func TestFallbackProvider(t *testing.T) {
	f := NewFallback()
	if f.Dimension() != 384 || f.Name() != "trigram-hash" {
		t.Errorf("provider = %s/%d", f.Name(), f.Dimension())
	}
	vecs, err := f.EmbedBatch(context.Background(), []string{"one", "two"})
	if err != nil || len(vecs) != 2 {
		t.Fatalf("EmbedBatch = %v, %v", vecs, err)
	}
}
