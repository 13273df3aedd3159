// Package embeddings provides the embedding providers backing the memory
// index: a hosted OpenAI model and a deterministic local fallback.
package embeddings

import "context"

// Provider turns text into vectors.
type Provider interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Name returns the provider name.
	Name() string

	// Dimension returns the embedding dimension.
	Dimension() int
}
