// Package embedding turns chunk text and queries into fixed-length vectors.
// Providers (OpenAI, ONNX, mock) are wrapped by BatchEmbedder for batching,
// bounded concurrency, rate limiting and retry.
package embedding

import "context"

// Embedder produces vector embeddings for text. EmbedBatch returns exactly one
// vector per input, in input order, or an error and no vectors.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	Close() error
}
