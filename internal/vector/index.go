// Package vector provides in-memory nearest-neighbour indexes over chunk
// embeddings using cosine distance.
package vector

import "context"

// VectorIndex defines vector storage and similarity search. Distances are
// cosine distances in [0, 2]; smaller is closer.
type VectorIndex interface {
	Add(ctx context.Context, ids []string, vectors [][]float32) error
	Search(ctx context.Context, query []float32, k int) ([]*VectorResult, error)
	Remove(ctx context.Context, ids []string) error
	Size() int
	// Exact reports whether Search always returns the true top-k.
	Exact() bool
	Type() string
	Close() error
}

// VectorResult is a single vector search hit (ID is a chunk ID).
type VectorResult struct {
	ID       string
	Distance float64
}
