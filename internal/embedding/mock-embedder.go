package embedding

import (
	"context"
	"hash/fnv"
	"math/rand"

	"github.com/hyperjump/medrag/pkg/utils"
)

// MockEmbedder is an offline bag-of-words embedder: each token maps to a fixed
// pseudo-random direction and a text embeds to the normalized sum of its
// tokens. Texts sharing words land close together, which keeps search and
// chat usable without a model.
type MockEmbedder struct {
	dimensions int
}

// NewMockEmbedder returns a MockEmbedder producing vectors of the given size.
func NewMockEmbedder(dimensions int) *MockEmbedder {
	if dimensions <= 0 {
		dimensions = 384
	}
	return &MockEmbedder{dimensions: dimensions}
}

// Embed returns the deterministic unit vector for text.
func (e *MockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]float32, e.dimensions)
	toks := pieces(text)
	if len(toks) == 0 {
		out[0] = 1
		return out, nil
	}
	for _, tok := range toks {
		h := fnv.New64a()
		_, _ = h.Write([]byte(tok))
		r := rand.New(rand.NewSource(int64(h.Sum64())))
		for i := range out {
			out[i] += float32(r.NormFloat64())
		}
	}
	utils.NormalizeL2(out)
	return out, nil
}

// EmbedBatch embeds each text in order.
func (e *MockEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		v, err := e.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Dimensions returns the vector size.
func (e *MockEmbedder) Dimensions() int { return e.dimensions }

// Close is a no-op.
func (e *MockEmbedder) Close() error { return nil }
