//go:build !cgo
// +build !cgo

package embedding

import (
	"context"
	"fmt"

	"github.com/hyperjump/medrag/internal/models"
)

var errONNXUnavailable = fmt.Errorf("onnx embedder needs a cgo build with onnxruntime: %w", models.ErrPermanent)

// ONNXEmbedder is unavailable without cgo; NewONNXEmbedder always fails.
type ONNXEmbedder struct{}

// NewONNXEmbedder reports that the local model backend is not compiled in.
func NewONNXEmbedder(string, int, int) (*ONNXEmbedder, error) {
	return nil, errONNXUnavailable
}

func (*ONNXEmbedder) Embed(context.Context, string) ([]float32, error) {
	return nil, errONNXUnavailable
}

func (*ONNXEmbedder) EmbedBatch(context.Context, []string) ([][]float32, error) {
	return nil, errONNXUnavailable
}

func (*ONNXEmbedder) Dimensions() int { return 0 }

func (*ONNXEmbedder) Close() error { return nil }
