//go:build cgo
// +build cgo

package embedding

import (
	"context"
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/hyperjump/medrag/internal/models"
	"github.com/hyperjump/medrag/pkg/utils"
)

// ONNXEmbedder runs a local sentence-embedding model (BERT family, exported
// with a last_hidden_state output) through ONNX Runtime and mean-pools the
// attended token states. It requires CGO and the onnxruntime shared library.
type ONNXEmbedder struct {
	mu         sync.Mutex
	session    *ort.AdvancedSession
	dimensions int
	maxTokens  int
	tokenizer  Tokenizer

	inputIDs      *ort.Tensor[int64]
	attentionMask *ort.Tensor[int64]
	tokenTypeIDs  *ort.Tensor[int64]
	hidden        *ort.Tensor[float32] // [1, maxTokens, dimensions]
}

// NewONNXEmbedder loads modelPath with a fixed input window of maxTokens.
func NewONNXEmbedder(modelPath string, dimensions, maxTokens int) (*ONNXEmbedder, error) {
	if dimensions <= 0 || maxTokens < 3 {
		return nil, fmt.Errorf("onnx: invalid dimensions %d or max tokens %d", dimensions, maxTokens)
	}
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("failed to initialize ONNX runtime: %w", err)
		}
	}

	e := &ONNXEmbedder{dimensions: dimensions, maxTokens: maxTokens, tokenizer: HashTokenizer{}}
	window := ort.NewShape(1, int64(maxTokens))
	var err error
	if e.inputIDs, err = ort.NewTensor(window, make([]int64, maxTokens)); err != nil {
		return nil, fmt.Errorf("onnx: input_ids tensor: %w", err)
	}
	if e.attentionMask, err = ort.NewTensor(window, make([]int64, maxTokens)); err != nil {
		e.destroy()
		return nil, fmt.Errorf("onnx: attention_mask tensor: %w", err)
	}
	if e.tokenTypeIDs, err = ort.NewTensor(window, make([]int64, maxTokens)); err != nil {
		e.destroy()
		return nil, fmt.Errorf("onnx: token_type_ids tensor: %w", err)
	}
	if e.hidden, err = ort.NewTensor(ort.NewShape(1, int64(maxTokens), int64(dimensions)), make([]float32, maxTokens*dimensions)); err != nil {
		e.destroy()
		return nil, fmt.Errorf("onnx: output tensor: %w", err)
	}

	e.session, err = ort.NewAdvancedSession(
		modelPath,
		[]string{"input_ids", "attention_mask", "token_type_ids"},
		[]string{"last_hidden_state"},
		[]ort.ArbitraryTensor{e.inputIDs, e.attentionMask, e.tokenTypeIDs},
		[]ort.ArbitraryTensor{e.hidden},
		nil,
	)
	if err != nil {
		e.destroy()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}
	return e, nil
}

// Embed runs the model on text. Text that does not fit the window fails with
// models.ErrInputTooLong so the indexer can re-chunk.
func (e *ONNXEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	enc, ok := e.tokenizer.Encode(text, e.maxTokens)
	if !ok {
		return nil, fmt.Errorf("onnx: %d tokens exceed window of %d: %w",
			e.tokenizer.Count(text), e.maxTokens-2, models.ErrInputTooLong)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return nil, fmt.Errorf("onnx: embedder closed: %w", models.ErrPermanent)
	}
	copy(e.inputIDs.GetData(), enc.InputIDs)
	copy(e.attentionMask.GetData(), enc.AttentionMask)
	copy(e.tokenTypeIDs.GetData(), enc.TokenTypeIDs)
	if err := e.session.Run(); err != nil {
		return nil, fmt.Errorf("onnx inference failed: %v: %w", err, models.ErrPermanent)
	}
	return meanPool(e.hidden.GetData(), enc.Length, e.dimensions), nil
}

// meanPool averages the first n token rows of hidden and L2-normalizes.
func meanPool(hidden []float32, n, dims int) []float32 {
	out := make([]float32, dims)
	for t := 0; t < n; t++ {
		row := hidden[t*dims : (t+1)*dims]
		for d, v := range row {
			out[d] += v
		}
	}
	for d := range out {
		out[d] /= float32(n)
	}
	utils.NormalizeL2(out)
	return out
}

// EmbedBatch embeds texts one at a time; the session holds a single window.
func (e *ONNXEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		v, err := e.Embed(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("onnx: input %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}

// Dimensions returns the embedding dimension.
func (e *ONNXEmbedder) Dimensions() int { return e.dimensions }

// Close releases the session and its tensors.
func (e *ONNXEmbedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	var err error
	if e.session != nil {
		err = e.session.Destroy()
		e.session = nil
	}
	e.destroy()
	return err
}

func (e *ONNXEmbedder) destroy() {
	if e.inputIDs != nil {
		_ = e.inputIDs.Destroy()
		e.inputIDs = nil
	}
	if e.attentionMask != nil {
		_ = e.attentionMask.Destroy()
		e.attentionMask = nil
	}
	if e.tokenTypeIDs != nil {
		_ = e.tokenTypeIDs.Destroy()
		e.tokenTypeIDs = nil
	}
	if e.hidden != nil {
		_ = e.hidden.Destroy()
		e.hidden = nil
	}
}
