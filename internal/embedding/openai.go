package embedding

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hyperjump/medrag/internal/models"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIConfig configures the OpenAI embeddings adapter.
type OpenAIConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	Dimensions int
	Timeout    time.Duration
}

// OpenAIEmbedder calls the OpenAI embeddings endpoint. It performs no retries
// of its own; BatchEmbedder owns retry policy and needs classified errors.
type OpenAIEmbedder struct {
	client     openai.Client
	model      string
	dimensions int
}

// NewOpenAIEmbedder creates an embedder for cfg.Model at cfg.Dimensions.
func NewOpenAIEmbedder(cfg OpenAIConfig) (*OpenAIEmbedder, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai embedder: API key is empty")
	}
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("openai embedder: invalid dimensions %d", cfg.Dimensions)
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}
	return &OpenAIEmbedder{
		client:     openai.NewClient(opts...),
		model:      cfg.Model,
		dimensions: cfg.Dimensions,
	}, nil
}

// Embed embeds a single text.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	out, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// EmbedBatch embeds texts in one request. Results are placed by the index the
// API reports; a response that does not cover every input exactly once is rejected.
func (e *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	resp, err := e.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Input:          openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		Model:          openai.EmbeddingModel(e.model),
		Dimensions:     openai.Int(int64(e.dimensions)),
		EncodingFormat: openai.EmbeddingNewParamsEncodingFormatFloat,
	})
	if err != nil {
		return nil, classifyOpenAIError(err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("openai embeddings: got %d vectors for %d inputs: %w", len(resp.Data), len(texts), models.ErrPermanent)
	}

	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		i := int(d.Index)
		if i < 0 || i >= len(texts) || out[i] != nil {
			return nil, fmt.Errorf("openai embeddings: bad or duplicate index %d: %w", d.Index, models.ErrPermanent)
		}
		if len(d.Embedding) != e.dimensions {
			return nil, fmt.Errorf("openai embeddings: vector %d has %d dims, want %d: %w", i, len(d.Embedding), e.dimensions, models.ErrPermanent)
		}
		v := make([]float32, len(d.Embedding))
		for j, x := range d.Embedding {
			v[j] = float32(x)
		}
		out[i] = v
	}
	return out, nil
}

// Dimensions returns the requested embedding size.
func (e *OpenAIEmbedder) Dimensions() int { return e.dimensions }

// Close is a no-op; the HTTP client holds no resources that need release.
func (e *OpenAIEmbedder) Close() error { return nil }

// classifyOpenAIError maps SDK errors onto the transient/permanent taxonomy.
func classifyOpenAIError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500:
			return fmt.Errorf("openai: status %d: %v: %w", apiErr.StatusCode, err, models.ErrTransient)
		case apiErr.Code == "context_length_exceeded" ||
			strings.Contains(strings.ToLower(apiErr.Message), "maximum context length"):
			return fmt.Errorf("openai: %v: %w", err, models.ErrInputTooLong)
		default:
			return fmt.Errorf("openai: status %d: %v: %w", apiErr.StatusCode, err, models.ErrPermanent)
		}
	}
	// Anything without an API status is a transport failure.
	return fmt.Errorf("openai: %v: %w", err, models.ErrTransient)
}
