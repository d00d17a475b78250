package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hyperjump/medrag/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type embeddingItem struct {
	Object    string    `json:"object"`
	Index     int       `json:"index"`
	Embedding []float64 `json:"embedding"`
}

func embeddingsServer(t *testing.T, handler func(inputs []string) (int, any)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Input []string `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		status, body := handler(req.Input)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func listBody(items []embeddingItem) map[string]any {
	return map[string]any{
		"object": "list",
		"data":   items,
		"model":  "test-embedding",
		"usage":  map[string]int{"prompt_tokens": 1, "total_tokens": 1},
	}
}

func newTestOpenAIEmbedder(t *testing.T, url string, dims int) *OpenAIEmbedder {
	t.Helper()
	e, err := NewOpenAIEmbedder(OpenAIConfig{APIKey: "sk-test", BaseURL: url + "/v1/", Model: "test-embedding", Dimensions: dims})
	require.NoError(t, err)
	return e
}

func TestOpenAIEmbedder_ReordersByIndex(t *testing.T) {
	srv := embeddingsServer(t, func(inputs []string) (int, any) {
		// Respond in reverse order; vector i encodes its input position.
		items := make([]embeddingItem, 0, len(inputs))
		for i := len(inputs) - 1; i >= 0; i-- {
			items = append(items, embeddingItem{Object: "embedding", Index: i, Embedding: []float64{float64(i), 1}})
		}
		return http.StatusOK, listBody(items)
	})
	e := newTestOpenAIEmbedder(t, srv.URL, 2)

	out, err := e.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, out, 3)
	for i, v := range out {
		assert.Equal(t, float32(i), v[0])
	}
}

func TestOpenAIEmbedder_RejectsMissingIndex(t *testing.T) {
	srv := embeddingsServer(t, func(inputs []string) (int, any) {
		items := []embeddingItem{
			{Object: "embedding", Index: 0, Embedding: []float64{1, 0}},
			{Object: "embedding", Index: 0, Embedding: []float64{0, 1}},
		}
		return http.StatusOK, listBody(items)
	})
	e := newTestOpenAIEmbedder(t, srv.URL, 2)

	_, err := e.EmbedBatch(context.Background(), []string{"a", "b"})
	assert.ErrorIs(t, err, models.ErrPermanent)
}

func TestOpenAIEmbedder_RejectsWrongDimensions(t *testing.T) {
	srv := embeddingsServer(t, func(inputs []string) (int, any) {
		return http.StatusOK, listBody([]embeddingItem{{Object: "embedding", Index: 0, Embedding: []float64{1, 0, 0}}})
	})
	e := newTestOpenAIEmbedder(t, srv.URL, 2)

	_, err := e.Embed(context.Background(), "a")
	assert.ErrorIs(t, err, models.ErrPermanent)
}

func TestOpenAIEmbedder_ClassifiesStatus(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusTooManyRequests, models.ErrTransient},
		{http.StatusBadGateway, models.ErrTransient},
		{http.StatusUnauthorized, models.ErrPermanent},
	}
	for _, tt := range tests {
		srv := embeddingsServer(t, func([]string) (int, any) {
			return tt.status, map[string]any{"error": map[string]any{"message": "nope", "type": "test"}}
		})
		e := newTestOpenAIEmbedder(t, srv.URL, 2)
		_, err := e.Embed(context.Background(), "a")
		assert.ErrorIs(t, err, tt.want, "status %d", tt.status)
	}
}

func TestNewOpenAIEmbedder_RequiresKey(t *testing.T) {
	_, err := NewOpenAIEmbedder(OpenAIConfig{Dimensions: 2})
	assert.Error(t, err)
}
