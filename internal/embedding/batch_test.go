package embedding

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hyperjump/medrag/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedEmbedder wraps MockEmbedder and fails according to failFn.
type scriptedEmbedder struct {
	*MockEmbedder
	calls  atomic.Int32
	failFn func(call int32, texts []string) error
	mangle func(out [][]float32) [][]float32
}

func (e *scriptedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	n := e.calls.Add(1)
	if e.failFn != nil {
		if err := e.failFn(n, texts); err != nil {
			return nil, err
		}
	}
	out, err := e.MockEmbedder.EmbedBatch(ctx, texts)
	if err == nil && e.mangle != nil {
		out = e.mangle(out)
	}
	return out, err
}

func fastOptions() BatchOptions {
	return BatchOptions{
		BatchSize:      3,
		MaxConcurrency: 4,
		MaxRetries:     3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
	}
}

func texts(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("chunk %d", i)
	}
	return out
}

func TestBatchEmbedder_PreservesOrderAcrossBatches(t *testing.T) {
	mock := NewMockEmbedder(8)
	b := NewBatchEmbedder(&scriptedEmbedder{MockEmbedder: mock}, fastOptions(), nil)
	in := texts(10)

	out, err := b.EmbedBatch(context.Background(), in)
	require.NoError(t, err)
	require.Len(t, out, len(in))
	for i, text := range in {
		want, _ := mock.Embed(context.Background(), text)
		assert.Equal(t, want, out[i], "vector %d out of order", i)
	}
}

func TestBatchEmbedder_RetriesTransient(t *testing.T) {
	inner := &scriptedEmbedder{
		MockEmbedder: NewMockEmbedder(4),
		failFn: func(call int32, _ []string) error {
			if call <= 2 {
				return fmt.Errorf("rate limited: %w", models.ErrTransient)
			}
			return nil
		},
	}
	b := NewBatchEmbedder(inner, fastOptions(), nil)

	v, err := b.Embed(context.Background(), "query")
	require.NoError(t, err)
	assert.Len(t, v, 4)
	assert.EqualValues(t, 3, inner.calls.Load())
}

func TestBatchEmbedder_TransientExhausted(t *testing.T) {
	inner := &scriptedEmbedder{
		MockEmbedder: NewMockEmbedder(4),
		failFn: func(int32, []string) error {
			return fmt.Errorf("503: %w", models.ErrTransient)
		},
	}
	b := NewBatchEmbedder(inner, fastOptions(), nil)

	_, err := b.Embed(context.Background(), "query")
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrTransient)
	assert.EqualValues(t, 4, inner.calls.Load(), "one attempt plus three retries")
}

func TestBatchEmbedder_PermanentNotRetried(t *testing.T) {
	inner := &scriptedEmbedder{
		MockEmbedder: NewMockEmbedder(4),
		failFn: func(int32, []string) error {
			return fmt.Errorf("too long: %w", models.ErrInputTooLong)
		},
	}
	b := NewBatchEmbedder(inner, fastOptions(), nil)

	_, err := b.EmbedBatch(context.Background(), texts(1))
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrInputTooLong)
	assert.ErrorIs(t, err, models.ErrPermanent)
	assert.EqualValues(t, 1, inner.calls.Load())
}

func TestBatchEmbedder_OneFailedBatchFailsAll(t *testing.T) {
	inner := &scriptedEmbedder{
		MockEmbedder: NewMockEmbedder(4),
		failFn: func(_ int32, in []string) error {
			for _, s := range in {
				if s == "chunk 7" {
					return errors.New("malformed response")
				}
			}
			return nil
		},
	}
	b := NewBatchEmbedder(inner, fastOptions(), nil)

	out, err := b.EmbedBatch(context.Background(), texts(10))
	require.Error(t, err)
	assert.Nil(t, out, "no partial results may be returned")
}

func TestBatchEmbedder_RejectsShortResponse(t *testing.T) {
	inner := &scriptedEmbedder{
		MockEmbedder: NewMockEmbedder(4),
		mangle:       func(out [][]float32) [][]float32 { return out[:len(out)-1] },
	}
	b := NewBatchEmbedder(inner, fastOptions(), nil)

	_, err := b.EmbedBatch(context.Background(), texts(3))
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrPermanent)
	assert.EqualValues(t, 1, inner.calls.Load())
}

func TestBatchEmbedder_RejectsWrongDimensions(t *testing.T) {
	inner := &scriptedEmbedder{
		MockEmbedder: NewMockEmbedder(4),
		mangle: func(out [][]float32) [][]float32 {
			out[1] = out[1][:2]
			return out
		},
	}
	b := NewBatchEmbedder(inner, fastOptions(), nil)

	_, err := b.EmbedBatch(context.Background(), texts(3))
	assert.ErrorIs(t, err, models.ErrPermanent)
}

func TestBatchEmbedder_ContextCancelled(t *testing.T) {
	b := NewBatchEmbedder(&scriptedEmbedder{MockEmbedder: NewMockEmbedder(4)}, fastOptions(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := b.EmbedBatch(ctx, texts(5))
	require.Error(t, err)
}
