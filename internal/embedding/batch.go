package embedding

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/hyperjump/medrag/internal/models"
	"github.com/hyperjump/medrag/pkg/utils"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// BatchOptions tunes BatchEmbedder.
type BatchOptions struct {
	BatchSize         int
	MaxConcurrency    int
	RequestsPerSecond float64 // <= 0 disables rate limiting
	MaxRetries        int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
}

// BatchEmbedder splits large inputs into batches, embeds them concurrently
// under a rate limit, retries transient failures with exponential backoff and
// fails the whole call if any batch fails.
type BatchEmbedder struct {
	inner   Embedder
	opts    BatchOptions
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewBatchEmbedder wraps inner.
func NewBatchEmbedder(inner Embedder, opts BatchOptions, logger *zap.Logger) *BatchEmbedder {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 64
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 1
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 500 * time.Millisecond
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 30 * time.Second
	}
	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	logger = utils.OrNop(logger)
	return &BatchEmbedder{
		inner:   inner,
		opts:    opts,
		limiter: rate.NewLimiter(limit, opts.MaxConcurrency),
		logger:  logger,
	}
}

// Embed embeds one text with the same retry policy as batches.
func (b *BatchEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	out, err := b.embedWithRetry(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// EmbedBatch returns one vector per text in input order, or an error and no vectors.
func (b *BatchEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, len(texts))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.opts.MaxConcurrency)
	for start := 0; start < len(texts); start += b.opts.BatchSize {
		end := min(start+b.opts.BatchSize, len(texts))
		g.Go(func() error {
			vecs, err := b.embedWithRetry(gctx, texts[start:end])
			if err != nil {
				return fmt.Errorf("batch [%d:%d]: %w", start, end, err)
			}
			copy(out[start:end], vecs)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (b *BatchEmbedder) embedWithRetry(ctx context.Context, texts []string) ([][]float32, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = b.opts.InitialBackoff
	bo.MaxInterval = b.opts.MaxBackoff

	attempt := 0
	op := func() ([][]float32, error) {
		attempt++
		if err := b.limiter.Wait(ctx); err != nil {
			return nil, backoff.Permanent(err)
		}
		vecs, err := b.inner.EmbedBatch(ctx, texts)
		if err != nil {
			if errors.Is(err, models.ErrTransient) {
				return nil, err
			}
			return nil, backoff.Permanent(err)
		}
		if err := b.validate(vecs, len(texts)); err != nil {
			return nil, backoff.Permanent(err)
		}
		return vecs, nil
	}
	notify := func(err error, d time.Duration) {
		b.logger.Warn("embedding batch failed, retrying",
			zap.Int("batch_size", len(texts)),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", d),
			zap.Error(err))
	}
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(b.opts.MaxRetries+1)),
		backoff.WithNotify(notify),
	)
}

func (b *BatchEmbedder) validate(vecs [][]float32, want int) error {
	if len(vecs) != want {
		return fmt.Errorf("embedder returned %d vectors for %d inputs: %w", len(vecs), want, models.ErrPermanent)
	}
	dims := b.inner.Dimensions()
	for i, v := range vecs {
		if len(v) != dims {
			return fmt.Errorf("vector %d has %d dims, want %d: %w", i, len(v), dims, models.ErrPermanent)
		}
	}
	return nil
}

// Dimensions returns the wrapped embedder's dimensionality.
func (b *BatchEmbedder) Dimensions() int { return b.inner.Dimensions() }

// Close closes the wrapped embedder.
func (b *BatchEmbedder) Close() error { return b.inner.Close() }
