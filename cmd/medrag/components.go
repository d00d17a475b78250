package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/hyperjump/medrag/internal/chat"
	"github.com/hyperjump/medrag/internal/config"
	"github.com/hyperjump/medrag/internal/embedding"
	"github.com/hyperjump/medrag/internal/indexer"
	"github.com/hyperjump/medrag/internal/llm"
	"github.com/hyperjump/medrag/internal/retrieval"
	"github.com/hyperjump/medrag/internal/storage"
	"github.com/hyperjump/medrag/internal/vector"
)

// Components is the wired dependency graph shared by the server and the
// direct-mode commands.
type Components struct {
	Store     storage.Store
	Embedder  embedding.Embedder
	Retriever *retrieval.Retriever
	Chat      *chat.Orchestrator
	Indexer   *indexer.Indexer

	redisLocker *indexer.RedisLocker
	closed      bool
}

// Close releases the store, the embedding backend and the lock client. It is
// safe to call more than once.
func (c *Components) Close() {
	if c.closed {
		return
	}
	c.closed = true
	if c.redisLocker != nil {
		_ = c.redisLocker.Close()
	}
	if c.Embedder != nil {
		_ = c.Embedder.Close()
	}
	if c.Store != nil {
		_ = c.Store.Close()
	}
}

func initializeComponents(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Components, error) {
	c := &Components{}
	ok := false
	defer func() {
		if !ok {
			c.Close()
		}
	}()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	c.Store = store

	base, err := newEmbedder(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize embedder: %w", err)
	}
	batched := embedding.NewBatchEmbedder(base, embedding.BatchOptions{
		BatchSize:         cfg.Embedding.BatchSize,
		MaxConcurrency:    cfg.Embedding.MaxConcurrency,
		RequestsPerSecond: cfg.Embedding.RequestsPerSecond,
		MaxRetries:        cfg.Embedding.MaxRetries,
	}, logger)
	c.Embedder = batched
	// Queries repeat across chat turns; document text does not.
	queryEmbedder := embedding.NewCachedEmbedder(batched, cfg.Embedding.CacheSize)

	c.Retriever = retrieval.NewRetriever(store, queryEmbedder, retrieval.Options{
		Mode:        retrieval.Mode(cfg.Retrieval.Mode),
		DefaultTopK: cfg.Retrieval.DefaultTopK,
		MaxTopK:     cfg.Retrieval.MaxTopK,
		IVF: vector.IVFOptions{
			Lists:  cfg.Retrieval.IVFLists,
			Probes: cfg.Retrieval.IVFProbes,
		},
		MinPartition:    cfg.Retrieval.IVFMinPartition,
		CandidateFactor: cfg.Retrieval.CandidateFactor,
	}, retrieval.WithLogger(logger))
	logger.Info("retriever initialized",
		zap.String("mode", string(c.Retriever.Mode())),
		zap.String("store", cfg.Storage.Driver))

	generator, err := newGenerator(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize generator: %w", err)
	}
	c.Chat = chat.NewOrchestrator(queryEmbedder, c.Retriever, generator, chat.Options{
		TopK:              cfg.Chat.TopK,
		MaxContextTokens:  cfg.Chat.MaxContextTokens,
		SystemPrompt:      cfg.Chat.SystemPrompt,
		NoDocumentsAnswer: cfg.Chat.NoDocumentsAnswer,
	}, chat.WithLogger(logger))

	idxOpts := []indexer.IndexerOption{
		indexer.WithLogger(logger),
		indexer.WithInvalidator(c.Retriever),
	}
	if cfg.Indexing.LockBackend == "redis" {
		locker, err := indexer.NewRedisLocker(ctx, cfg.Indexing.RedisAddr, cfg.Indexing.LockTTL())
		if err != nil {
			return nil, fmt.Errorf("failed to connect lock backend: %w", err)
		}
		c.redisLocker = locker
		idxOpts = append(idxOpts, indexer.WithLocker(locker))
	}
	c.Indexer, err = indexer.NewIndexer(store, batched, indexer.Options{
		Unit:         indexer.Unit(cfg.Chunking.Unit),
		ChunkSize:    cfg.Chunking.ChunkSize,
		ChunkOverlap: cfg.Chunking.ChunkOverlap,
		MinChunkSize: cfg.Chunking.MinChunkSize,
		Workers:      cfg.Indexing.Workers,
	}, idxOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize indexer: %w", err)
	}

	ok = true
	return c, nil
}

func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	switch cfg.Storage.Driver {
	case "postgres":
		pg := cfg.Storage.Postgres
		return storage.NewPostgresStore(ctx, storage.PostgresOptions{
			DSN:           pg.DSN,
			MaxConns:      pg.MaxConns,
			IVFFlatLists:  pg.IVFFlatLists,
			IVFFlatProbes: pg.IVFFlatProbes,
		}, cfg.Embedding.Dimensions)
	case "sqlite", "":
		if err := os.MkdirAll(filepath.Dir(cfg.Storage.DatabasePath), 0o755); err != nil {
			return nil, err
		}
		return storage.NewSQLiteStore(cfg.Storage.DatabasePath, cfg.Embedding.Dimensions)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}

func newEmbedder(cfg *config.Config) (embedding.Embedder, error) {
	e := cfg.Embedding
	switch e.Provider {
	case "openai":
		return embedding.NewOpenAIEmbedder(embedding.OpenAIConfig{
			APIKey:     e.APIKey(),
			BaseURL:    e.BaseURL,
			Model:      e.Model,
			Dimensions: e.Dimensions,
			Timeout:    e.Timeout(),
		})
	case "onnx":
		return embedding.NewONNXEmbedder(e.ModelPath, e.Dimensions, e.MaxTokens)
	case "mock":
		return embedding.NewMockEmbedder(e.Dimensions), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", e.Provider)
	}
}

func newGenerator(cfg *config.Config, logger *zap.Logger) (llm.Generator, error) {
	c := cfg.Chat
	switch c.Provider {
	case "openai":
		return llm.NewOpenAIGenerator(llm.OpenAIConfig{
			APIKey:      c.APIKey(),
			BaseURL:     c.BaseURL,
			Model:       c.Model,
			Temperature: c.Temperature,
			MaxRetries:  c.MaxRetries,
			Timeout:     c.Timeout(),
		}, logger)
	case "mock":
		return llm.NewMockGenerator(), nil
	default:
		return nil, fmt.Errorf("unknown chat provider %q", c.Provider)
	}
}
