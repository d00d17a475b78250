// Package chat answers a patient-scoped question from retrieved document
// passages and the caller-supplied conversation history.
package chat

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/medrag/internal/embedding"
	"github.com/hyperjump/medrag/internal/llm"
	"github.com/hyperjump/medrag/internal/models"
	"github.com/hyperjump/medrag/internal/retrieval"
	"github.com/hyperjump/medrag/pkg/utils"
)

// Retriever is the retrieval dependency of the orchestrator.
type Retriever interface {
	Retrieve(ctx context.Context, q retrieval.Query) ([]*models.RetrievedChunk, error)
}

// Options configures an Orchestrator.
type Options struct {
	TopK              int
	MaxContextTokens  int
	SystemPrompt      string
	NoDocumentsAnswer string
}

// Orchestrator runs one conversation turn: embed the question, retrieve
// passages, fit them and the history into the context budget, and ask the
// language model. It keeps no state between turns.
type Orchestrator struct {
	embedder  embedding.Embedder
	retriever Retriever
	generator llm.Generator
	opts      Options
	logger    *zap.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(embedder embedding.Embedder, retriever Retriever, generator llm.Generator, opts Options, options ...Option) *Orchestrator {
	if opts.TopK <= 0 {
		opts.TopK = 5
	}
	if opts.MaxContextTokens <= 0 {
		opts.MaxContextTokens = 8000
	}
	o := &Orchestrator{
		embedder:  embedder,
		retriever: retriever,
		generator: generator,
		opts:      opts,
		logger:    zap.NewNop(),
	}
	for _, opt := range options {
		opt(o)
	}
	return o
}

// Chat answers req. The returned history is a new slice holding the prior
// turns plus the question and the answer; req.History is never modified.
func (o *Orchestrator) Chat(ctx context.Context, req *models.ChatRequest) (*models.ChatResponse, error) {
	start := time.Now()
	question := strings.TrimSpace(req.Question)
	if question == "" {
		return nil, models.Invalidf("question cannot be empty")
	}
	if req.PatientID <= 0 {
		return nil, models.Invalidf("patient_id must be positive")
	}
	if err := validateHistory(req.History); err != nil {
		return nil, err
	}
	// The question and instructions must fit before any external call is made.
	base := utils.EstimateTokens(o.opts.SystemPrompt) + utils.EstimateTokens(question)
	if base > o.opts.MaxContextTokens {
		return nil, models.Invalidf("question needs about %d tokens, context limit is %d", base, o.opts.MaxContextTokens)
	}

	vec, err := o.embedder.Embed(ctx, question)
	if err != nil {
		return nil, fmt.Errorf("embedding question: %w", err)
	}
	retrieved, err := o.retriever.Retrieve(ctx, retrieval.Query{PatientID: req.PatientID, Vector: vec, TopK: o.opts.TopK})
	if err != nil {
		return nil, fmt.Errorf("retrieving passages: %w", err)
	}

	if len(retrieved) == 0 {
		o.logger.Info("Chat answered without documents", zap.Int64("patient_id", req.PatientID))
		return &models.ChatResponse{
			Answer:    o.opts.NoDocumentsAnswer,
			Citations: []models.Citation{},
			History:   extendHistory(req.History, question, o.opts.NoDocumentsAnswer),
			Grounded:  false,
		}, nil
	}

	window, err := o.fit(question, req.History, retrieved)
	if err != nil {
		return nil, err
	}

	answer, err := o.generator.Generate(ctx, window.messages(o.opts.SystemPrompt, question))
	if err != nil {
		o.logger.Warn("Answer generation failed",
			zap.Int64("patient_id", req.PatientID),
			zap.Int("passages", len(window.passages)),
			zap.Error(err))
		return nil, fmt.Errorf("%w: %v", models.ErrGeneration, err)
	}

	citations := make([]models.Citation, len(window.passages))
	for i, p := range window.passages {
		citations[i] = models.Citation{
			ChunkID:          p.ID,
			DocumentID:       p.DocumentID,
			ChunkIndex:       p.ChunkIndex,
			DocumentType:     p.DocumentType,
			OriginalFilename: p.OriginalFilename,
			UploadDate:       p.UploadDate,
			Similarity:       p.Similarity,
		}
	}
	o.logger.Info("Chat answered",
		zap.Int64("patient_id", req.PatientID),
		zap.Int("retrieved", len(retrieved)),
		zap.Int("passages", len(window.passages)),
		zap.Int("history_turns", len(window.history)),
		zap.Int("dropped_turns", len(req.History)-len(window.history)),
		zap.Duration("duration", time.Since(start)))

	return &models.ChatResponse{
		Answer:    answer,
		Citations: citations,
		History:   extendHistory(req.History, question, answer),
		Grounded:  true,
	}, nil
}

func validateHistory(history []models.ChatTurn) error {
	for i, turn := range history {
		if turn.Role != models.RoleUser && turn.Role != models.RoleAssistant {
			return models.Invalidf("chat_history[%d] has unknown role %q", i, turn.Role)
		}
		if strings.TrimSpace(turn.Content) == "" {
			return models.Invalidf("chat_history[%d] has empty content", i)
		}
	}
	return nil
}

func extendHistory(history []models.ChatTurn, question, answer string) []models.ChatTurn {
	out := make([]models.ChatTurn, 0, len(history)+2)
	out = append(out, history...)
	return append(out,
		models.ChatTurn{Role: models.RoleUser, Content: question},
		models.ChatTurn{Role: models.RoleAssistant, Content: answer},
	)
}
