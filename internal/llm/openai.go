package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"go.uber.org/zap"

	"github.com/hyperjump/medrag/internal/models"
	"github.com/hyperjump/medrag/pkg/utils"
)

// OpenAIConfig configures the chat-completions adapter.
type OpenAIConfig struct {
	APIKey         string
	BaseURL        string
	Model          string
	Temperature    float64
	MaxRetries     int
	Timeout        time.Duration
	InitialBackoff time.Duration
}

// OpenAIGenerator answers through the OpenAI chat completions API, retrying
// rate limits and server errors with exponential backoff.
type OpenAIGenerator struct {
	client openai.Client
	cfg    OpenAIConfig
	logger *zap.Logger
}

// NewOpenAIGenerator creates a generator for cfg.Model.
func NewOpenAIGenerator(cfg OpenAIConfig, logger *zap.Logger) (*OpenAIGenerator, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai generator: API key is empty")
	}
	if cfg.Model == "" {
		return nil, errors.New("openai generator: model is empty")
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	logger = utils.OrNop(logger)
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
	return &OpenAIGenerator{client: openai.NewClient(opts...), cfg: cfg, logger: logger}, nil
}

// Generate sends messages and returns the first choice's content.
func (g *OpenAIGenerator) Generate(ctx context.Context, messages []Message) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(g.cfg.Model),
		Messages:    toParams(messages),
		Temperature: openai.Float(g.cfg.Temperature),
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = g.cfg.InitialBackoff

	op := func() (string, error) {
		resp, err := g.client.Chat.Completions.New(ctx, params)
		if err != nil {
			err = classifyError(err)
			if errors.Is(err, models.ErrTransient) {
				return "", err
			}
			return "", backoff.Permanent(err)
		}
		if len(resp.Choices) == 0 {
			return "", backoff.Permanent(fmt.Errorf("openai chat: no choices returned: %w", models.ErrPermanent))
		}
		answer := strings.TrimSpace(resp.Choices[0].Message.Content)
		if answer == "" {
			return "", backoff.Permanent(fmt.Errorf("openai chat: empty answer (finish_reason %q): %w",
				resp.Choices[0].FinishReason, models.ErrPermanent))
		}
		return answer, nil
	}
	notify := func(err error, d time.Duration) {
		g.logger.Warn("chat completion failed, retrying", zap.Duration("backoff", d), zap.Error(err))
	}
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(g.cfg.MaxRetries+1)),
		backoff.WithNotify(notify),
	)
}

func toParams(messages []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case RoleAssistant:
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}

func classifyError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500:
			return fmt.Errorf("openai chat: status %d: %v: %w", apiErr.StatusCode, err, models.ErrTransient)
		case apiErr.Code == "context_length_exceeded":
			return fmt.Errorf("openai chat: %v: %w", err, models.ErrInputTooLong)
		default:
			return fmt.Errorf("openai chat: status %d: %v: %w", apiErr.StatusCode, err, models.ErrPermanent)
		}
	}
	return fmt.Errorf("openai chat: %v: %w", err, models.ErrTransient)
}
