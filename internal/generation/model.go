// Package generation wraps the external text-generation model used to
// produce chatroom replies. Calls are single-turn: the user's message is the
// whole prompt and no conversation history is sent.
package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/googleai"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/tbourn/go-chatroom-backend/internal/config"
)

var (
	// ErrTimeout means the model did not answer within the call deadline.
	ErrTimeout = errors.New("generation: model timeout")
	// ErrProvider covers every other model failure, including an empty completion.
	ErrProvider = errors.New("generation: provider error")
)

// Model produces a reply for a single prompt.
type Model interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// LLMModel adapts a langchaingo model to Model.
type LLMModel struct {
	llm  llms.Model
	name string
}

var _ Model = (*LLMModel)(nil)

// NewLLMModel wraps llm. name is only used in error messages.
func NewLLMModel(llm llms.Model, name string) *LLMModel {
	return &LLMModel{llm: llm, name: name}
}

// Generate implements Model. Failures are classified as ErrTimeout or
// ErrProvider and wrap the underlying error.
func (m *LLMModel) Generate(ctx context.Context, prompt string) (string, error) {
	completion, err := llms.GenerateFromSinglePrompt(ctx, m.llm, prompt)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%w: %s: %w", ErrTimeout, m.name, err)
		}
		return "", fmt.Errorf("%w: %s: %w", ErrProvider, m.name, err)
	}
	completion = strings.TrimSpace(completion)
	if completion == "" {
		return "", fmt.Errorf("%w: %s: empty completion", ErrProvider, m.name)
	}
	return completion, nil
}

// Echo answers without any network call. It backs MODEL_PROVIDER=echo for
// local development.
type Echo struct{}

// Generate implements Model.
func (Echo) Generate(ctx context.Context, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: echo: %w", ErrTimeout, err)
	}
	return "You said: " + prompt, nil
}

// New builds the configured provider.
func New(ctx context.Context, cfg config.ModelConfig) (Model, error) {
	switch cfg.Provider {
	case "googleai":
		llm, err := googleai.New(ctx,
			googleai.WithAPIKey(cfg.APIKey),
			googleai.WithDefaultModel(cfg.Name),
		)
		if err != nil {
			return nil, fmt.Errorf("googleai client: %w", err)
		}
		return NewLLMModel(llm, cfg.Name), nil
	case "openai":
		opts := []openai.Option{
			openai.WithToken(cfg.APIKey),
			openai.WithModel(cfg.Name),
		}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		llm, err := openai.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("openai client: %w", err)
		}
		return NewLLMModel(llm, cfg.Name), nil
	case "echo":
		return Echo{}, nil
	default:
		return nil, fmt.Errorf("unknown model provider %q", cfg.Provider)
	}
}
