package agent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"caliper/internal/logging"
	"caliper/internal/store"
	"caliper/internal/tune"
)

// defaultSystemPrompt is used when a configuration has no prompt ID or
// the prompt is not stored.
const defaultSystemPrompt = "You are a scoring agent. Evaluate the input and reply with only the requested output."

// ChatCompleter is the slice of the OpenAI client the runners need.
// *openai.Client satisfies it.
type ChatCompleter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// PromptSource resolves prompt templates by ID. store.Store satisfies it.
type PromptSource interface {
	GetPrompt(promptID string) (*store.Prompt, error)
}

// OpenAIRunner executes configurations against the OpenAI chat API.
// Requests are rate limited; the limiter blocks inside Run so callers
// see ordinary context-aware latency.
type OpenAIRunner struct {
	client  ChatCompleter
	repo    tune.ConfigRepository
	prompts PromptSource
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewOpenAIRunner wires a runner. prompts may be nil; rps <= 0 disables
// rate limiting.
func NewOpenAIRunner(client ChatCompleter, repo tune.ConfigRepository, prompts PromptSource, rps float64) *OpenAIRunner {
	var limiter *rate.Limiter
	if rps > 0 {
		limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}
	return &OpenAIRunner{
		client:  client,
		repo:    repo,
		prompts: prompts,
		limiter: limiter,
		logger:  logging.New("agent"),
	}
}

// NewOpenAIClientFromEnv builds the real client from OPENAI_API_KEY.
func NewOpenAIClientFromEnv() (*openai.Client, error) {
	apiKey := strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
	if apiKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY environment variable not set")
	}
	return openai.NewClient(apiKey), nil
}

// Run implements tune.AgentRunner: resolves the configuration by key,
// builds the chat request, and returns the raw completion text.
func (r *OpenAIRunner) Run(ctx context.Context, input, configKey string) (tune.RunOutput, error) {
	cfg, err := r.repo.FindByKey(configKey)
	if err != nil {
		return tune.RunOutput{}, fmt.Errorf("resolve configuration %q: %w", configKey, err)
	}
	if cfg == nil {
		return tune.RunOutput{}, fmt.Errorf("configuration %q not found", configKey)
	}

	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return tune.RunOutput{}, err
		}
	}

	req := openai.ChatCompletionRequest{
		Model: cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: r.systemPrompt(*cfg)},
			{Role: openai.ChatMessageRoleUser, Content: input},
		},
		Temperature: float32(cfg.Temperature),
	}
	if cfg.MaxTokens > 0 {
		req.MaxCompletionTokens = cfg.MaxTokens
	}

	resp, err := r.client.CreateChatCompletion(ctx, req)
	if err != nil {
		r.logger.Warn("chat completion failed", "model", cfg.Model, "error", err)
		return tune.RunOutput{}, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return tune.RunOutput{}, fmt.Errorf("chat completion returned no choices")
	}

	return tune.RunOutput{
		Output: resp.Choices[0].Message.Content,
		Metadata: map[string]any{
			"model":             cfg.Model,
			"finish_reason":     string(resp.Choices[0].FinishReason),
			"prompt_tokens":     resp.Usage.PromptTokens,
			"completion_tokens": resp.Usage.CompletionTokens,
		},
	}, nil
}

// systemPrompt resolves the configuration's prompt template, falling
// back to the default instruction.
func (r *OpenAIRunner) systemPrompt(cfg tune.Configuration) string {
	if cfg.PromptID == "" || r.prompts == nil {
		return defaultSystemPrompt
	}
	p, err := r.prompts.GetPrompt(cfg.PromptID)
	if err != nil {
		r.logger.Warn("prompt lookup failed, using default", "prompt_id", cfg.PromptID, "error", err)
		return defaultSystemPrompt
	}
	if p == nil {
		r.logger.Warn("prompt not found, using default", "prompt_id", cfg.PromptID)
		return defaultSystemPrompt
	}
	if cfg.OutputType != "" {
		return p.Template + "\nRespond with " + cfg.OutputType + " output only."
	}
	return p.Template
}
