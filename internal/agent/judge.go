package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sashabaranov/go-openai"

	"caliper/internal/logging"
	"caliper/internal/tune"
)

// judgeSystemPrompt instructs the judge model to emit the verdict JSON.
const judgeSystemPrompt = `You compare an agent's output against an expected value.
Reply with JSON only: {"similarity": <0.0-1.0>, "reasoning": "<one sentence>"}.
1.0 means semantically identical, 0.0 means unrelated.`

// LLMJudge implements tune.Judge with a chat model. Malformed or
// out-of-range verdicts are returned as-is; the comparator falls back
// to exact comparison.
type LLMJudge struct {
	client ChatCompleter
	model  string
	logger *slog.Logger
}

// NewLLMJudge creates a judge on the given model.
func NewLLMJudge(client ChatCompleter, model string) *LLMJudge {
	return &LLMJudge{client: client, model: model, logger: logging.New("judge")}
}

// Judge implements tune.Judge.
func (j *LLMJudge) Judge(ctx context.Context, actual, expected string) (tune.Verdict, error) {
	req := openai.ChatCompletionRequest{
		Model: j.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: judgeSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: fmt.Sprintf("Expected:\n%s\n\nActual:\n%s", expected, actual)},
		},
		Temperature: 0,
	}
	resp, err := j.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return tune.Verdict{}, fmt.Errorf("judge completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return tune.Verdict{}, fmt.Errorf("judge returned no choices")
	}
	return parseVerdict(resp.Choices[0].Message.Content)
}

// parseVerdict decodes the judge's JSON reply, tolerating a fenced
// code block around it.
func parseVerdict(raw string) (tune.Verdict, error) {
	s := strings.TrimSpace(raw)
	if i := strings.Index(s, "```"); i >= 0 {
		s = s[i+3:]
		s = strings.TrimPrefix(s, "json")
		if end := strings.Index(s, "```"); end >= 0 {
			s = s[:end]
		}
		s = strings.TrimSpace(s)
	}
	var v tune.Verdict
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return tune.Verdict{}, fmt.Errorf("unparsable judge verdict: %w", err)
	}
	return v, nil
}
