// Package tune implements the optimization and evaluation engine for
// Caliper. It tests scoring-agent configurations against labeled
// datasets, searches the configuration grid exhaustively, and drives the
// iterative evaluate->research->optimize loop until convergence.
package tune

import (
	"context"
	"time"
)

// Configuration is one way to run the scoring agent. Immutable snapshot;
// variants are copies with overridden fields.
type Configuration struct {
	Key          string         `json:"key"`
	Model        string         `json:"model"`
	Temperature  float64        `json:"temperature"`
	MaxTokens    int            `json:"max_tokens"`
	PromptID     string         `json:"prompt_id"`
	OutputType   string         `json:"output_type"`             // "number", "json", "text"
	OutputSchema map[string]any `json:"output_schema,omitempty"`
}

// WithOverrides returns a copy with the non-zero override fields applied.
// The schema map is shared; configurations never mutate it.
func (c Configuration) WithOverrides(o ConfigOverrides) Configuration {
	out := c
	if o.Model != "" {
		out.Model = o.Model
	}
	if o.Temperature != nil {
		out.Temperature = *o.Temperature
	}
	if o.MaxTokens != 0 {
		out.MaxTokens = o.MaxTokens
	}
	if o.PromptID != "" {
		out.PromptID = o.PromptID
	}
	return out
}

// ConfigOverrides holds optional per-variant overrides for a base
// configuration. Temperature is a pointer so 0.0 is a valid override.
type ConfigOverrides struct {
	Model       string
	Temperature *float64
	MaxTokens   int
	PromptID    string
}

// DatasetSample is one labeled ground-truth sample. Read-only.
type DatasetSample struct {
	Input    string         `json:"input" yaml:"input"`
	Expected any            `json:"expected" yaml:"expected"`
	Metadata map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// SampleResult is the per-sample outcome of one configuration test.
// Error is always 1-Similarity.
type SampleResult struct {
	Input      string  `json:"input"`
	Expected   any     `json:"expected"`
	Actual     any     `json:"actual"`
	Similarity float64 `json:"similarity"`
	Error      float64 `json:"error"`
	Reasoning  string  `json:"reasoning,omitempty"`
	ExecError  string  `json:"exec_error,omitempty"` // non-empty when the agent call itself failed
}

// Metrics aggregates sample results for one tested configuration.
// SampleCount counts samples processed, including failures.
type Metrics struct {
	Score       float64 `json:"score"` // mean similarity
	Error       float64 `json:"error"` // mean (1 - similarity)
	RMSE        float64 `json:"rmse"`
	SampleCount int     `json:"sample_count"`
}

// TestResult is the outcome of running one configuration over a dataset.
type TestResult struct {
	Configuration Configuration  `json:"configuration"`
	Metrics       Metrics        `json:"metrics"`
	DurationMs    int64          `json:"duration_ms"`
	EstimatedCost float64        `json:"estimated_cost"`
	Samples       []SampleResult `json:"samples,omitempty"`
}

// EvaluationResult is a strategy's verdict on one evaluation pass.
// Consumed by the pattern analyzer and feedback synthesizer.
type EvaluationResult struct {
	Strategy   string             `json:"strategy"`
	Score      float64            `json:"score"`
	Confidence float64            `json:"confidence,omitempty"`
	Metrics    map[string]float64 `json:"metrics,omitempty"`
	Details    []string           `json:"details,omitempty"`
	Insights   []string           `json:"insights,omitempty"`
	Samples    []SampleResult     `json:"samples,omitempty"`
}

// FailurePattern is a recurring failure mode extracted from sample
// results. Frequency is the fraction of samples exhibiting it.
type FailurePattern struct {
	Type         string  `json:"type"`
	Frequency    float64 `json:"frequency"`
	SuggestedFix string  `json:"suggested_fix,omitempty"`
}

// ImprovementStep is the immutable record of one accepted optimization
// iteration.
type ImprovementStep struct {
	Iteration     int           `json:"iteration"`
	Configuration Configuration `json:"configuration"`
	Score         float64       `json:"score"`
	Improvement   float64       `json:"improvement"`
	StrategiesUsed []string     `json:"strategies_used,omitempty"`
	Feedback      string        `json:"feedback,omitempty"`
	Timestamp     time.Time     `json:"timestamp"`
}

// Pricing is the per-model price entry, USD per 1K tokens.
type Pricing struct {
	InputPer1K  float64 `json:"input_per_1k" yaml:"input_per_1k"`
	OutputPer1K float64 `json:"output_per_1k" yaml:"output_per_1k"`
}

// PriceBook resolves model pricing. A missing model is recoverable:
// callers skip cost accounting for it and log.
type PriceBook interface {
	Pricing(model string) (Pricing, bool)
}

// ConfigRepository is the persistence facade for configurations.
// The engine consumes it and never reimplements it.
type ConfigRepository interface {
	FindByKey(key string) (*Configuration, error)
	Create(cfg *Configuration) error
	Update(cfg *Configuration) error
	DeleteByKey(key string) error
}

// RunOutput is what one agent invocation produced.
type RunOutput struct {
	Output   string
	Metadata map[string]any
}

// AgentRunner executes the scoring agent. It is the sole path to invoke
// an LLM; retries are the caller's concern, not the engine's.
type AgentRunner interface {
	Run(ctx context.Context, input, configKey string) (RunOutput, error)
}

// Verdict is an external judge's assessment of actual vs expected output.
type Verdict struct {
	Similarity float64 `json:"similarity"`
	Reasoning  string  `json:"reasoning,omitempty"`
}

// Judge is the external similarity judge. Same execution shape as the
// agent runner, specialized to return a Verdict.
type Judge interface {
	Judge(ctx context.Context, actual, expected string) (Verdict, error)
}
