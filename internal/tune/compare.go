package tune

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"strconv"
	"strings"

	"caliper/internal/logging"
)

// CompareMode selects how actual and expected outputs are matched.
type CompareMode string

const (
	CompareNumeric CompareMode = "numeric"
	CompareExact   CompareMode = "exact"
	CompareLLM     CompareMode = "llm"
	CompareAuto    CompareMode = "auto"
)

// CompareConfig is the required comparator configuration. Requiring it
// explicitly prevents silent, costly judge invocations.
type CompareConfig struct {
	Mode        CompareMode `json:"mode" yaml:"mode"`
	TargetField string      `json:"target_field,omitempty" yaml:"target_field,omitempty"` // field to unwrap before numeric parsing
}

// Comparison is a normalized similarity verdict.
type Comparison struct {
	Similarity float64 `json:"similarity"` // in [0,1]
	Reasoning  string  `json:"reasoning,omitempty"`
}

// Comparator computes normalized similarity between actual and expected
// outputs. The judge is optional; llm and auto modes without one fall
// back to exact equality.
type Comparator struct {
	judge  Judge
	logger *slog.Logger
}

// NewComparator creates a comparator. judge may be nil.
func NewComparator(judge Judge) *Comparator {
	return &Comparator{judge: judge, logger: logging.New("compare")}
}

// Compare scores actual against expected per cfg. Only a missing mode
// is an error; every configured mode yields a well-formed result.
func (c *Comparator) Compare(ctx context.Context, actual, expected any, cfg CompareConfig) (Comparison, error) {
	switch cfg.Mode {
	case CompareExact:
		return compareExact(actual, expected), nil
	case CompareNumeric:
		return compareNumeric(actual, expected, cfg.TargetField), nil
	case CompareLLM:
		return c.compareLLM(ctx, actual, expected), nil
	case CompareAuto:
		_, aOK := extractNumber(actual, cfg.TargetField)
		_, bOK := extractNumber(expected, cfg.TargetField)
		if aOK && bOK {
			return compareNumeric(actual, expected, cfg.TargetField), nil
		}
		return c.compareLLM(ctx, actual, expected), nil
	case "":
		return Comparison{}, &ConfigurationError{Field: "compare.mode", Reason: "comparison mode is required (numeric, exact, llm, auto)"}
	default:
		return Comparison{}, &ConfigurationError{Field: "compare.mode", Reason: "unknown mode " + string(cfg.Mode)}
	}
}

// compareExact is deep equality after JSON serialization: 1.0 or 0.0.
func compareExact(actual, expected any) Comparison {
	if canonical(actual) == canonical(expected) {
		return Comparison{Similarity: 1.0, Reasoning: "exact match"}
	}
	return Comparison{Similarity: 0.0, Reasoning: "outputs differ"}
}

// compareNumeric parses both sides to numbers and scores by exponential
// decay over the relative difference. Near-matches are rewarded and
// small noise tolerated; large deviations are punished hard.
func compareNumeric(actual, expected any, targetField string) Comparison {
	a, aOK := extractNumber(actual, targetField)
	b, bOK := extractNumber(expected, targetField)
	if !aOK || !bOK {
		return Comparison{Similarity: 0.0, Reasoning: "output not parsable as a number"}
	}
	if a == b {
		return Comparison{Similarity: 1.0}
	}
	denom := math.Max(math.Abs(a), math.Abs(b))
	if denom == 0 {
		return Comparison{Similarity: 1.0}
	}
	rel := math.Abs(a-b) / denom
	return Comparison{Similarity: math.Exp(-2 * rel)}
}

// compareLLM delegates to the judge. A missing judge, judge failure, or
// malformed/out-of-range verdict falls back to exact equality; judge
// problems are never propagated as errors.
func (c *Comparator) compareLLM(ctx context.Context, actual, expected any) Comparison {
	if c.judge == nil {
		c.logger.Warn("no judge configured, falling back to exact comparison")
		return compareExact(actual, expected)
	}
	v, err := c.judge.Judge(ctx, canonical(actual), canonical(expected))
	if err != nil {
		c.logger.Warn("judge failed, falling back to exact comparison", "error", err)
		return compareExact(actual, expected)
	}
	if v.Similarity < 0 || v.Similarity > 1 || math.IsNaN(v.Similarity) {
		c.logger.Warn("judge returned out-of-range similarity, falling back to exact comparison",
			"similarity", v.Similarity)
		return compareExact(actual, expected)
	}
	return Comparison{Similarity: v.Similarity, Reasoning: v.Reasoning}
}

// canonical serializes a value to a stable string for equality checks.
// Strings pass through unquoted so "5" and a raw 5-character answer
// compare as text, not as JSON literals.
func canonical(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}

// extractNumber pulls a float out of v, unwrapping the target field and
// the common container fields (score, value, result) when v is a map,
// and parsing strings.
func extractNumber(v any, targetField string) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, !math.IsNaN(t)
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	case map[string]any:
		fields := []string{"score", "value", "result"}
		if targetField != "" {
			fields = append([]string{targetField}, fields...)
		}
		for _, f := range fields {
			if inner, ok := t[f]; ok {
				return extractNumber(inner, "")
			}
		}
		return 0, false
	default:
		return 0, false
	}
}
