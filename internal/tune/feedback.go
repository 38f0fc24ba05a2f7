package tune

import (
	"fmt"
	"sort"
	"strings"
)

// Verbosity tiers for synthesized feedback.
type Verbosity string

const (
	VerbosityMinimal  Verbosity = "minimal"  // summary + at most 3 action items
	VerbosityStandard Verbosity = "standard" // each list capped at 5
	VerbosityDetailed Verbosity = "detailed" // unfiltered
)

// Feedback is the synthesized guidance for one iteration.
type Feedback struct {
	Summary     string   `json:"summary"`
	Assessment  string   `json:"assessment,omitempty"`
	Strengths   []string `json:"strengths,omitempty"`
	Weaknesses  []string `json:"weaknesses,omitempty"`
	ActionItems []string `json:"action_items,omitempty"`
	Risks       []string `json:"risks,omitempty"`
}

// Render flattens feedback into a single string for history records.
func (f Feedback) Render() string {
	var b strings.Builder
	b.WriteString(f.Summary)
	if f.Assessment != "" {
		b.WriteString("; ")
		b.WriteString(f.Assessment)
	}
	if len(f.ActionItems) > 0 {
		b.WriteString(" | next: ")
		b.WriteString(strings.Join(f.ActionItems, "; "))
	}
	return b.String()
}

// Synthesizer turns evaluation results, failure patterns and iteration
// assessments into verbosity-tiered feedback.
type Synthesizer struct {
	Verbosity Verbosity
}

// NewSynthesizer creates a synthesizer; empty verbosity means standard.
func NewSynthesizer(v Verbosity) *Synthesizer {
	if v == "" {
		v = VerbosityStandard
	}
	return &Synthesizer{Verbosity: v}
}

// urgencyKeywords order action items and risks before truncation, so
// truncation never drops the most urgent entries.
var urgencyKeywords = []string{"critical", "regression", "failing", "fail", "error", "unparsable", "revert"}

func urgency(s string) int {
	low := strings.ToLower(s)
	for i, kw := range urgencyKeywords {
		if strings.Contains(low, kw) {
			return len(urgencyKeywords) - i
		}
	}
	return 0
}

// prioritize sorts entries by urgency, highest first, stably.
func prioritize(items []string) []string {
	out := make([]string, len(items))
	copy(out, items)
	sort.SliceStable(out, func(i, j int) bool { return urgency(out[i]) > urgency(out[j]) })
	return out
}

func capped(items []string, n int) []string {
	if len(items) <= n {
		return items
	}
	return items[:n]
}

// Synthesize builds feedback from one iteration's evaluation.
func (s *Synthesizer) Synthesize(eval EvaluationResult, patterns []FailurePattern, assess IterationAssessment) Feedback {
	fb := Feedback{
		Summary: fmt.Sprintf("strategy %s scored %.3f over %d samples",
			eval.Strategy, eval.Score, len(eval.Samples)),
		Assessment: assess.Label,
		Weaknesses: Weaknesses(patterns),
	}

	if eval.Score >= 0.8 {
		fb.Strengths = append(fb.Strengths, fmt.Sprintf("overall agreement is high (%.3f)", eval.Score))
	}
	for k, v := range eval.Metrics {
		if k == "accuracy" && v >= 0.8 {
			fb.Strengths = append(fb.Strengths, fmt.Sprintf("exact-match accuracy %.2f", v))
		}
	}
	sort.Strings(fb.Strengths)

	for _, p := range patterns {
		if p.SuggestedFix != "" {
			fb.ActionItems = append(fb.ActionItems, p.SuggestedFix)
		}
	}
	fb.ActionItems = append(fb.ActionItems, eval.Insights...)
	if assess.Suggestion != "" {
		fb.ActionItems = append(fb.ActionItems, assess.Suggestion)
	}

	if assess.Label == "regression" {
		fb.Risks = append(fb.Risks, fmt.Sprintf("score regressed by %.3f", -assess.Delta))
	}
	if assess.Oscillating {
		fb.Risks = append(fb.Risks, "scores are oscillating across iterations; the search may be thrashing between configurations")
	}
	for _, p := range patterns {
		if p.Severity() == "critical" {
			fb.Risks = append(fb.Risks, fmt.Sprintf("critical pattern %s affects %.0f%% of samples", p.Type, p.Frequency*100))
		}
	}

	fb.ActionItems = prioritize(fb.ActionItems)
	fb.Risks = prioritize(fb.Risks)

	switch s.Verbosity {
	case VerbosityMinimal:
		fb.ActionItems = capped(fb.ActionItems, 3)
		fb.Strengths = nil
		fb.Weaknesses = nil
		fb.Risks = nil
	case VerbosityStandard:
		fb.Strengths = capped(fb.Strengths, 5)
		fb.Weaknesses = capped(fb.Weaknesses, 5)
		fb.ActionItems = capped(fb.ActionItems, 5)
		fb.Risks = capped(fb.Risks, 5)
	case VerbosityDetailed:
		// unfiltered
	}
	return fb
}
