package tune

import (
	"strings"
	"testing"
)

func synthFixture() (EvaluationResult, []FailurePattern, IterationAssessment) {
	eval := EvaluationResult{
		Strategy: "numeric",
		Score:    0.85,
		Metrics:  map[string]float64{"accuracy": 0.9},
		Insights: []string{"predictions cluster below ground truth"},
		Samples:  make([]SampleResult, 4),
	}
	patterns := []FailurePattern{
		{Type: "execution-failure", Frequency: 0.8, SuggestedFix: "agent calls are failing; check rate limits"},
		{Type: "weak-agreement", Frequency: 0.3, SuggestedFix: "consider lowering temperature"},
	}
	assess := IterationAssessment{Label: "moderate improvement", Delta: 0.03}
	return eval, patterns, assess
}

func TestSynthesize_StandardTier(t *testing.T) {
	eval, patterns, assess := synthFixture()
	fb := NewSynthesizer(VerbosityStandard).Synthesize(eval, patterns, assess)

	if !strings.Contains(fb.Summary, "numeric") || !strings.Contains(fb.Summary, "0.850") {
		t.Errorf("summary %q should name the strategy and score", fb.Summary)
	}
	if fb.Assessment != "moderate improvement" {
		t.Errorf("assessment = %q", fb.Assessment)
	}
	if len(fb.Strengths) == 0 {
		t.Error("score 0.85 with accuracy 0.9 should list strengths")
	}
	if len(fb.Weaknesses) != 1 {
		t.Errorf("weaknesses = %v, want the critical execution-failure only", fb.Weaknesses)
	}
	if len(fb.ActionItems) == 0 || len(fb.ActionItems) > 5 {
		t.Errorf("action items = %d, want 1..5", len(fb.ActionItems))
	}
	if len(fb.Risks) == 0 {
		t.Error("a critical pattern should surface as a risk")
	}
}

func TestSynthesize_MinimalTierKeepsOnlySummaryAndActions(t *testing.T) {
	eval, patterns, assess := synthFixture()
	fb := NewSynthesizer(VerbosityMinimal).Synthesize(eval, patterns, assess)

	if fb.Summary == "" {
		t.Error("minimal feedback still needs a summary")
	}
	if len(fb.ActionItems) > 3 {
		t.Errorf("minimal tier caps action items at 3, got %d", len(fb.ActionItems))
	}
	if fb.Strengths != nil || fb.Weaknesses != nil || fb.Risks != nil {
		t.Errorf("minimal tier drops strengths/weaknesses/risks, got %+v", fb)
	}
}

func TestSynthesize_DetailedTierUnfiltered(t *testing.T) {
	eval, patterns, assess := synthFixture()
	// Pad action items past the standard cap.
	for i := 0; i < 7; i++ {
		eval.Insights = append(eval.Insights, "insight")
	}
	fb := NewSynthesizer(VerbosityDetailed).Synthesize(eval, patterns, assess)
	if len(fb.ActionItems) <= 5 {
		t.Errorf("detailed tier must not truncate; got %d action items", len(fb.ActionItems))
	}
}

func TestSynthesize_UrgentItemsSurviveTruncation(t *testing.T) {
	eval, _, assess := synthFixture()
	eval.Insights = []string{
		"tune the wording", "adjust examples", "shorten the preamble",
		"rebalance the dataset", "tweak temperature",
		"critical: outputs failing schema validation",
	}
	fb := NewSynthesizer(VerbosityStandard).Synthesize(eval, nil, assess)

	if len(fb.ActionItems) != 5 {
		t.Fatalf("action items = %d, want capped at 5", len(fb.ActionItems))
	}
	if !strings.Contains(fb.ActionItems[0], "critical") {
		t.Errorf("urgent item should sort first, got %q", fb.ActionItems[0])
	}
}

func TestSynthesize_RegressionAndOscillationRisks(t *testing.T) {
	eval, _, _ := synthFixture()
	assess := IterationAssessment{Label: "regression", Delta: -0.2, Suggestion: "revert toward the previous configuration", Oscillating: true}
	fb := NewSynthesizer(VerbosityDetailed).Synthesize(eval, nil, assess)

	foundRegression, foundOscillation := false, false
	for _, r := range fb.Risks {
		if strings.Contains(r, "regressed") {
			foundRegression = true
		}
		if strings.Contains(r, "oscillating") {
			foundOscillation = true
		}
	}
	if !foundRegression || !foundOscillation {
		t.Errorf("risks %v should include regression and oscillation", fb.Risks)
	}
	found := false
	for _, a := range fb.ActionItems {
		if strings.Contains(a, "revert") {
			found = true
		}
	}
	if !found {
		t.Errorf("action items %v should include the regression suggestion", fb.ActionItems)
	}
}

func TestFeedback_Render(t *testing.T) {
	fb := Feedback{
		Summary:     "strategy numeric scored 0.850 over 4 samples",
		Assessment:  "plateau",
		ActionItems: []string{"lower temperature", "tighten the prompt"},
	}
	got := fb.Render()
	for _, want := range []string{"0.850", "plateau", "lower temperature", "tighten the prompt"} {
		if !strings.Contains(got, want) {
			t.Errorf("rendered feedback %q missing %q", got, want)
		}
	}
}

func TestNewSynthesizer_DefaultsToStandard(t *testing.T) {
	if s := NewSynthesizer(""); s.Verbosity != VerbosityStandard {
		t.Errorf("verbosity = %q, want standard", s.Verbosity)
	}
}
