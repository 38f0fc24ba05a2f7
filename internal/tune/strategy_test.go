package tune

import (
	"context"
	"errors"
	"testing"
)

func TestSelect_RuleFirstMatchWins(t *testing.T) {
	r := NewRegistry()
	r.AddRule(Rule{Priority: 1, Predicate: func(ec EvalContext) bool { return true }, Target: "numeric"})
	r.AddRule(Rule{Priority: 10, Predicate: func(ec EvalContext) bool { return ec.OutputType == "json" }, Target: "hybrid"})

	s, err := r.Select(EvalContext{OutputType: "json", HasGroundTruth: true})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if s.Name() != "hybrid" {
		t.Errorf("selected %q, want hybrid (priority 10 rule)", s.Name())
	}
}

func TestSelect_ApplicabilityKindPrecedence(t *testing.T) {
	r := NewRegistry()
	// json output: hybrid and fact-based are both applicable; hybrid
	// outranks fact-based.
	s, err := r.Select(EvalContext{OutputType: "json", HasGroundTruth: true})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if s.Name() != "hybrid" {
		t.Errorf("selected %q, want hybrid", s.Name())
	}

	// numeric output: numeric and fact-based applicable; fact-based
	// outranks numeric.
	s, err = r.Select(EvalContext{OutputType: "number", HasGroundTruth: true})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if s.Name() != "fact-based" {
		t.Errorf("selected %q, want fact-based", s.Name())
	}
}

func TestSelect_DefaultFallback(t *testing.T) {
	r := NewRegistry()
	r.SetDefault("numeric")
	s, err := r.Select(EvalContext{OutputType: "text", HasGroundTruth: false})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if s.Name() != "numeric" {
		t.Errorf("selected %q, want default numeric", s.Name())
	}
}

func TestSelect_NoStrategyError(t *testing.T) {
	r := NewRegistry()
	_, err := r.Select(EvalContext{OutputType: "text", HasGroundTruth: false})
	var nsErr *NoStrategyError
	if !errors.As(err, &nsErr) {
		t.Fatalf("expected NoStrategyError, got %v", err)
	}
}

func TestNumericStrategy_Evaluate(t *testing.T) {
	s := &NumericStrategy{}
	samples := []SampleResult{
		{Actual: 5.0, Expected: 5.0},
		{Actual: "oops", Expected: 5.0},
	}
	res, err := s.Evaluate(context.Background(), samples, Configuration{})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.Score != 0.5 {
		t.Errorf("score = %v, want 0.5", res.Score)
	}
	if res.Metrics["parse_failures"] != 1 {
		t.Errorf("parse_failures = %v, want 1", res.Metrics["parse_failures"])
	}
	if len(res.Insights) == 0 {
		t.Error("expected a parse-failure insight")
	}
	for _, sr := range res.Samples {
		if sr.Error != 1-sr.Similarity {
			t.Errorf("error %v != 1 - similarity %v", sr.Error, sr.Similarity)
		}
	}
}

func TestFactStrategy_Evaluate(t *testing.T) {
	s := &FactStrategy{}
	samples := []SampleResult{
		{Actual: "cat", Expected: "cat"},
		{Actual: "dog", Expected: "cat"},
		{Actual: "cat", Expected: "cat"},
	}
	res, err := s.Evaluate(context.Background(), samples, Configuration{})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.Metrics["mismatches"] != 1 {
		t.Errorf("mismatches = %v, want 1", res.Metrics["mismatches"])
	}
	want := 2.0 / 3.0
	if diff := res.Score - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("score = %v, want %v", res.Score, want)
	}
}

func TestHybridStrategy_BlendBounds(t *testing.T) {
	s := &HybridStrategy{NumericWeight: 0.6}
	samples := []SampleResult{
		{Actual: map[string]any{"score": 8.0}, Expected: map[string]any{"score": 10.0}},
	}
	res, err := s.Evaluate(context.Background(), samples, Configuration{})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.Score < 0 || res.Score > 1 {
		t.Errorf("score %v out of [0,1]", res.Score)
	}
	// Numeric component is positive, exact is 0, so the blend sits
	// strictly between.
	if res.Score == 0 || res.Score == 1 {
		t.Errorf("score %v should be a strict blend", res.Score)
	}
}

func TestJudgeStrategy_ScoresByVerdict(t *testing.T) {
	j := &fakeJudge{verdict: Verdict{Similarity: 0.8, Reasoning: "paraphrase"}}
	s := NewJudgeStrategy(j)
	samples := []SampleResult{
		{Actual: "the movie was great", Expected: "a positive review"},
		{Actual: "terrible plot", Expected: "a negative review"},
	}
	res, err := s.Evaluate(context.Background(), samples, Configuration{})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.Score != 0.8 {
		t.Errorf("score = %v, want 0.8", res.Score)
	}
	if j.calls != 2 {
		t.Errorf("judge called %d times, want 2", j.calls)
	}
	if res.Metrics["judge_fallbacks"] != 0 {
		t.Errorf("unexpected fallbacks: %v", res.Metrics["judge_fallbacks"])
	}
}

func TestJudgeStrategy_FallsBackToExact(t *testing.T) {
	j := &fakeJudge{err: errors.New("judge down")}
	s := NewJudgeStrategy(j)
	samples := []SampleResult{
		{Actual: "same", Expected: "same"},
		{Actual: "left", Expected: "right"},
	}
	res, err := s.Evaluate(context.Background(), samples, Configuration{})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.Score != 0.5 {
		t.Errorf("score = %v, want 0.5 from exact fallback", res.Score)
	}
	if res.Metrics["judge_fallbacks"] != 2 {
		t.Errorf("fallbacks = %v, want 2", res.Metrics["judge_fallbacks"])
	}
	if len(res.Insights) == 0 {
		t.Error("expected a fallback insight")
	}
}

func TestJudgeStrategy_Applicability(t *testing.T) {
	s := NewJudgeStrategy(&fakeJudge{})
	if !s.IsApplicable(EvalContext{HasGroundTruth: true, OutputType: "text"}) {
		t.Error("should apply to text outputs")
	}
	if s.IsApplicable(EvalContext{HasGroundTruth: true, OutputType: "number"}) {
		t.Error("should not apply to numeric outputs")
	}
	if s.IsApplicable(EvalContext{HasGroundTruth: false, OutputType: "text"}) {
		t.Error("should require ground truth")
	}
}
