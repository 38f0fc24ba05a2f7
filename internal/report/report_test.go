package report

import (
	"strings"
	"testing"

	"caliper/internal/tune"
)

func gridResult() *tune.GridSearchResult {
	best := tune.TestResult{
		Configuration: tune.Configuration{Model: "gpt-4o-mini", Temperature: 0.1, PromptID: "p1", MaxTokens: 256},
		Metrics:       tune.Metrics{Score: 0.91, Error: 0.09, RMSE: 0.12, SampleCount: 10},
		EstimatedCost: 0.004,
	}
	base := tune.TestResult{
		Configuration: tune.Configuration{Model: "gpt-4o-mini", Temperature: 0.3, PromptID: "p1", MaxTokens: 256},
		Metrics:       tune.Metrics{Score: 0.78, Error: 0.22, RMSE: 0.25, SampleCount: 10},
		EstimatedCost: 0.004,
	}
	return &tune.GridSearchResult{
		BaseKey:       "scorer",
		Combinations:  2,
		EstimatedCost: 0.008,
		Results:       []tune.TestResult{best, base},
		Baseline:      &base,
		Impact: []tune.AxisImpact{{
			Axis:      "temperature",
			BestValue: "0.1",
			BestScore: 0.91,
			Averages:  map[string]float64{"0.1": 0.91, "0.3": 0.78},
		}},
		Recommendation: tune.Recommendation{Action: "deploy", Improvement: 0.167, Detail: "best configuration beats baseline by 16.7%"},
	}
}

func TestLeaderboard_ASCII(t *testing.T) {
	out := Leaderboard(gridResult(), ASCII)
	for _, want := range []string{"gpt-4o-mini", "0.910", "0.780", "2*", "* baseline", "recommendation: deploy"} {
		if !strings.Contains(out, want) {
			t.Errorf("leaderboard missing %q:\n%s", want, out)
		}
	}
	// Best first.
	if strings.Index(out, "0.910") > strings.Index(out, "0.780") {
		t.Error("leaderboard should list the best score first")
	}
}

func TestLeaderboard_Markdown(t *testing.T) {
	out := Leaderboard(gridResult(), Markdown)
	if !strings.Contains(out, "|") {
		t.Errorf("markdown mode should render pipe tables:\n%s", out)
	}
	if strings.Contains(out, "─") {
		t.Errorf("markdown mode should not use box drawing:\n%s", out)
	}
}

func TestImpact_MarksBestValue(t *testing.T) {
	out := Impact(gridResult().Impact, ASCII)
	// StyleLight renders headers uppercased, so the axis name appears
	// as TEMPERATURE.
	for _, want := range []string{"TEMPERATURE", "0.910", "<-"} {
		if !strings.Contains(out, want) {
			t.Errorf("impact missing %q:\n%s", want, out)
		}
	}

	if got := Impact(nil, ASCII); !strings.Contains(got, "no varied axes") {
		t.Errorf("empty impact = %q", got)
	}
}

type fixedPrices map[string]tune.Pricing

func (p fixedPrices) Pricing(model string) (tune.Pricing, bool) {
	pr, ok := p[model]
	return pr, ok
}

func TestBill_MarksUnpricedModels(t *testing.T) {
	combos := []tune.Configuration{
		{Model: "gpt-4o-mini", Temperature: 0.1},
		{Model: "local-llm", Temperature: 0.1},
	}
	prices := fixedPrices{"gpt-4o-mini": {InputPer1K: 0.00015, OutputPer1K: 0.0006}}

	out := Bill(combos, 10, prices, ASCII)
	if !strings.Contains(out, "unpriced") {
		t.Errorf("bill should mark models without pricing:\n%s", out)
	}
	if !strings.Contains(out, "TOTAL") {
		t.Errorf("bill should carry a total row:\n%s", out)
	}
}

func TestOptimizationSummary(t *testing.T) {
	res := &tune.OptimizationResult{
		RunID:      "run-1",
		Iterations: 2,
		FinalScore: 0.92,
		History: []tune.ImprovementStep{
			{Iteration: 1, Configuration: tune.Configuration{Model: "m", Temperature: 0.5}, Score: 0.7, StrategiesUsed: []string{"numeric"}},
			{Iteration: 2, Configuration: tune.Configuration{Model: "m", Temperature: 0.4}, Score: 0.92, Improvement: 0.22, StrategiesUsed: []string{"numeric", "fact-based"}},
		},
		TotalImprovement: 0.22,
		StoppedReason:    tune.StopTargetReached,
	}
	out := OptimizationSummary(res, ASCII)
	for _, want := range []string{"run-1", "0.920", "+0.220", "target-reached", "numeric,fact-based"} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %q:\n%s", want, out)
		}
	}
}
