package report

import (
	"fmt"
	"sort"
	"strings"

	"caliper/internal/tune"
)

// Leaderboard renders the ranked grid-search results, best first.
func Leaderboard(res *tune.GridSearchResult, mode Mode) string {
	t := NewTable(mode)
	t.Header("#", "Model", "Temp", "Prompt", "Max Tok", "Score", "Error", "RMSE", "Cost")
	t.Columns(
		ColumnConfig{Number: 1, Align: AlignRight},
		ColumnConfig{Number: 3, Align: AlignRight},
		ColumnConfig{Number: 6, Align: AlignRight},
		ColumnConfig{Number: 7, Align: AlignRight},
		ColumnConfig{Number: 8, Align: AlignRight},
		ColumnConfig{Number: 9, Align: AlignRight},
	)
	for i, tr := range res.Results {
		rank := fmt.Sprintf("%d", i+1)
		if res.Baseline != nil && sameVariant(tr.Configuration, res.Baseline.Configuration) {
			rank += "*"
		}
		t.Row(rank,
			tr.Configuration.Model,
			fmt.Sprintf("%.2f", tr.Configuration.Temperature),
			orDash(tr.Configuration.PromptID),
			tr.Configuration.MaxTokens,
			fmtScore(tr.Metrics.Score),
			fmtScore(tr.Metrics.Error),
			fmtScore(tr.Metrics.RMSE),
			fmtCost(tr.EstimatedCost),
		)
	}
	t.Footer("", "", "", "", "", "", "", "total", fmtCost(res.EstimatedCost))

	var b strings.Builder
	b.WriteString(t.String())
	b.WriteString("\n")
	if res.Baseline != nil {
		b.WriteString("* baseline\n")
	}
	b.WriteString(fmt.Sprintf("recommendation: %s", res.Recommendation.Action))
	if res.Recommendation.Detail != "" {
		b.WriteString(" (" + res.Recommendation.Detail + ")")
	}
	b.WriteString("\n")
	return b.String()
}

// Impact renders per-axis average scores from the grid analysis.
func Impact(impacts []tune.AxisImpact, mode Mode) string {
	if len(impacts) == 0 {
		return "no varied axes to analyze\n"
	}
	var b strings.Builder
	for _, imp := range impacts {
		t := NewTable(mode)
		t.Header(imp.Axis, "Avg Score", "Best")
		t.Columns(ColumnConfig{Number: 2, Align: AlignRight}, ColumnConfig{Number: 3, Align: AlignCenter})
		for _, value := range sortedKeys(imp.Averages) {
			mark := ""
			if value == imp.BestValue {
				mark = "<-"
			}
			t.Row(value, fmtScore(imp.Averages[value]), mark)
		}
		b.WriteString(t.String())
		b.WriteString("\n")
	}
	return b.String()
}

// Bill renders the cost estimate per combination before a run.
func Bill(combos []tune.Configuration, sampleCount int, prices tune.PriceBook, mode Mode) string {
	t := NewTable(mode)
	t.Header("Model", "Temp", "Prompt", "Samples", "Est. Cost")
	t.Columns(
		ColumnConfig{Number: 2, Align: AlignRight},
		ColumnConfig{Number: 4, Align: AlignRight},
		ColumnConfig{Number: 5, Align: AlignRight},
	)
	var total float64
	for _, cfg := range combos {
		cost, ok := tune.EstimateCost(cfg, sampleCount, prices)
		costCell := "unpriced"
		if ok {
			costCell = fmtCost(cost)
			total += cost
		}
		t.Row(cfg.Model, fmt.Sprintf("%.2f", cfg.Temperature), orDash(cfg.PromptID), sampleCount, costCell)
	}
	t.Footer("", "", "", "total", fmtCost(total))
	return t.String() + "\n"
}

// OptimizationSummary renders the iteration history of one run.
func OptimizationSummary(res *tune.OptimizationResult, mode Mode) string {
	t := NewTable(mode)
	t.Header("Iter", "Model", "Temp", "Prompt", "Score", "Delta", "Strategies")
	t.Columns(
		ColumnConfig{Number: 1, Align: AlignRight},
		ColumnConfig{Number: 3, Align: AlignRight},
		ColumnConfig{Number: 5, Align: AlignRight},
		ColumnConfig{Number: 6, Align: AlignRight},
		ColumnConfig{Number: 7, MaxWidth: 40},
	)
	for _, step := range res.History {
		t.Row(step.Iteration,
			step.Configuration.Model,
			fmt.Sprintf("%.2f", step.Configuration.Temperature),
			orDash(step.Configuration.PromptID),
			fmtScore(step.Score),
			fmt.Sprintf("%+.3f", step.Improvement),
			truncate(strings.Join(step.StrategiesUsed, ","), 40),
		)
	}

	var b strings.Builder
	b.WriteString(t.String())
	b.WriteString("\n")
	b.WriteString(fmt.Sprintf("run %s: %d iterations, final score %s (%+.3f total), stopped: %s\n",
		res.RunID, res.Iterations, fmtScore(res.FinalScore), res.TotalImprovement, res.StoppedReason))
	return b.String()
}

// sameVariant compares the grid axes, ignoring key and schema.
func sameVariant(a, b tune.Configuration) bool {
	return a.Model == b.Model && a.Temperature == b.Temperature &&
		a.PromptID == b.PromptID && a.MaxTokens == b.MaxTokens
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
