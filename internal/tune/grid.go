package tune

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"caliper/internal/logging"
)

// Variations are the grid axes. An empty axis defaults to the base
// configuration's single value.
type Variations struct {
	Models       []string  `json:"models,omitempty" yaml:"models,omitempty"`
	Temperatures []float64 `json:"temperatures,omitempty" yaml:"temperatures,omitempty"`
	PromptIDs    []string  `json:"prompt_ids,omitempty" yaml:"prompt_ids,omitempty"`
	MaxTokens    []int     `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
}

func (v Variations) empty() bool {
	return len(v.Models) == 0 && len(v.Temperatures) == 0 && len(v.PromptIDs) == 0 && len(v.MaxTokens) == 0
}

// GridParams configures one grid search run.
type GridParams struct {
	BaseKey            string     `json:"base_key" yaml:"base_key"`
	Variations         Variations `json:"variations" yaml:"variations"`
	Compare            CompareConfig
	BatchSize          int     // configurations per batch; 0 = default
	MaxConcurrentTests int     // in-flight tests within a batch; 0 = default
	ReportInterval     int     // progress event cadence in configurations; 0 = default
	EstimateOnly       bool    // short-circuit after cost estimation
	MaxEstimatedCost   float64 // hard budget; 0 = unlimited
	MaxSamples         int
	KeepSamples        bool
}

const (
	defaultBatchSize      = 8
	defaultMaxConcurrent  = 4
	defaultReportInterval = 5
)

// AxisImpact reports the average score per value of one variation axis
// and the best value found.
type AxisImpact struct {
	Axis      string             `json:"axis"`
	BestValue string             `json:"best_value"`
	BestScore float64            `json:"best_score"`
	Averages  map[string]float64 `json:"averages"`
}

// Recommendation compares the best combination to the baseline.
type Recommendation struct {
	Action      string  `json:"action"` // "deploy", "ab-test", "already-optimal"
	Improvement float64 `json:"improvement"`
	Detail      string  `json:"detail"`
}

// GridSearchResult is the full outcome of a grid search.
type GridSearchResult struct {
	BaseKey       string         `json:"base_key"`
	Combinations  int            `json:"combinations"`
	EstimatedCost float64        `json:"estimated_cost"`
	EstimateOnly  bool           `json:"estimate_only,omitempty"`
	Results       []TestResult   `json:"results,omitempty"` // ranked, best first
	Baseline      *TestResult    `json:"baseline,omitempty"`
	Impact        []AxisImpact   `json:"impact,omitempty"`
	Recommendation Recommendation `json:"recommendation"`
	DurationMs    int64          `json:"duration_ms"`
	Stopped       bool           `json:"stopped,omitempty"` // budget soft-stop before finishing all batches
}

// GridSearch enumerates configuration combinations and tests each one.
type GridSearch struct {
	tester *Tester
	repo   ConfigRepository
	prices PriceBook
	sink   EventSink
	logger *slog.Logger
}

// NewGridSearch wires a grid search engine. sink may be nil.
func NewGridSearch(tester *Tester, repo ConfigRepository, prices PriceBook, sink EventSink) *GridSearch {
	return &GridSearch{
		tester: tester,
		repo:   repo,
		prices: prices,
		sink:   sinkOrNoop(sink),
		logger: logging.New("grid"),
	}
}

// Run validates params, enumerates the grid, estimates cost, executes
// in bounded batches, ranks, and derives parameter-impact insights.
func (g *GridSearch) Run(ctx context.Context, params GridParams, samples []DatasetSample) (*GridSearchResult, error) {
	if err := validateGridParams(&params); err != nil {
		return nil, err
	}

	base, err := g.repo.FindByKey(params.BaseKey)
	if err != nil {
		return nil, fmt.Errorf("load base configuration %q: %w", params.BaseKey, err)
	}
	if base == nil {
		return nil, &ConfigurationError{Field: "base_key", Reason: fmt.Sprintf("configuration %q not found", params.BaseKey)}
	}

	combos := GenerateCombinations(*base, params.Variations)
	result := &GridSearchResult{BaseKey: params.BaseKey, Combinations: len(combos)}

	// Aggregate cost estimate over the whole grid, flat per-model.
	sampleCount := len(samples)
	if params.MaxSamples > 0 && params.MaxSamples < sampleCount {
		sampleCount = params.MaxSamples
	}
	if g.prices != nil {
		for _, cfg := range combos {
			if cost, ok := EstimateCost(cfg, sampleCount, g.prices); ok {
				result.EstimatedCost += cost
			} else {
				g.logger.Warn("no pricing for model, excluded from estimate", "model", cfg.Model)
			}
		}
	}

	if params.EstimateOnly {
		result.EstimateOnly = true
		return result, nil
	}
	if params.MaxEstimatedCost > 0 && result.EstimatedCost > params.MaxEstimatedCost {
		return nil, &BudgetExceededError{Estimated: result.EstimatedCost, Limit: params.MaxEstimatedCost}
	}

	publish(g.sink, Event{Type: EventStarted, Total: len(combos),
		Message: fmt.Sprintf("grid search over %d configurations", len(combos))})

	start := time.Now()
	results, stopped, err := g.execute(ctx, combos, samples, params)
	if err != nil {
		publish(g.sink, Event{Type: EventError, Err: err.Error()})
		return nil, err
	}
	result.Stopped = stopped

	// Rank descending by score.
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Metrics.Score > results[j].Metrics.Score
	})
	result.Results = results
	result.Baseline = findBaseline(results, *base)
	result.Impact = analyzeImpact(results)
	result.Recommendation = recommend(results, result.Baseline)
	result.DurationMs = time.Since(start).Milliseconds()

	best := 0.0
	if len(results) > 0 {
		best = results[0].Metrics.Score
	}
	publish(g.sink, Event{Type: EventCompleted, Completed: len(results), Total: len(combos), BestScore: best})
	return result, nil
}

// validateGridParams enforces the hard preconditions and fills defaults.
func validateGridParams(p *GridParams) error {
	if p.BaseKey == "" {
		return &ConfigurationError{Field: "base_key", Reason: "base configuration key is required"}
	}
	if p.Variations.empty() {
		return &ConfigurationError{Field: "variations", Reason: "at least one non-empty variation axis is required"}
	}
	if p.Compare.Mode == "" {
		return &ConfigurationError{Field: "compare.mode", Reason: "comparison mode is required"}
	}
	if p.BatchSize == 0 {
		p.BatchSize = defaultBatchSize
	}
	if p.MaxConcurrentTests == 0 {
		p.MaxConcurrentTests = defaultMaxConcurrent
	}
	if p.ReportInterval == 0 {
		p.ReportInterval = defaultReportInterval
	}
	if p.BatchSize < 1 || p.MaxConcurrentTests < 1 || p.ReportInterval < 1 {
		return &ConfigurationError{Field: "concurrency", Reason: "batch size, max concurrent tests and report interval must be >= 1"}
	}
	return nil
}

// GenerateCombinations builds the Cartesian product over the variation
// axes, each axis falling back to the base configuration's value.
func GenerateCombinations(base Configuration, v Variations) []Configuration {
	models := v.Models
	if len(models) == 0 {
		models = []string{base.Model}
	}
	temps := v.Temperatures
	if len(temps) == 0 {
		temps = []float64{base.Temperature}
	}
	prompts := v.PromptIDs
	if len(prompts) == 0 {
		prompts = []string{base.PromptID}
	}
	tokens := v.MaxTokens
	if len(tokens) == 0 {
		tokens = []int{base.MaxTokens}
	}

	var combos []Configuration
	for _, m := range models {
		for _, tp := range temps {
			for _, p := range prompts {
				for _, tk := range tokens {
					temp := tp
					combos = append(combos, base.WithOverrides(ConfigOverrides{
						Model:       m,
						Temperature: &temp,
						PromptID:    p,
						MaxTokens:   tk,
					}))
				}
			}
		}
	}
	return combos
}

// execute runs combos in fixed-size batches; within a batch the number
// of in-flight tests is bounded by MaxConcurrentTests. The running cost
// budget is re-checked once per batch, never per sample, so a mid-batch
// overshoot is possible.
func (g *GridSearch) execute(ctx context.Context, combos []Configuration, samples []DatasetSample, params GridParams) ([]TestResult, bool, error) {
	opts := TestOptions{Compare: params.Compare, MaxSamples: params.MaxSamples, KeepSamples: params.KeepSamples}

	results := make([]TestResult, 0, len(combos))
	var spent float64
	completed := 0
	bestScore := 0.0

	for batchStart := 0; batchStart < len(combos); batchStart += params.BatchSize {
		if params.MaxEstimatedCost > 0 && spent > params.MaxEstimatedCost {
			g.logger.Warn("budget reached, stopping before next batch",
				"spent", spent, "budget", params.MaxEstimatedCost)
			publish(g.sink, Event{Type: EventEarlyStop, Completed: completed, Total: len(combos),
				Message: "estimated spend reached budget"})
			return results, true, nil
		}

		end := min(batchStart+params.BatchSize, len(combos))
		batch := combos[batchStart:end]
		batchResults := make([]TestResult, len(batch))

		eg, egctx := errgroup.WithContext(ctx)
		eg.SetLimit(params.MaxConcurrentTests)
		for i, cfg := range batch {
			eg.Go(func() error {
				res, err := g.tester.Test(egctx, cfg, samples, opts)
				if err != nil {
					return fmt.Errorf("test %s/%.2f/%s: %w", cfg.Model, cfg.Temperature, cfg.PromptID, err)
				}
				batchResults[i] = res
				return nil
			})
		}
		if err := eg.Wait(); err != nil {
			return nil, false, err
		}

		for _, res := range batchResults {
			results = append(results, res)
			spent += res.EstimatedCost
			completed++
			if res.Metrics.Score > bestScore {
				bestScore = res.Metrics.Score
			}
			if completed%params.ReportInterval == 0 {
				publish(g.sink, Event{Type: EventProgress, Completed: completed, Total: len(combos), BestScore: bestScore})
			}
		}
	}
	return results, false, nil
}

// findBaseline locates the combination matching the base configuration,
// if the grid contained it.
func findBaseline(results []TestResult, base Configuration) *TestResult {
	for i := range results {
		c := results[i].Configuration
		if c.Model == base.Model && c.Temperature == base.Temperature &&
			c.PromptID == base.PromptID && c.MaxTokens == base.MaxTokens {
			return &results[i]
		}
	}
	return nil
}

// analyzeImpact groups results by each axis value and reports the best
// value per axis. Model, temperature and prompt are analyzed
// independently.
func analyzeImpact(results []TestResult) []AxisImpact {
	axes := []struct {
		name  string
		value func(Configuration) string
	}{
		{"model", func(c Configuration) string { return c.Model }},
		{"temperature", func(c Configuration) string { return fmt.Sprintf("%g", c.Temperature) }},
		{"prompt_id", func(c Configuration) string { return c.PromptID }},
	}

	var impacts []AxisImpact
	for _, axis := range axes {
		sums := map[string]float64{}
		counts := map[string]int{}
		for _, res := range results {
			v := axis.value(res.Configuration)
			sums[v] += res.Metrics.Score
			counts[v]++
		}
		if len(sums) < 2 {
			continue // axis was not varied
		}
		imp := AxisImpact{Axis: axis.name, Averages: map[string]float64{}}
		keys := make([]string, 0, len(sums))
		for k := range sums {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			avg := sums[k] / float64(counts[k])
			imp.Averages[k] = avg
			if imp.BestValue == "" || avg > imp.BestScore {
				imp.BestValue = k
				imp.BestScore = avg
			}
		}
		impacts = append(impacts, imp)
	}
	return impacts
}

// recommend compares the best result against the baseline: >10%
// improvement means deploy, any improvement means A/B test, otherwise
// the baseline is already optimal.
func recommend(results []TestResult, baseline *TestResult) Recommendation {
	if len(results) == 0 {
		return Recommendation{Action: "already-optimal", Detail: "no results"}
	}
	best := results[0]
	if baseline == nil {
		return Recommendation{
			Action: "ab-test",
			Detail: fmt.Sprintf("no baseline in grid; best score %.3f from %s @ %g", best.Metrics.Score, best.Configuration.Model, best.Configuration.Temperature),
		}
	}

	improvement := 0.0
	if baseline.Metrics.Score > 0 {
		improvement = (best.Metrics.Score - baseline.Metrics.Score) / baseline.Metrics.Score
	} else if best.Metrics.Score > 0 {
		improvement = 1
	}

	switch {
	case improvement > 0.10:
		return Recommendation{Action: "deploy", Improvement: improvement,
			Detail: fmt.Sprintf("best configuration beats baseline by %.1f%%", improvement*100)}
	case improvement > 0:
		return Recommendation{Action: "ab-test", Improvement: improvement,
			Detail: fmt.Sprintf("marginal gain of %.1f%%; validate with an A/B test", improvement*100)}
	default:
		return Recommendation{Action: "already-optimal", Improvement: improvement,
			Detail: "baseline configuration is already optimal"}
	}
}
