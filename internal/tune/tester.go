package tune

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"caliper/internal/logging"
)

// TestOptions configures one configuration test.
type TestOptions struct {
	Compare     CompareConfig
	MaxSamples  int  // 0 = all
	KeepSamples bool // retain per-sample results on the TestResult
}

// Tester runs one configuration against a dataset and aggregates the
// per-sample similarities into metrics.
type Tester struct {
	runner     AgentRunner
	comparator *Comparator
	repo       ConfigRepository
	prices     PriceBook
	logger     *slog.Logger
}

// NewTester wires a tester. repo and prices may be nil; without a repo
// no temporary configuration identity is registered, and without prices
// cost estimation is skipped.
func NewTester(runner AgentRunner, comparator *Comparator, repo ConfigRepository, prices PriceBook) *Tester {
	return &Tester{
		runner:     runner,
		comparator: comparator,
		repo:       repo,
		prices:     prices,
		logger:     logging.New("tester"),
	}
}

// Test executes cfg over samples. Single-sample failures are recorded
// as similarity 0 and never abort the test; sampleCount counts every
// sample processed, failures included.
func (t *Tester) Test(ctx context.Context, cfg Configuration, samples []DatasetSample, opts TestOptions) (TestResult, error) {
	if opts.Compare.Mode == "" {
		return TestResult{}, &ConfigurationError{Field: "compare.mode", Reason: "comparison mode is required"}
	}
	if opts.MaxSamples > 0 && opts.MaxSamples < len(samples) {
		samples = samples[:opts.MaxSamples]
	}

	// Register a throwaway configuration identity so the execution
	// collaborator can resolve it by key. Always removed on exit.
	execKey := cfg.Key
	if t.repo != nil {
		tmp := cfg
		tmp.Key = fmt.Sprintf("%s-test-%s", orKey(cfg.Key, "adhoc"), uuid.NewString()[:8])
		if err := t.repo.Create(&tmp); err != nil {
			return TestResult{}, fmt.Errorf("register temp configuration: %w", err)
		}
		execKey = tmp.Key
		defer func() {
			if err := t.repo.DeleteByKey(execKey); err != nil {
				t.logger.Warn("delete temp configuration failed", "key", execKey, "error", err)
			}
		}()
	}

	start := time.Now()
	results := make([]SampleResult, 0, len(samples))
	for _, sample := range samples {
		if err := ctx.Err(); err != nil {
			return TestResult{}, err
		}
		results = append(results, t.testSample(ctx, sample, execKey, opts.Compare))
	}

	res := TestResult{
		Configuration: cfg,
		Metrics:       aggregateSamples(results),
		DurationMs:    time.Since(start).Milliseconds(),
		EstimatedCost: t.estimateCost(cfg, len(samples)),
	}
	if opts.KeepSamples {
		res.Samples = results
	}
	return res, nil
}

// testSample runs one sample through the agent and scores the output.
// Execution and comparison failures score 0 in place.
func (t *Tester) testSample(ctx context.Context, sample DatasetSample, configKey string, cc CompareConfig) SampleResult {
	sr := SampleResult{Input: sample.Input, Expected: sample.Expected}

	out, err := t.runner.Run(ctx, sample.Input, configKey)
	if err != nil {
		t.logger.Warn("sample execution failed", "config", configKey, "error", err)
		sr.Similarity = 0
		sr.Error = 1
		sr.ExecError = err.Error()
		return sr
	}

	sr.Actual = parseAgentOutput(out.Output)

	cmp, err := t.comparator.Compare(ctx, sr.Actual, sample.Expected, cc)
	if err != nil {
		// Only configuration errors reach here; Test validated the mode,
		// so treat this as a zero-similarity sample rather than aborting.
		t.logger.Warn("comparison failed", "error", err)
		sr.Similarity = 0
		sr.Error = 1
		return sr
	}
	sr.Similarity = cmp.Similarity
	sr.Error = 1 - cmp.Similarity
	sr.Reasoning = cmp.Reasoning
	return sr
}

// estimateCost applies the flat per-model token estimate. Missing
// pricing is recoverable: skip and log.
func (t *Tester) estimateCost(cfg Configuration, sampleCount int) float64 {
	if t.prices == nil {
		return 0
	}
	cost, ok := EstimateCost(cfg, sampleCount, t.prices)
	if !ok {
		t.logger.Warn("no pricing for model, skipping cost estimate", "model", cfg.Model)
		return 0
	}
	return cost
}

// aggregateSamples computes mean similarity, mean error, and rmse.
func aggregateSamples(results []SampleResult) Metrics {
	m := Metrics{SampleCount: len(results)}
	if len(results) == 0 {
		return m
	}
	var simSum, errSum, sqSum float64
	for _, sr := range results {
		simSum += sr.Similarity
		errSum += sr.Error
		sqSum += sr.Error * sr.Error
	}
	n := float64(len(results))
	m.Score = simSum / n
	m.Error = errSum / n
	m.RMSE = math.Sqrt(sqSum / n)
	return m
}

// parseAgentOutput extracts structured output from a raw agent reply:
// fenced JSON block first, then bare JSON, then the raw string.
func parseAgentOutput(raw string) any {
	trimmed := strings.TrimSpace(raw)

	if fenced := extractFencedJSON(trimmed); fenced != "" {
		var v any
		if err := json.Unmarshal([]byte(fenced), &v); err == nil {
			return v
		}
	}
	var v any
	if err := json.Unmarshal([]byte(trimmed), &v); err == nil {
		return v
	}
	return trimmed
}

// extractFencedJSON returns the contents of the first ```json fenced
// block (or plain ``` fence), or "" when there is none.
func extractFencedJSON(s string) string {
	start := strings.Index(s, "```")
	if start == -1 {
		return ""
	}
	rest := s[start+3:]
	if after, ok := strings.CutPrefix(rest, "json"); ok {
		rest = after
	}
	end := strings.Index(rest, "```")
	if end == -1 {
		return ""
	}
	return strings.TrimSpace(rest[:end])
}

// orKey returns key, or fallback when key is empty.
func orKey(key, fallback string) string {
	if key == "" {
		return fallback
	}
	return key
}
