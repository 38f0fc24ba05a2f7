package tune

import (
	"context"
	"fmt"
	"math"
	"strings"

	"golang.org/x/sync/errgroup"
)

// AggregationMethod merges multiple strategies' results into one.
type AggregationMethod string

const (
	AggWeighted AggregationMethod = "weighted"
	AggVoting   AggregationMethod = "voting"
	AggEnsemble AggregationMethod = "ensemble"
)

// Aggregation configures CombineStrategies. Weights apply to the
// weighted method only; absent or mismatched weights mean equal.
type Aggregation struct {
	Method  AggregationMethod `json:"method" yaml:"method"`
	Weights []float64         `json:"weights,omitempty" yaml:"weights,omitempty"`
}

// maxCombineWorkers bounds concurrent strategy evaluations inside one
// combine call. Aggregation is commutative over the input list, so the
// completion order does not matter.
const maxCombineWorkers = 4

// CombineStrategies runs the named strategies independently over the
// same samples and merges their results per agg. The combined name is
// "+"-joined; pattern analysis always targets the primary (first)
// strategy, so its samples are carried on the merged result.
func (r *Registry) CombineStrategies(ctx context.Context, names []string, samples []SampleResult, cfg Configuration, agg Aggregation) (EvaluationResult, error) {
	if len(names) == 0 {
		return EvaluationResult{}, &ConfigurationError{Field: "strategies", Reason: "at least one strategy name is required"}
	}
	strategies := make([]Strategy, len(names))
	for i, name := range names {
		s, ok := r.strategies[name]
		if !ok {
			return EvaluationResult{}, &NoStrategyError{Context: name}
		}
		strategies[i] = s
	}

	results := make([]EvaluationResult, len(strategies))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxCombineWorkers)
	for i, s := range strategies {
		g.Go(func() error {
			res, err := s.Evaluate(gctx, samples, cfg)
			if err != nil {
				return fmt.Errorf("strategy %s: %w", s.Name(), err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return EvaluationResult{}, err
	}

	var merged EvaluationResult
	switch agg.Method {
	case AggWeighted, "":
		merged = mergeWeighted(results, agg.Weights)
	case AggVoting:
		merged = mergeVoting(results)
	case AggEnsemble:
		merged = mergeEnsemble(results)
	default:
		return EvaluationResult{}, &ConfigurationError{Field: "aggregation.method", Reason: "unknown method " + string(agg.Method)}
	}

	merged.Strategy = strings.Join(names, "+")
	merged.Samples = results[0].Samples
	for _, res := range results {
		merged.Details = append(merged.Details, res.Details...)
		merged.Insights = append(merged.Insights, res.Insights...)
	}
	return merged, nil
}

// mergeWeighted normalizes weights to sum 1 (equal when absent or
// mismatched) and takes the weighted sum of scores and metrics.
func mergeWeighted(results []EvaluationResult, weights []float64) EvaluationResult {
	n := len(results)
	if len(weights) != n {
		weights = make([]float64, n)
		for i := range weights {
			weights[i] = 1
		}
	}
	var total float64
	for _, w := range weights {
		total += w
	}
	if total == 0 {
		total = 1
	}

	merged := EvaluationResult{Metrics: map[string]float64{}}
	for i, res := range results {
		w := weights[i] / total
		merged.Score += res.Score * w
		for k, v := range res.Metrics {
			merged.Metrics[k] += v * w
		}
	}
	return merged
}

// votingBands are the five score buckets, highest first. A score lands
// in the first band whose floor it reaches; <0.3 is the last band.
var votingBands = []float64{0.9, 0.7, 0.5, 0.3, 0}

func votingBand(score float64) int {
	for i, floor := range votingBands {
		if score >= floor {
			return i
		}
	}
	return len(votingBands) - 1
}

// mergeVoting buckets each score into a band and lets the majority band
// win; ties resolve to the first-seen band in iteration order. The
// final score is the mean of the winning band's scores and confidence
// is votes/total.
func mergeVoting(results []EvaluationResult) EvaluationResult {
	votes := make(map[int]int)
	bandOrder := []int{}
	for _, res := range results {
		b := votingBand(res.Score)
		if votes[b] == 0 {
			bandOrder = append(bandOrder, b)
		}
		votes[b]++
	}

	winner, best := -1, 0
	for _, b := range bandOrder {
		if votes[b] > best {
			winner, best = b, votes[b]
		}
	}

	var sum float64
	for _, res := range results {
		if votingBand(res.Score) == winner {
			sum += res.Score
		}
	}
	merged := EvaluationResult{Metrics: map[string]float64{}}
	merged.Score = sum / float64(best)
	merged.Confidence = float64(best) / float64(len(results))
	merged.Metrics["votes"] = float64(best)
	merged.Metrics["voters"] = float64(len(results))
	return merged
}

// mergeEnsemble averages the scores and penalizes disagreement by the
// score variance, never dropping below half the raw mean.
func mergeEnsemble(results []EvaluationResult) EvaluationResult {
	n := float64(len(results))
	var mean float64
	for _, res := range results {
		mean += res.Score
	}
	mean /= n

	var variance float64
	for _, res := range results {
		d := res.Score - mean
		variance += d * d
	}
	variance /= n

	merged := EvaluationResult{Metrics: map[string]float64{}}
	merged.Score = mean * math.Max(0.5, 1-variance)
	merged.Metrics["raw_mean"] = mean
	merged.Metrics["variance"] = variance
	return merged
}
