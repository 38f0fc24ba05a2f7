package tune

import (
	"fmt"
	"sort"
)

// Frequency buckets for failure patterns.
const (
	freqCritical = 0.7 // frequency > 0.7
	freqMajor    = 0.4 // 0.4 < frequency <= 0.7
)

// Severity labels a pattern by its frequency bucket.
func (p FailurePattern) Severity() string {
	switch {
	case p.Frequency > freqCritical:
		return "critical"
	case p.Frequency > freqMajor:
		return "major"
	default:
		return "minor"
	}
}

// IterationAssessment compares one iteration's score to the prior one.
type IterationAssessment struct {
	Label       string // "significant improvement", "moderate improvement", "regression", "plateau"
	Delta       float64
	Suggestion  string // remediation, set on regression
	Oscillating bool
}

// PatternAnalyzer extracts failure patterns from sample results and
// assesses iteration-over-iteration movement.
type PatternAnalyzer struct{}

// NewPatternAnalyzer creates an analyzer.
func NewPatternAnalyzer() *PatternAnalyzer { return &PatternAnalyzer{} }

// AnalyzeSamples derives failure patterns from one test's sample
// results. Frequencies are fractions of all samples.
func (a *PatternAnalyzer) AnalyzeSamples(samples []SampleResult) []FailurePattern {
	if len(samples) == 0 {
		return nil
	}
	n := float64(len(samples))

	execFails := 0
	zeroSim := 0
	lowSim := 0
	formatMiss := 0
	for _, sr := range samples {
		if sr.ExecError != "" {
			execFails++
			continue
		}
		if sr.Similarity == 0 {
			zeroSim++
		} else if sr.Similarity < 0.5 {
			lowSim++
		}
		if _, ok := sr.Actual.(string); ok {
			if _, isStr := sr.Expected.(string); !isStr {
				formatMiss++
			}
		}
	}

	var patterns []FailurePattern
	if execFails > 0 {
		patterns = append(patterns, FailurePattern{
			Type:         "execution-failure",
			Frequency:    float64(execFails) / n,
			SuggestedFix: "agent calls are failing; check model availability and rate limits",
		})
	}
	if formatMiss > 0 {
		patterns = append(patterns, FailurePattern{
			Type:         "format-mismatch",
			Frequency:    float64(formatMiss) / n,
			SuggestedFix: "outputs are raw text where structured values are expected; tighten the output schema instruction",
		})
	}
	if zeroSim > 0 {
		patterns = append(patterns, FailurePattern{
			Type:         "total-miss",
			Frequency:    float64(zeroSim) / n,
			SuggestedFix: "some outputs share nothing with ground truth; revisit the prompt's task description",
		})
	}
	if lowSim > 0 {
		patterns = append(patterns, FailurePattern{
			Type:         "weak-agreement",
			Frequency:    float64(lowSim) / n,
			SuggestedFix: "outputs are directionally right but imprecise; consider lowering temperature",
		})
	}
	sort.SliceStable(patterns, func(i, j int) bool { return patterns[i].Frequency > patterns[j].Frequency })
	return patterns
}

// MergePatterns folds new patterns into the accumulated set, keeping
// the highest observed frequency per type. Patterns persist and
// accumulate across iterations.
func MergePatterns(acc, fresh []FailurePattern) []FailurePattern {
	byType := make(map[string]int, len(acc))
	for i, p := range acc {
		byType[p.Type] = i
	}
	for _, p := range fresh {
		if i, ok := byType[p.Type]; ok {
			if p.Frequency > acc[i].Frequency {
				acc[i].Frequency = p.Frequency
			}
		} else {
			byType[p.Type] = len(acc)
			acc = append(acc, p)
		}
	}
	return acc
}

// Weaknesses lists the critical and major patterns as labeled strings.
func Weaknesses(patterns []FailurePattern) []string {
	var out []string
	for _, p := range patterns {
		sev := p.Severity()
		if sev == "critical" || sev == "major" {
			out = append(out, fmt.Sprintf("[%s] %s (%.0f%% of samples)", sev, p.Type, p.Frequency*100))
		}
	}
	return out
}

// Assess labels the movement from prevScore to score. Regression adds a
// remediation suggestion. history is scanned for oscillation: more than
// half the consecutive deltas flipping sign flags it.
func (a *PatternAnalyzer) Assess(prevScore, score float64, history []ImprovementStep) IterationAssessment {
	delta := score - prevScore
	as := IterationAssessment{Delta: delta, Oscillating: oscillating(history)}
	switch {
	case delta > 0.1:
		as.Label = "significant improvement"
	case delta > 0:
		as.Label = "moderate improvement"
	case delta < -0.05:
		as.Label = "regression"
		as.Suggestion = "revert toward the previous configuration and change one parameter at a time"
	default:
		as.Label = "plateau"
	}
	return as
}

// oscillating counts sign changes across consecutive improvement deltas;
// over half flipping means the search is bouncing.
func oscillating(history []ImprovementStep) bool {
	if len(history) < 3 {
		return false
	}
	flips, pairs := 0, 0
	for i := 1; i < len(history); i++ {
		prev, cur := history[i-1].Improvement, history[i].Improvement
		if prev == 0 || cur == 0 {
			continue
		}
		pairs++
		if (prev > 0) != (cur > 0) {
			flips++
		}
	}
	return pairs > 0 && flips*2 > pairs
}
