package tune

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"caliper/internal/logging"
)

// StrategyKind orders strategies for auto-selection. When several are
// applicable the highest-precedence kind wins.
type StrategyKind string

const (
	KindHybrid  StrategyKind = "hybrid"
	KindFact    StrategyKind = "fact-based"
	KindNumeric StrategyKind = "numeric"
	KindCustom  StrategyKind = "custom"
)

// kindPrecedence: hybrid > fact-based > numeric > custom.
var kindPrecedence = map[StrategyKind]int{
	KindHybrid:  3,
	KindFact:    2,
	KindNumeric: 1,
	KindCustom:  0,
}

// EvalContext describes what is being evaluated, for strategy selection.
type EvalContext struct {
	Target         string // explicit strategy hint; rules may route on it
	OutputType     string // "number", "json", "text"
	HasGroundTruth bool
	SampleCount    int
}

// Strategy turns executed sample results into a score, metrics, and
// feedback. Implementations must be safe for concurrent use.
type Strategy interface {
	Name() string
	Kind() StrategyKind
	IsApplicable(ec EvalContext) bool
	Evaluate(ctx context.Context, samples []SampleResult, cfg Configuration) (EvaluationResult, error)
	GenerateFeedback(res EvaluationResult) string
}

// Rule routes an evaluation context to a named strategy. Rules are
// checked before applicability filtering, highest priority first.
type Rule struct {
	Priority  int
	Predicate func(EvalContext) bool
	Target    string
}

// Registry holds the pluggable evaluation strategies. Constructed
// explicitly at process start and injected into consumers; there is no
// ambient singleton.
type Registry struct {
	strategies  map[string]Strategy
	order       []string // registration order, for deterministic iteration
	rules       []Rule
	defaultName string
	logger      *slog.Logger
}

// NewRegistry creates a registry pre-loaded with the built-in numeric,
// fact-based and hybrid strategies.
func NewRegistry() *Registry {
	r := &Registry{
		strategies: make(map[string]Strategy),
		logger:     logging.New("strategy"),
	}
	r.Register(&NumericStrategy{})
	r.Register(&FactStrategy{})
	r.Register(&HybridStrategy{NumericWeight: 0.6})
	return r
}

// Register adds or replaces a strategy by name.
func (r *Registry) Register(s Strategy) {
	if _, exists := r.strategies[s.Name()]; !exists {
		r.order = append(r.order, s.Name())
	}
	r.strategies[s.Name()] = s
}

// AddRule appends a selection rule.
func (r *Registry) AddRule(rule Rule) {
	r.rules = append(r.rules, rule)
}

// SetDefault names the fallback strategy used when no rule matches and
// nothing is applicable.
func (r *Registry) SetDefault(name string) {
	r.defaultName = name
}

// Get returns a registered strategy by name.
func (r *Registry) Get(name string) (Strategy, bool) {
	s, ok := r.strategies[name]
	return s, ok
}

// Select picks a strategy for ec: ordered rules first (first match by
// descending priority), then applicability filtered by kind precedence,
// then the registry default. No candidate at all is a NoStrategyError.
func (r *Registry) Select(ec EvalContext) (Strategy, error) {
	rules := make([]Rule, len(r.rules))
	copy(rules, r.rules)
	sort.SliceStable(rules, func(i, j int) bool { return rules[i].Priority > rules[j].Priority })
	for _, rule := range rules {
		if rule.Predicate != nil && rule.Predicate(ec) {
			if s, ok := r.strategies[rule.Target]; ok {
				return s, nil
			}
			r.logger.Warn("selection rule targets unregistered strategy", "target", rule.Target)
		}
	}

	var best Strategy
	for _, name := range r.order {
		s := r.strategies[name]
		if !s.IsApplicable(ec) {
			continue
		}
		if best == nil || kindPrecedence[s.Kind()] > kindPrecedence[best.Kind()] {
			best = s
		}
	}
	if best != nil {
		return best, nil
	}

	if s, ok := r.strategies[r.defaultName]; ok {
		return s, nil
	}
	return nil, &NoStrategyError{Context: fmt.Sprintf("output=%s ground_truth=%t", ec.OutputType, ec.HasGroundTruth)}
}

// --- Built-in strategies ---

// NumericStrategy scores by numeric closeness of actual vs expected.
type NumericStrategy struct {
	TargetField string
}

func (s *NumericStrategy) Name() string       { return "numeric" }
func (s *NumericStrategy) Kind() StrategyKind { return KindNumeric }

// IsApplicable: numeric outputs with ground truth.
func (s *NumericStrategy) IsApplicable(ec EvalContext) bool {
	return ec.HasGroundTruth && (ec.OutputType == "number" || ec.OutputType == "numeric")
}

func (s *NumericStrategy) Evaluate(_ context.Context, samples []SampleResult, _ Configuration) (EvaluationResult, error) {
	res := EvaluationResult{Strategy: s.Name(), Metrics: map[string]float64{}}
	if len(samples) == 0 {
		return res, nil
	}

	var sum, absErr, sqErr float64
	parseFails := 0
	rescored := make([]SampleResult, len(samples))
	for i, sr := range samples {
		c := compareNumeric(sr.Actual, sr.Expected, s.TargetField)
		if c.Similarity == 0 && c.Reasoning != "" {
			parseFails++
		}
		sr.Similarity = c.Similarity
		sr.Error = 1 - c.Similarity
		rescored[i] = sr
		sum += c.Similarity
		absErr += sr.Error
		sqErr += sr.Error * sr.Error
	}
	n := float64(len(samples))
	res.Score = sum / n
	res.Samples = rescored
	res.Metrics["mae"] = absErr / n
	res.Metrics["rmse"] = math.Sqrt(sqErr / n)
	res.Metrics["parse_failures"] = float64(parseFails)
	res.Details = append(res.Details,
		fmt.Sprintf("numeric: %d samples, mean similarity %.3f", len(samples), res.Score))
	if parseFails > 0 {
		res.Insights = append(res.Insights,
			fmt.Sprintf("%d/%d outputs were not parsable as numbers; tighten the output format instruction", parseFails, len(samples)))
	}
	return res, nil
}

func (s *NumericStrategy) GenerateFeedback(res EvaluationResult) string {
	if res.Score >= 0.9 {
		return fmt.Sprintf("numeric agreement is strong (%.3f); outputs track ground truth closely", res.Score)
	}
	if res.Metrics["parse_failures"] > 0 {
		return fmt.Sprintf("numeric agreement %.3f is dragged down by %d unparsable outputs; constrain the agent to emit a bare number", res.Score, int(res.Metrics["parse_failures"]))
	}
	return fmt.Sprintf("numeric agreement %.3f (mae %.3f); scores deviate from ground truth", res.Score, res.Metrics["mae"])
}

// FactStrategy scores by exact agreement, for categorical or structured
// outputs where close is not good enough.
type FactStrategy struct{}

func (s *FactStrategy) Name() string       { return "fact-based" }
func (s *FactStrategy) Kind() StrategyKind { return KindFact }

// IsApplicable: any output with ground truth.
func (s *FactStrategy) IsApplicable(ec EvalContext) bool { return ec.HasGroundTruth }

func (s *FactStrategy) Evaluate(_ context.Context, samples []SampleResult, _ Configuration) (EvaluationResult, error) {
	res := EvaluationResult{Strategy: s.Name(), Metrics: map[string]float64{}}
	if len(samples) == 0 {
		return res, nil
	}

	matches := 0
	rescored := make([]SampleResult, len(samples))
	for i, sr := range samples {
		c := compareExact(sr.Actual, sr.Expected)
		if c.Similarity == 1.0 {
			matches++
		}
		sr.Similarity = c.Similarity
		sr.Error = 1 - c.Similarity
		rescored[i] = sr
	}
	n := float64(len(samples))
	res.Score = float64(matches) / n
	res.Samples = rescored
	res.Metrics["accuracy"] = res.Score
	res.Metrics["mismatches"] = n - float64(matches)
	res.Details = append(res.Details,
		fmt.Sprintf("fact-based: %d/%d exact matches", matches, len(samples)))
	if res.Score < 0.5 {
		res.Insights = append(res.Insights,
			"fewer than half the outputs match exactly; check output schema and field naming")
	}
	return res, nil
}

func (s *FactStrategy) GenerateFeedback(res EvaluationResult) string {
	return fmt.Sprintf("exact-match accuracy %.3f (%d mismatches)", res.Score, int(res.Metrics["mismatches"]))
}

// HybridStrategy blends numeric closeness and exact agreement per
// sample. NumericWeight in [0,1]; the remainder weights exact match.
type HybridStrategy struct {
	NumericWeight float64
	TargetField   string
}

func (s *HybridStrategy) Name() string       { return "hybrid" }
func (s *HybridStrategy) Kind() StrategyKind { return KindHybrid }

// IsApplicable: structured outputs with ground truth.
func (s *HybridStrategy) IsApplicable(ec EvalContext) bool {
	return ec.HasGroundTruth && ec.OutputType == "json"
}

func (s *HybridStrategy) Evaluate(_ context.Context, samples []SampleResult, _ Configuration) (EvaluationResult, error) {
	res := EvaluationResult{Strategy: s.Name(), Metrics: map[string]float64{}}
	if len(samples) == 0 {
		return res, nil
	}
	w := s.NumericWeight
	if w <= 0 || w > 1 {
		w = 0.6
	}

	var sum, numericSum, exactSum float64
	rescored := make([]SampleResult, len(samples))
	for i, sr := range samples {
		numeric := compareNumeric(sr.Actual, sr.Expected, s.TargetField).Similarity
		exact := compareExact(sr.Actual, sr.Expected).Similarity
		blended := w*numeric + (1-w)*exact
		sr.Similarity = blended
		sr.Error = 1 - blended
		rescored[i] = sr
		sum += blended
		numericSum += numeric
		exactSum += exact
	}
	n := float64(len(samples))
	res.Score = sum / n
	res.Samples = rescored
	res.Metrics["numeric_component"] = numericSum / n
	res.Metrics["exact_component"] = exactSum / n
	res.Details = append(res.Details,
		fmt.Sprintf("hybrid: blended %.3f (numeric %.3f, exact %.3f)", res.Score, numericSum/n, exactSum/n))
	if numericSum/n-exactSum/n > 0.3 {
		res.Insights = append(res.Insights,
			"values are numerically close but rarely identical; normalize output formatting")
	}
	return res, nil
}

func (s *HybridStrategy) GenerateFeedback(res EvaluationResult) string {
	return fmt.Sprintf("hybrid score %.3f (numeric %.3f, exact %.3f)",
		res.Score, res.Metrics["numeric_component"], res.Metrics["exact_component"])
}

// JudgeStrategy re-scores samples through an external LLM judge, for
// free-text outputs where string and numeric comparison are both too
// blunt. Judge failures on a sample fall back to exact equality, the
// same policy as the comparator's llm mode. Not registered by default;
// callers with a judge add it via Register.
type JudgeStrategy struct {
	judge Judge
}

// NewJudgeStrategy wraps a judge as an evaluation strategy.
func NewJudgeStrategy(judge Judge) *JudgeStrategy {
	return &JudgeStrategy{judge: judge}
}

func (s *JudgeStrategy) Name() string       { return "llm-judged" }
func (s *JudgeStrategy) Kind() StrategyKind { return KindCustom }

// IsApplicable: free-text outputs with ground truth.
func (s *JudgeStrategy) IsApplicable(ec EvalContext) bool {
	return ec.HasGroundTruth && (ec.OutputType == "text" || ec.OutputType == "")
}

func (s *JudgeStrategy) Evaluate(ctx context.Context, samples []SampleResult, _ Configuration) (EvaluationResult, error) {
	res := EvaluationResult{Strategy: s.Name(), Metrics: map[string]float64{}}
	if len(samples) == 0 {
		return res, nil
	}

	var sum float64
	fallbacks := 0
	rescored := make([]SampleResult, len(samples))
	for i, sr := range samples {
		c := s.judgeOne(ctx, sr.Actual, sr.Expected)
		if c.fellBack {
			fallbacks++
		}
		sr.Similarity = c.Similarity
		sr.Error = 1 - c.Similarity
		rescored[i] = sr
		sum += c.Similarity
	}
	n := float64(len(samples))
	res.Score = sum / n
	res.Samples = rescored
	res.Metrics["judge_fallbacks"] = float64(fallbacks)
	res.Details = append(res.Details,
		fmt.Sprintf("llm-judged: %d samples, mean similarity %.3f", len(samples), res.Score))
	if fallbacks > 0 {
		res.Insights = append(res.Insights,
			fmt.Sprintf("judge unavailable for %d/%d samples, scored by exact equality instead", fallbacks, len(samples)))
	}
	return res, nil
}

type judgedComparison struct {
	Comparison
	fellBack bool
}

func (s *JudgeStrategy) judgeOne(ctx context.Context, actual, expected any) judgedComparison {
	if s.judge == nil {
		return judgedComparison{Comparison: compareExact(actual, expected), fellBack: true}
	}
	v, err := s.judge.Judge(ctx, canonical(actual), canonical(expected))
	if err != nil || v.Similarity < 0 || v.Similarity > 1 || math.IsNaN(v.Similarity) {
		return judgedComparison{Comparison: compareExact(actual, expected), fellBack: true}
	}
	return judgedComparison{Comparison: Comparison{Similarity: v.Similarity, Reasoning: v.Reasoning}}
}

func (s *JudgeStrategy) GenerateFeedback(res EvaluationResult) string {
	if res.Metrics["judge_fallbacks"] > 0 {
		return fmt.Sprintf("judged similarity %.3f with %d fallback(s) to exact equality", res.Score, int(res.Metrics["judge_fallbacks"]))
	}
	return fmt.Sprintf("judged similarity %.3f across %d samples", res.Score, len(res.Samples))
}
