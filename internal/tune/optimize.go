package tune

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"caliper/internal/logging"
)

// Evaluator scores the current configuration. History is passed so
// strategy selection and judging can see prior iterations.
type Evaluator interface {
	Evaluate(ctx context.Context, cfg Configuration, history []ImprovementStep) (EvaluationResult, error)
}

// Proposer derives the next configuration to try from the current one,
// its evaluation, and the research insights gathered this iteration.
type Proposer interface {
	Propose(ctx context.Context, current Configuration, eval EvaluationResult, insights []string) (Configuration, error)
}

// CheckpointFunc receives the mutable state after each successful
// iteration. Optional; errors are logged, never fatal.
type CheckpointFunc func(state *OptimizationState) error

// Orchestrator drives the evaluate -> research -> optimize loop.
// Strictly sequential across iterations: each depends on the prior
// result.
type Orchestrator struct {
	evaluator   Evaluator
	proposer    Proposer
	analyzer    *PatternAnalyzer
	synthesizer *Synthesizer
	sink        EventSink
	checkpoint  CheckpointFunc
	logger      *slog.Logger
}

// NewOrchestrator wires the loop. sink and checkpoint may be nil.
func NewOrchestrator(evaluator Evaluator, proposer Proposer, synthesizer *Synthesizer, sink EventSink, checkpoint CheckpointFunc) *Orchestrator {
	if synthesizer == nil {
		synthesizer = NewSynthesizer(VerbosityStandard)
	}
	return &Orchestrator{
		evaluator:   evaluator,
		proposer:    proposer,
		analyzer:    NewPatternAnalyzer(),
		synthesizer: synthesizer,
		sink:        sinkOrNoop(sink),
		checkpoint:  checkpoint,
		logger:      logging.New("optimize"),
	}
}

// Run starts a fresh optimization from initial and loops until a
// terminal condition holds.
func (o *Orchestrator) Run(ctx context.Context, initial Configuration, opts OptimizeOptions) (*OptimizationResult, error) {
	state := NewOptimizationState(uuid.NewString(), initial)
	return o.loop(ctx, state, opts)
}

// Resume continues a run from an explicit state, checkpointed or
// freshly built. Callers that need a stable run ID build the state
// themselves and use this instead of Run.
func (o *Orchestrator) Resume(ctx context.Context, state *OptimizationState, opts OptimizeOptions) (*OptimizationResult, error) {
	if state == nil {
		return nil, &ConfigurationError{Field: "state", Reason: "resume requires a checkpointed state"}
	}
	if state.IterationCount > 0 {
		o.logger.Info("resuming optimization", "run_id", state.RunID, "iteration", state.IterationCount)
	}
	return o.loop(ctx, state, opts)
}

// loop runs the per-iteration protocol until the state is terminal.
// A failure on the very first iteration is fatal; on any later
// iteration the loop stops early, retaining the prior valid state.
func (o *Orchestrator) loop(ctx context.Context, state *OptimizationState, opts OptimizeOptions) (*OptimizationResult, error) {
	publish(o.sink, Event{Type: EventStarted, RunID: state.RunID, Iteration: state.IterationCount,
		Total: opts.MaxIterations, Message: "optimization loop started"})

	if done, _ := state.IsComplete(opts); done {
		return state.Finalize(), nil
	}

	for {
		if err := ctx.Err(); err != nil {
			if state.IterationCount == 0 {
				return nil, &IterationError{Iteration: 1, Err: err}
			}
			o.logger.Warn("context canceled, stopping early", "iteration", state.IterationCount)
			state.markStopped(StopEarly)
			publish(o.sink, Event{Type: EventEarlyStop, RunID: state.RunID, Iteration: state.IterationCount, Err: err.Error()})
			break
		}

		iteration := state.IterationCount + 1
		stepErr := o.runIteration(ctx, state, opts, iteration)
		if stepErr != nil {
			if iteration == 1 {
				publish(o.sink, Event{Type: EventError, RunID: state.RunID, Iteration: iteration, Err: stepErr.Error()})
				return nil, &IterationError{Iteration: 1, Err: stepErr}
			}
			o.logger.Warn("iteration failed, stopping early with prior state",
				"iteration", iteration, "error", stepErr)
			state.markStopped(StopEarly)
			publish(o.sink, Event{Type: EventEarlyStop, RunID: state.RunID, Iteration: iteration, Err: stepErr.Error()})
			break
		}

		publish(o.sink, Event{Type: EventProgress, RunID: state.RunID, Iteration: state.IterationCount,
			Total: opts.MaxIterations, BestScore: state.Score})

		if done, reason := state.IsComplete(opts); done {
			o.logger.Info("optimization complete", "run_id", state.RunID,
				"iterations", state.IterationCount, "score", state.Score, "reason", string(reason))
			break
		}
	}

	result := state.Finalize()
	publish(o.sink, Event{Type: EventCompleted, RunID: state.RunID,
		Iteration: result.Iterations, BestScore: result.FinalScore,
		Message: string(result.StoppedReason)})
	return result, nil
}

// runIteration executes one pass of the protocol: evaluate, check
// target, research, propose, commit.
func (o *Orchestrator) runIteration(ctx context.Context, state *OptimizationState, opts OptimizeOptions, iteration int) error {
	current := state.CurrentConfiguration

	// (1) Evaluate the current configuration, with history if available.
	eval, err := o.evaluator.Evaluate(ctx, current, state.ImprovementHistory)
	if err != nil {
		return fmt.Errorf("evaluate: %w", err)
	}

	patterns := o.analyzer.AnalyzeSamples(eval.Samples)
	state.Patterns = MergePatterns(state.Patterns, patterns)
	assess := o.analyzer.Assess(state.Score, eval.Score, state.ImprovementHistory)
	fb := o.synthesizer.Synthesize(eval, state.Patterns, assess)

	improvement := 0.0
	if state.IterationCount > 0 {
		improvement = eval.Score - state.Score
	}
	step := ImprovementStep{
		Iteration:      iteration,
		Configuration:  current,
		Score:          eval.Score,
		Improvement:    improvement,
		StrategiesUsed: strings.Split(eval.Strategy, "+"),
		Feedback:       fb.Render(),
		Timestamp:      time.Now().UTC(),
	}

	// (2) Target reached: record and stop, no proposal needed.
	if eval.Score >= opts.TargetScore {
		state.Commit(step, opts)
		state.markStopped(StopTargetReached)
		o.saveCheckpoint(state)
		return nil
	}

	// (3) Gather research insights from feedback and patterns.
	insights := append([]string{}, eval.Insights...)
	for _, p := range state.Patterns {
		if p.SuggestedFix != "" {
			insights = append(insights, p.SuggestedFix)
		}
	}
	if assess.Suggestion != "" {
		insights = append(insights, assess.Suggestion)
	}
	if assess.Oscillating {
		insights = append(insights, "oscillation: prefer smaller parameter steps")
	}
	state.ResearchFindings = append(state.ResearchFindings, insights...)

	// (4) Propose a new configuration.
	next, err := o.proposer.Propose(ctx, current, eval, insights)
	if err != nil {
		return fmt.Errorf("propose: %w", err)
	}

	// (5) Commit the step; the proposal becomes the next iteration's
	// configuration.
	state.Commit(step, opts)
	state.CurrentConfiguration = next
	o.saveCheckpoint(state)
	return nil
}

// saveCheckpoint hands the state to the checkpoint callback, if any.
func (o *Orchestrator) saveCheckpoint(state *OptimizationState) {
	if o.checkpoint == nil {
		return
	}
	if err := o.checkpoint(state); err != nil {
		o.logger.Warn("checkpoint failed", "run_id", state.RunID, "error", err)
	}
}

// --- Default collaborators ---

// StrategyEvaluator evaluates a configuration by running the tester and
// scoring the sample results with registry strategies.
type StrategyEvaluator struct {
	Tester      *Tester
	Registry    *Registry
	Samples     []DatasetSample
	Compare     CompareConfig
	Context     EvalContext
	Strategies  []string    // explicit strategy names; empty = auto-select
	Aggregation Aggregation // used when len(Strategies) > 1
	MaxSamples  int
}

// Evaluate runs one configuration test and applies the selected or
// combined strategies.
func (e *StrategyEvaluator) Evaluate(ctx context.Context, cfg Configuration, history []ImprovementStep) (EvaluationResult, error) {
	tr, err := e.Tester.Test(ctx, cfg, e.Samples, TestOptions{
		Compare:     e.Compare,
		MaxSamples:  e.MaxSamples,
		KeepSamples: true,
	})
	if err != nil {
		return EvaluationResult{}, err
	}

	ec := e.Context
	ec.SampleCount = tr.Metrics.SampleCount
	ec.HasGroundTruth = true

	if len(e.Strategies) > 1 {
		return e.Registry.CombineStrategies(ctx, e.Strategies, tr.Samples, cfg, e.Aggregation)
	}
	var s Strategy
	if len(e.Strategies) == 1 {
		var ok bool
		if s, ok = e.Registry.Get(e.Strategies[0]); !ok {
			return EvaluationResult{}, &NoStrategyError{Context: e.Strategies[0]}
		}
	} else {
		if s, err = e.Registry.Select(ec); err != nil {
			return EvaluationResult{}, err
		}
	}
	res, err := s.Evaluate(ctx, tr.Samples, cfg)
	if err != nil {
		return EvaluationResult{}, err
	}
	res.Details = append(res.Details, s.GenerateFeedback(res))
	return res, nil
}

// HeuristicProposer derives the next configuration with simple,
// deterministic rules driven by the insights: fix output formatting
// first, back off temperature on regression or oscillation, switch
// models when the score is far off, otherwise nudge temperature down.
type HeuristicProposer struct {
	CandidateModels  []string
	CandidatePrompts []string
	TemperatureFloor float64
}

// Propose implements Proposer.
func (p *HeuristicProposer) Propose(_ context.Context, current Configuration, eval EvaluationResult, insights []string) (Configuration, error) {
	joined := strings.ToLower(strings.Join(insights, " | "))
	next := current

	switch {
	case strings.Contains(joined, "output") && strings.Contains(joined, "format") || strings.Contains(joined, "unparsable") || strings.Contains(joined, "schema"):
		if alt := nextCandidate(p.CandidatePrompts, current.PromptID); alt != "" {
			next.PromptID = alt
			return next, nil
		}
		next.Temperature = lowerTemp(current.Temperature, 0.5, p.TemperatureFloor)
	case strings.Contains(joined, "regression") || strings.Contains(joined, "oscillation") || strings.Contains(joined, "revert"):
		next.Temperature = lowerTemp(current.Temperature, 0.5, p.TemperatureFloor)
	case eval.Score < 0.5:
		if alt := nextCandidate(p.CandidateModels, current.Model); alt != "" {
			next.Model = alt
			return next, nil
		}
		next.Temperature = lowerTemp(current.Temperature, 0.5, p.TemperatureFloor)
	default:
		next.Temperature = lowerTemp(current.Temperature, 0.8, p.TemperatureFloor)
	}
	return next, nil
}

// nextCandidate returns the candidate after current, wrapping, or ""
// when there is no different candidate.
func nextCandidate(candidates []string, current string) string {
	for i, c := range candidates {
		if c == current {
			alt := candidates[(i+1)%len(candidates)]
			if alt != current {
				return alt
			}
			return ""
		}
	}
	if len(candidates) > 0 && candidates[0] != current {
		return candidates[0]
	}
	return ""
}

func lowerTemp(t, factor, floor float64) float64 {
	next := t * factor
	if next < floor {
		next = floor
	}
	return next
}
