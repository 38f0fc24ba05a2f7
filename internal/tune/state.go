package tune

// StopReason is the terminal condition of an optimization run. All
// terminal states are absorbing.
type StopReason string

const (
	StopNone          StopReason = ""
	StopTargetReached StopReason = "target-reached"
	StopMaxIterations StopReason = "max-iterations"
	StopConverged     StopReason = "converged"
	StopNoImprovement StopReason = "no-improvement"

	// StopEarly marks runs cut short by an iteration error or
	// cancellation rather than a score-driven condition.
	StopEarly StopReason = "early-stop"
)

// recentScoreWindow is the convergence sliding window size.
const recentScoreWindow = 5

// convergenceMinScores is how many recent scores must be present before
// the variance test applies.
const convergenceMinScores = 3

// noImprovementLimit stops the run after this many consecutive
// sub-threshold improvements.
const noImprovementLimit = 3

// ConvergenceMetrics tracks the recent-score window.
type ConvergenceMetrics struct {
	RecentScores []float64 `json:"recent_scores"` // at most the last 5
	Variance     float64   `json:"variance"`
	Converged    bool      `json:"converged"`
}

// OptimizeOptions are the stopping and acceptance parameters of one run.
type OptimizeOptions struct {
	TargetScore          float64 `json:"target_score"`
	MaxIterations        int     `json:"max_iterations"`
	ConvergenceThreshold float64 `json:"convergence_threshold"` // recent-score variance floor
	MinImprovement       float64 `json:"min_improvement"`       // below this counts toward no-improvement
}

// DefaultOptimizeOptions returns the standard stopping parameters.
func DefaultOptimizeOptions() OptimizeOptions {
	return OptimizeOptions{
		TargetScore:          0.90,
		MaxIterations:        10,
		ConvergenceThreshold: 0.0005,
		MinImprovement:       0.01,
	}
}

// OptimizationState is the run-scoped mutable state of the iterative
// loop. Created at run start, mutated once per accepted iteration by
// Commit, finalized into an OptimizationResult. Single-owner: the
// orchestrator goroutine is the only writer.
type OptimizationState struct {
	RunID                string             `json:"run_id"`
	CurrentConfiguration Configuration      `json:"current_configuration"`
	InitialScore         float64            `json:"initial_score"`
	Score                float64            `json:"score"`
	IterationCount       int                `json:"iteration_count"`
	Feedback             string             `json:"feedback,omitempty"`
	ImprovementHistory   []ImprovementStep  `json:"improvement_history"`
	ResearchFindings     []string           `json:"research_findings,omitempty"`
	Convergence          ConvergenceMetrics `json:"convergence"`
	Patterns             []FailurePattern   `json:"patterns,omitempty"` // accumulated across iterations

	// NoImprovementStreak counts consecutive sub-threshold improvements.
	// Exported so checkpoints survive a resume.
	NoImprovementStreak int `json:"no_improvement_streak,omitempty"`

	stopReason StopReason
}

// NewOptimizationState starts a run at the given configuration.
func NewOptimizationState(runID string, cfg Configuration) *OptimizationState {
	return &OptimizationState{RunID: runID, CurrentConfiguration: cfg}
}

// Commit records one accepted iteration: updates score, feedback,
// configuration, history, the convergence window, and increments
// the strictly monotonic iteration counter.
func (s *OptimizationState) Commit(step ImprovementStep, opts OptimizeOptions) {
	if s.IterationCount == 0 {
		s.InitialScore = step.Score - step.Improvement
	}
	s.IterationCount++
	s.CurrentConfiguration = step.Configuration
	s.Score = step.Score
	s.Feedback = step.Feedback
	s.ImprovementHistory = append(s.ImprovementHistory, step)

	s.Convergence.RecentScores = append(s.Convergence.RecentScores, step.Score)
	if len(s.Convergence.RecentScores) > recentScoreWindow {
		s.Convergence.RecentScores = s.Convergence.RecentScores[len(s.Convergence.RecentScores)-recentScoreWindow:]
	}
	s.Convergence.Variance = variance(s.Convergence.RecentScores)
	if len(s.Convergence.RecentScores) >= convergenceMinScores &&
		s.Convergence.Variance < opts.ConvergenceThreshold {
		s.Convergence.Converged = true
	}

	if step.Improvement < opts.MinImprovement {
		s.NoImprovementStreak++
	} else {
		s.NoImprovementStreak = 0
	}
}

// IsComplete reports whether a terminal condition holds, and which one.
// Exactly four conditions terminate: target reached, max iterations,
// convergence, or three consecutive sub-threshold improvements.
func (s *OptimizationState) IsComplete(opts OptimizeOptions) (bool, StopReason) {
	if s.stopReason != StopNone {
		return true, s.stopReason
	}
	switch {
	case s.IterationCount > 0 && s.Score >= opts.TargetScore:
		s.stopReason = StopTargetReached
	case s.IterationCount >= opts.MaxIterations:
		s.stopReason = StopMaxIterations
	case s.Convergence.Converged:
		s.stopReason = StopConverged
	case s.NoImprovementStreak >= noImprovementLimit:
		s.stopReason = StopNoImprovement
	default:
		return false, StopNone
	}
	return true, s.stopReason
}

// markStopped forces a terminal reason (used for target-reached before
// a step is proposed).
func (s *OptimizationState) markStopped(reason StopReason) {
	if s.stopReason == StopNone {
		s.stopReason = reason
	}
}

// OptimizationResult is the finalized outcome of one run.
type OptimizationResult struct {
	RunID              string            `json:"run_id"`
	FinalConfiguration Configuration     `json:"final_configuration"`
	FinalScore         float64           `json:"final_score"`
	Iterations         int               `json:"iterations"`
	History            []ImprovementStep `json:"history"`
	TotalImprovement   float64           `json:"total_improvement"`
	Converged          bool              `json:"converged"`
	StoppedReason      StopReason        `json:"stopped_reason"`
}

// Finalize freezes the state into a result.
func (s *OptimizationState) Finalize() *OptimizationResult {
	return &OptimizationResult{
		RunID:              s.RunID,
		FinalConfiguration: s.CurrentConfiguration,
		FinalScore:         s.Score,
		Iterations:         s.IterationCount,
		History:            s.ImprovementHistory,
		TotalImprovement:   s.Score - s.InitialScore,
		Converged:          s.Convergence.Converged,
		StoppedReason:      s.stopReason,
	}
}

// variance is the population variance of xs.
func variance(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var mean float64
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	var v float64
	for _, x := range xs {
		d := x - mean
		v += d * d
	}
	return v / float64(len(xs))
}
