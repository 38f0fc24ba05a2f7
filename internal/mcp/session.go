package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"caliper/internal/dataset"
	"caliper/internal/logging"
	"caliper/internal/store"
	"caliper/internal/tune"
)

// SessionState tracks the lifecycle of one run session.
type SessionState string

const (
	StateRunning SessionState = "running"
	StateDone    SessionState = "done"
	StateError   SessionState = "error"
)

// progressLog is a thread-safe, append-only event log. The client
// polls it with get_progress.
type progressLog struct {
	mu     sync.Mutex
	events []tune.Event
}

func (l *progressLog) Publish(e tune.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

// Since returns events from idx onward (0-based).
func (l *progressLog) Since(idx int) []tune.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	if idx < 0 {
		idx = 0
	}
	if idx >= len(l.events) {
		return nil
	}
	out := make([]tune.Event, len(l.events)-idx)
	copy(out, l.events[idx:])
	return out
}

func (l *progressLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

// Deps are the collaborators a session needs to run.
type Deps struct {
	Store    store.Store
	Datasets *dataset.Repository
	Prices   tune.PriceBook
	Runner   tune.AgentRunner
	Judge    tune.Judge
}

// Session holds the state of one grid-search or optimization run
// driven by MCP tool calls. The engine runs in a goroutine; tool
// handlers poll.
type Session struct {
	ID   string
	Kind string // "grid" or "optimize"
	Log  *progressLog

	state       SessionState
	sampleCount int
	gridResult  *tune.GridSearchResult
	optResult   *tune.OptimizationResult
	err         error
	doneCh      chan struct{}
	cancel      context.CancelFunc
	logger      *slog.Logger

	mu sync.Mutex
}

func newSession(kind string) (*Session, context.Context) {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		ID:     uuid.NewString(),
		Kind:   kind,
		Log:    &progressLog{},
		state:  StateRunning,
		doneCh: make(chan struct{}),
		cancel: cancel,
		logger: logging.New("mcp-session"),
	}, ctx
}

// GridInput mirrors the start_grid_search tool arguments.
type GridInput struct {
	BaseKey          string    `json:"base_key"`
	Dataset          string    `json:"dataset"`
	Models           []string  `json:"models,omitempty"`
	Temperatures     []float64 `json:"temperatures,omitempty"`
	PromptIDs        []string  `json:"prompt_ids,omitempty"`
	MaxTokens        []int     `json:"max_tokens,omitempty"`
	CompareMode      string    `json:"compare_mode"`
	MaxSamples       int       `json:"max_samples,omitempty"`
	EstimateOnly     bool      `json:"estimate_only,omitempty"`
	MaxEstimatedCost float64   `json:"max_estimated_cost,omitempty"`
}

// NewGridSession resolves the dataset, records the run, and spawns the
// grid search goroutine.
func NewGridSession(deps Deps, input GridInput) (*Session, error) {
	samples, err := deps.Datasets.FindMany(dataset.Filters{Name: input.Dataset})
	if err != nil {
		return nil, err
	}

	sess, ctx := newSession("grid")
	sess.sampleCount = len(samples)
	params := tune.GridParams{
		BaseKey: input.BaseKey,
		Variations: tune.Variations{
			Models:       input.Models,
			Temperatures: input.Temperatures,
			PromptIDs:    input.PromptIDs,
			MaxTokens:    input.MaxTokens,
		},
		Compare:          tune.CompareConfig{Mode: tune.CompareMode(input.CompareMode)},
		MaxSamples:       input.MaxSamples,
		EstimateOnly:     input.EstimateOnly,
		MaxEstimatedCost: input.MaxEstimatedCost,
	}

	tester := tune.NewTester(deps.Runner, tune.NewComparator(deps.Judge), deps.Store, deps.Prices)
	grid := tune.NewGridSearch(tester, deps.Store, deps.Prices, sess.Log)

	if _, err := deps.Store.CreateRun(&store.Run{RunID: sess.ID, Kind: "grid", BaseKey: input.BaseKey}); err != nil {
		sess.cancel()
		return nil, fmt.Errorf("record run: %w", err)
	}

	go sess.runGrid(ctx, deps, grid, params, samples)
	return sess, nil
}

func (s *Session) runGrid(ctx context.Context, deps Deps, grid *tune.GridSearch, params tune.GridParams, samples []tune.DatasetSample) {
	defer close(s.doneCh)
	defer s.cancel()

	res, err := grid.Run(ctx, params, samples)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.state = StateError
		s.err = err
		s.finishRun(deps, "failed", 0)
		s.logger.Error("grid search failed", "session", s.ID, "error", err)
		return
	}
	s.state = StateDone
	s.gridResult = res
	best := 0.0
	if len(res.Results) > 0 {
		best = res.Results[0].Metrics.Score
	}
	status := "completed"
	if res.Stopped {
		status = "stopped"
	}
	s.finishRun(deps, status, best)
	s.logger.Info("grid search complete", "session", s.ID, "combinations", res.Combinations, "best", best)
}

// OptimizeInput mirrors the start_optimization tool arguments.
type OptimizeInput struct {
	ConfigKey       string   `json:"config_key"`
	Dataset         string   `json:"dataset"`
	CompareMode     string   `json:"compare_mode"`
	TargetScore     float64  `json:"target_score,omitempty"`
	MaxIterations   int      `json:"max_iterations,omitempty"`
	MaxSamples      int      `json:"max_samples,omitempty"`
	Strategies      []string `json:"strategies,omitempty"`
	Aggregation     string   `json:"aggregation,omitempty"`
	CandidateModels []string `json:"candidate_models,omitempty"`
	ResumeRunID     string   `json:"resume_run_id,omitempty"`
}

// NewOptimizeSession builds the evaluate/propose loop and spawns it.
// With ResumeRunID set, the checkpointed state is loaded and continued.
func NewOptimizeSession(deps Deps, input OptimizeInput) (*Session, error) {
	cfg, err := deps.Store.FindByKey(input.ConfigKey)
	if err != nil {
		return nil, fmt.Errorf("load configuration %q: %w", input.ConfigKey, err)
	}
	if cfg == nil {
		return nil, fmt.Errorf("configuration %q not found", input.ConfigKey)
	}
	samples, err := deps.Datasets.FindMany(dataset.Filters{Name: input.Dataset})
	if err != nil {
		return nil, err
	}

	var state *tune.OptimizationState
	if input.ResumeRunID != "" {
		payload, err := deps.Store.GetCheckpoint(input.ResumeRunID)
		if err != nil {
			return nil, fmt.Errorf("load checkpoint %q: %w", input.ResumeRunID, err)
		}
		if payload == nil {
			return nil, fmt.Errorf("no checkpoint for run %q", input.ResumeRunID)
		}
		state = &tune.OptimizationState{}
		if err := json.Unmarshal(payload, state); err != nil {
			return nil, fmt.Errorf("decode checkpoint %q: %w", input.ResumeRunID, err)
		}
	}

	opts := tune.DefaultOptimizeOptions()
	if input.TargetScore > 0 {
		opts.TargetScore = input.TargetScore
	}
	if input.MaxIterations > 0 {
		opts.MaxIterations = input.MaxIterations
	}

	sess, ctx := newSession("optimize")
	sess.sampleCount = len(samples)
	if state != nil {
		// A resumed session adopts the run's ID so progress, the run
		// record, and checkpoints stay under one key.
		sess.ID = state.RunID
	} else {
		state = tune.NewOptimizationState(sess.ID, *cfg)
	}

	tester := tune.NewTester(deps.Runner, tune.NewComparator(deps.Judge), deps.Store, deps.Prices)
	registry := tune.NewRegistry()
	registry.SetDefault("fact-based")
	if deps.Judge != nil {
		registry.Register(tune.NewJudgeStrategy(deps.Judge))
	}
	evaluator := &tune.StrategyEvaluator{
		Tester:   tester,
		Registry: registry,
		Samples:  samples,
		Compare:  tune.CompareConfig{Mode: tune.CompareMode(input.CompareMode)},
		Context: tune.EvalContext{
			OutputType:     cfg.OutputType,
			HasGroundTruth: true,
			SampleCount:    len(samples),
		},
		Strategies:  input.Strategies,
		Aggregation: tune.Aggregation{Method: tune.AggregationMethod(input.Aggregation)},
		MaxSamples:  input.MaxSamples,
	}
	proposer := &tune.HeuristicProposer{
		CandidateModels:  input.CandidateModels,
		TemperatureFloor: 0.05,
	}
	checkpoint := func(state *tune.OptimizationState) error {
		blob, err := json.Marshal(state)
		if err != nil {
			return err
		}
		return deps.Store.SaveCheckpoint(state.RunID, blob)
	}

	orch := tune.NewOrchestrator(evaluator, proposer, nil, sess.Log, checkpoint)

	if input.ResumeRunID == "" {
		if _, err := deps.Store.CreateRun(&store.Run{RunID: sess.ID, Kind: "optimize", BaseKey: input.ConfigKey}); err != nil {
			sess.cancel()
			return nil, fmt.Errorf("record run: %w", err)
		}
	}

	go sess.runOptimize(ctx, deps, orch, state, opts)
	return sess, nil
}

func (s *Session) runOptimize(ctx context.Context, deps Deps, orch *tune.Orchestrator, state *tune.OptimizationState, opts tune.OptimizeOptions) {
	defer close(s.doneCh)
	defer s.cancel()

	res, err := orch.Resume(ctx, state, opts)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.state = StateError
		s.err = err
		s.finishRun(deps, "failed", 0)
		s.logger.Error("optimization failed", "session", s.ID, "error", err)
		return
	}
	s.state = StateDone
	s.optResult = res
	s.finishRun(deps, "completed", res.FinalScore)
	s.logger.Info("optimization complete", "session", s.ID,
		"iterations", res.Iterations, "score", res.FinalScore, "reason", string(res.StoppedReason))
}

// finishRun updates the persistent run record. Called with s.mu held.
func (s *Session) finishRun(deps Deps, status string, best float64) {
	if err := deps.Store.FinishRun(s.ID, status, best); err != nil {
		s.logger.Warn("finish run record failed", "session", s.ID, "error", err)
	}
}

// State returns the current session state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// GridResult returns the grid result, or nil if not done.
func (s *Session) GridResult() *tune.GridSearchResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gridResult
}

// OptimizeResult returns the optimization result, or nil if not done.
func (s *Session) OptimizeResult() *tune.OptimizationResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.optResult
}

// Err returns the terminal error, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done closes when the run finishes.
func (s *Session) Done() <-chan struct{} { return s.doneCh }

// Cancel terminates the runner goroutine.
func (s *Session) Cancel() {
	if s.cancel != nil {
		s.cancel()
	}
}

// WaitDone blocks until the session finishes or the timeout elapses.
func (s *Session) WaitDone(timeout time.Duration) bool {
	select {
	case <-s.doneCh:
		return true
	case <-time.After(timeout):
		return false
	}
}
