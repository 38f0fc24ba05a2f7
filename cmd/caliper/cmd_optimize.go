package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"caliper/internal/report"
	"caliper/internal/tune"
)

var optimizeFlags struct {
	configKey       string
	datasetName     string
	datasetFiles    []string
	compareMode     string
	targetScore     float64
	maxIterations   int
	maxSamples      int
	strategies      string
	aggregation     string
	candidateModels string
	resumeRunID     string
	agent           string
	rps             float64
	priceFile       string
	format          string
	apply           bool
}

var optimizeCmd = &cobra.Command{
	Use:   "optimize",
	Short: "Iteratively optimize a stored configuration toward a target score",
	Long: `Optimize runs the evaluate/propose loop on a stored configuration until
the target score is reached, the iteration cap is hit, the score
converges, or three consecutive iterations fail to improve. State is
checkpointed after every iteration; interrupt and continue later with
--resume <run-id>.`,
	RunE: runOptimize,
}

func init() {
	f := optimizeCmd.Flags()
	f.StringVar(&optimizeFlags.configKey, "config", "", "Key of the stored configuration to optimize")
	f.StringVar(&optimizeFlags.datasetName, "dataset", "", "Dataset name")
	f.StringSliceVar(&optimizeFlags.datasetFiles, "dataset-file", nil, "Extra dataset YAML file (repeatable)")
	f.StringVar(&optimizeFlags.compareMode, "compare", "numeric", "Comparison mode (exact, numeric, llm, auto)")
	f.Float64Var(&optimizeFlags.targetScore, "target", 0, "Stop once this score is reached (default 0.90)")
	f.IntVar(&optimizeFlags.maxIterations, "max-iterations", 0, "Iteration cap (default 10)")
	f.IntVar(&optimizeFlags.maxSamples, "max-samples", 0, "Cap on samples per iteration (0 = all)")
	f.StringVar(&optimizeFlags.strategies, "strategies", "", "Comma-separated strategy names; empty = auto-select")
	f.StringVar(&optimizeFlags.aggregation, "aggregation", "weighted", "Multi-strategy aggregation (weighted, voting, ensemble)")
	f.StringVar(&optimizeFlags.candidateModels, "candidate-models", "", "Comma-separated models the proposer may switch to")
	f.StringVar(&optimizeFlags.resumeRunID, "resume", "", "Run ID of a checkpointed run to continue")
	f.StringVar(&optimizeFlags.agent, "agent", "openai", "Agent runner (openai, stub)")
	f.Float64Var(&optimizeFlags.rps, "rps", 2, "Agent request rate limit per second (0 = unlimited)")
	f.StringVar(&optimizeFlags.priceFile, "prices", "", "Price book YAML (default embedded)")
	f.StringVar(&optimizeFlags.format, "format", "ascii", "Table format (ascii, markdown)")
	f.BoolVar(&optimizeFlags.apply, "apply", false, "Update the stored configuration with the optimized one")
}

func runOptimize(cmd *cobra.Command, _ []string) error {
	if optimizeFlags.configKey == "" && optimizeFlags.resumeRunID == "" {
		return fmt.Errorf("--config or --resume is required")
	}

	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	datasets, err := loadDatasets(optimizeFlags.datasetFiles)
	if err != nil {
		return err
	}
	samples, err := datasets.FindMany(datasetFilters(optimizeFlags.datasetName))
	if err != nil {
		return err
	}
	prices, err := loadPrices(optimizeFlags.priceFile)
	if err != nil {
		return err
	}
	runner, judge, err := buildRunner(optimizeFlags.agent, st, optimizeFlags.rps)
	if err != nil {
		return err
	}

	// Load either the checkpointed state or a fresh one from the
	// stored configuration.
	var state *tune.OptimizationState
	if optimizeFlags.resumeRunID != "" {
		blob, err := st.GetCheckpoint(optimizeFlags.resumeRunID)
		if err != nil {
			return err
		}
		if blob == nil {
			return fmt.Errorf("no checkpoint for run %q", optimizeFlags.resumeRunID)
		}
		state = &tune.OptimizationState{}
		if err := json.Unmarshal(blob, state); err != nil {
			return fmt.Errorf("decode checkpoint: %w", err)
		}
	} else {
		cfg, err := st.FindByKey(optimizeFlags.configKey)
		if err != nil {
			return err
		}
		if cfg == nil {
			return fmt.Errorf("configuration %q not found", optimizeFlags.configKey)
		}
		state = tune.NewOptimizationState(newRunID(), *cfg)
	}

	opts := tune.DefaultOptimizeOptions()
	if optimizeFlags.targetScore > 0 {
		opts.TargetScore = optimizeFlags.targetScore
	}
	if optimizeFlags.maxIterations > 0 {
		opts.MaxIterations = optimizeFlags.maxIterations
	}

	registry := tune.NewRegistry()
	registry.SetDefault("fact-based")
	if judge != nil {
		registry.Register(tune.NewJudgeStrategy(judge))
	}
	evaluator := &tune.StrategyEvaluator{
		Tester:   tune.NewTester(runner, tune.NewComparator(judge), st, prices),
		Registry: registry,
		Samples:  samples,
		Compare:  tune.CompareConfig{Mode: tune.CompareMode(optimizeFlags.compareMode)},
		Context: tune.EvalContext{
			OutputType:     state.CurrentConfiguration.OutputType,
			HasGroundTruth: true,
			SampleCount:    len(samples),
		},
		Strategies:  parseStrings(optimizeFlags.strategies),
		Aggregation: tune.Aggregation{Method: tune.AggregationMethod(optimizeFlags.aggregation)},
		MaxSamples:  optimizeFlags.maxSamples,
	}
	proposer := &tune.HeuristicProposer{
		CandidateModels:  parseStrings(optimizeFlags.candidateModels),
		TemperatureFloor: 0.05,
	}
	checkpoint := func(s *tune.OptimizationState) error {
		blob, err := json.Marshal(s)
		if err != nil {
			return err
		}
		return st.SaveCheckpoint(s.RunID, blob)
	}
	sink := tune.SinkFunc(func(e tune.Event) {
		if e.Type == tune.EventProgress {
			fmt.Fprintf(cmd.ErrOrStderr(), "iteration %d/%d score %.3f\n", e.Iteration, e.Total, e.BestScore)
		}
	})

	orch := tune.NewOrchestrator(evaluator, proposer, nil, sink, checkpoint)
	res, err := orch.Resume(cmd.Context(), state, opts)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprint(out, report.OptimizationSummary(res, tableMode(optimizeFlags.format)))
	fmt.Fprintf(out, "resume with: caliper optimize --resume %s\n", res.RunID)

	if optimizeFlags.apply && optimizeFlags.configKey != "" {
		final := res.FinalConfiguration
		final.Key = optimizeFlags.configKey
		if err := st.Update(&final); err != nil {
			return fmt.Errorf("apply optimized configuration: %w", err)
		}
		fmt.Fprintf(out, "updated configuration %q\n", optimizeFlags.configKey)
	}
	return nil
}
