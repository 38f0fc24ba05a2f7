package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"caliper/internal/report"
	"caliper/internal/tune"
)

var gridFlags struct {
	specFile     string
	baseKey      string
	datasetName  string
	datasetFiles []string
	models       string
	temperatures string
	promptIDs    string
	maxTokens    string
	compareMode  string
	maxSamples   int
	maxCost      float64
	agent        string
	rps          float64
	priceFile    string
	format       string
	showBill     bool
}

var gridCmd = &cobra.Command{
	Use:   "grid",
	Short: "Grid search over configuration variations",
	Long: `Grid search enumerates the Cartesian product of the given parameter
axes, tests every combination against a dataset, and ranks the results
against the stored baseline configuration.`,
}

var gridRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute a grid search and print the leaderboard",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runGrid(cmd, false)
	},
}

var gridEstimateCmd = &cobra.Command{
	Use:   "estimate",
	Short: "Estimate the cost of a grid search without executing it",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runGrid(cmd, true)
	},
}

func init() {
	for _, c := range []*cobra.Command{gridRunCmd, gridEstimateCmd} {
		f := c.Flags()
		f.StringVar(&gridFlags.specFile, "spec", "", "YAML grid spec file (flags override its fields)")
		f.StringVar(&gridFlags.baseKey, "base", "", "Key of the stored baseline configuration")
		f.StringVar(&gridFlags.datasetName, "dataset", "", "Dataset name")
		f.StringSliceVar(&gridFlags.datasetFiles, "dataset-file", nil, "Extra dataset YAML file (repeatable)")
		f.StringVar(&gridFlags.models, "models", "", "Comma-separated model axis")
		f.StringVar(&gridFlags.temperatures, "temperatures", "", "Comma-separated temperature axis")
		f.StringVar(&gridFlags.promptIDs, "prompts", "", "Comma-separated prompt ID axis")
		f.StringVar(&gridFlags.maxTokens, "max-tokens", "", "Comma-separated max-token axis")
		f.StringVar(&gridFlags.compareMode, "compare", "", "Comparison mode (exact, numeric, llm, auto; default numeric)")
		f.IntVar(&gridFlags.maxSamples, "max-samples", 0, "Cap on samples per configuration (0 = all)")
		f.Float64Var(&gridFlags.maxCost, "max-cost", 0, "Hard budget in dollars (0 = unlimited)")
		f.StringVar(&gridFlags.agent, "agent", "openai", "Agent runner (openai, stub)")
		f.Float64Var(&gridFlags.rps, "rps", 2, "Agent request rate limit per second (0 = unlimited)")
		f.StringVar(&gridFlags.priceFile, "prices", "", "Price book YAML (default embedded)")
		f.StringVar(&gridFlags.format, "format", "ascii", "Table format (ascii, markdown)")
		f.BoolVar(&gridFlags.showBill, "bill", false, "Print the per-combination cost breakdown")
	}
	gridCmd.AddCommand(gridRunCmd)
	gridCmd.AddCommand(gridEstimateCmd)
}

// gridParams merges the optional YAML spec file with the flags; a flag
// set on the command line wins.
func gridParams() (tune.GridParams, error) {
	var params tune.GridParams
	if gridFlags.specFile != "" {
		data, err := os.ReadFile(gridFlags.specFile)
		if err != nil {
			return params, fmt.Errorf("read grid spec: %w", err)
		}
		if err := yaml.Unmarshal(data, &params); err != nil {
			return params, fmt.Errorf("parse grid spec: %w", err)
		}
	}
	if gridFlags.baseKey != "" {
		params.BaseKey = gridFlags.baseKey
	}
	if gridFlags.models != "" {
		params.Variations.Models = parseStrings(gridFlags.models)
	}
	if gridFlags.promptIDs != "" {
		params.Variations.PromptIDs = parseStrings(gridFlags.promptIDs)
	}
	if gridFlags.temperatures != "" {
		temps, err := parseFloats(gridFlags.temperatures)
		if err != nil {
			return params, err
		}
		params.Variations.Temperatures = temps
	}
	if gridFlags.maxTokens != "" {
		toks, err := parseInts(gridFlags.maxTokens)
		if err != nil {
			return params, err
		}
		params.Variations.MaxTokens = toks
	}
	if gridFlags.compareMode != "" {
		params.Compare.Mode = tune.CompareMode(gridFlags.compareMode)
	}
	if params.Compare.Mode == "" {
		params.Compare.Mode = tune.CompareNumeric
	}
	if gridFlags.maxSamples > 0 {
		params.MaxSamples = gridFlags.maxSamples
	}
	if gridFlags.maxCost > 0 {
		params.MaxEstimatedCost = gridFlags.maxCost
	}
	return params, nil
}

func runGrid(cmd *cobra.Command, estimateOnly bool) error {
	params, err := gridParams()
	if err != nil {
		return err
	}
	params.EstimateOnly = estimateOnly

	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	datasets, err := loadDatasets(gridFlags.datasetFiles)
	if err != nil {
		return err
	}
	samples, err := datasets.FindMany(datasetFilters(gridFlags.datasetName))
	if err != nil {
		return err
	}
	prices, err := loadPrices(gridFlags.priceFile)
	if err != nil {
		return err
	}
	runner, judge, err := buildRunner(gridFlags.agent, st, gridFlags.rps)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	sink := tune.SinkFunc(func(e tune.Event) {
		if e.Type == tune.EventProgress {
			fmt.Fprintf(cmd.ErrOrStderr(), "tested %d/%d (best %.3f)\n", e.Completed, e.Total, e.BestScore)
		}
	})

	tester := tune.NewTester(runner, tune.NewComparator(judge), st, prices)
	grid := tune.NewGridSearch(tester, st, prices, sink)

	res, err := grid.Run(cmd.Context(), params, samples)
	if err != nil {
		return err
	}

	if res.EstimateOnly {
		fmt.Fprintf(out, "%d combinations x %d samples, estimated cost %s\n",
			res.Combinations, len(samples), fmtDollars(res.EstimatedCost))
		return nil
	}

	mode := tableMode(gridFlags.format)
	fmt.Fprint(out, report.Leaderboard(res, mode))
	fmt.Fprintln(out)
	fmt.Fprint(out, report.Impact(res.Impact, mode))
	if gridFlags.showBill {
		combos := make([]tune.Configuration, 0, len(res.Results))
		for _, tr := range res.Results {
			combos = append(combos, tr.Configuration)
		}
		fmt.Fprintln(out)
		fmt.Fprint(out, report.Bill(combos, len(samples), prices, mode))
	}
	return nil
}

func tableMode(format string) report.Mode {
	if format == "markdown" {
		return report.Markdown
	}
	return report.ASCII
}

func fmtDollars(c float64) string {
	return fmt.Sprintf("$%.4f", c)
}
