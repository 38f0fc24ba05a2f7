// caliper tunes LLM agent configurations: grid search over parameter
// variations, iterative optimization with convergence detection, and
// pluggable evaluation strategies.
//
// Usage:
//
//	caliper grid run --base <key> --dataset <name> --temperatures 0.1,0.3
//	caliper grid estimate --base <key> --dataset <name> --models gpt-4o,gpt-4o-mini
//	caliper optimize --config <key> --dataset <name> [--resume <run-id>]
//	caliper dataset list
//	caliper config create --key <key> --model <model>
//	caliper serve
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"caliper/internal/logging"
)

// version is set at build time via -ldflags.
var version = "dev"

var rootFlags struct {
	logLevel  string
	logFormat string
	dbPath    string
}

var rootCmd = &cobra.Command{
	Use:   "caliper",
	Short: "Measure and tune LLM agent configurations",
	Long: "Caliper evaluates agent configurations against ground-truth datasets,\n" +
		"sweeps parameter grids, and iteratively optimizes toward a target score.",
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		level, err := logging.ParseLevel(rootFlags.logLevel)
		if err != nil {
			return err
		}
		logging.Init(level, rootFlags.logFormat)
		return nil
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&rootFlags.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	pf.StringVar(&rootFlags.logFormat, "log-format", "text", "Log format (text, json)")
	pf.StringVar(&rootFlags.dbPath, "db", defaultDBPath(), "Store DB path")

	rootCmd.AddCommand(gridCmd)
	rootCmd.AddCommand(optimizeCmd)
	rootCmd.AddCommand(datasetCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.Version = version
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
