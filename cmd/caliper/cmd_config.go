package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"caliper/internal/store"
	"caliper/internal/tune"
)

var configFlags struct {
	model       string
	temperature float64
	maxTokens   int
	promptID    string
	outputType  string
	schemaFile  string
	prompt      string
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage stored agent configurations",
}

var configCreateCmd = &cobra.Command{
	Use:   "create <key>",
	Short: "Create a configuration under the given key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		cfg := tune.Configuration{
			Key:         args[0],
			Model:       configFlags.model,
			Temperature: configFlags.temperature,
			MaxTokens:   configFlags.maxTokens,
			PromptID:    configFlags.promptID,
			OutputType:  configFlags.outputType,
		}
		if configFlags.schemaFile != "" {
			data, err := os.ReadFile(configFlags.schemaFile)
			if err != nil {
				return fmt.Errorf("read schema: %w", err)
			}
			if err := json.Unmarshal(data, &cfg.OutputSchema); err != nil {
				return fmt.Errorf("parse schema: %w", err)
			}
		}
		if err := st.Create(&cfg); err != nil {
			return err
		}
		if configFlags.promptID != "" && configFlags.prompt != "" {
			if _, err := st.SavePrompt(&store.Prompt{PromptID: configFlags.promptID, Template: configFlags.prompt}); err != nil {
				return err
			}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "created %q (%s @ %.2f)\n", cfg.Key, cfg.Model, cfg.Temperature)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show [key]",
	Short: "Show one configuration, or list all of them",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		out := cmd.OutOrStdout()
		if len(args) == 1 {
			cfg, err := st.FindByKey(args[0])
			if err != nil {
				return err
			}
			if cfg == nil {
				return fmt.Errorf("configuration %q not found", args[0])
			}
			data, err := json.MarshalIndent(cfg, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(out, string(data))
			return nil
		}

		configs, err := st.ListConfigurations()
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintf(w, "Key\tModel\tTemp\tMaxTokens\tPrompt\tOutput\n")
		fmt.Fprintf(w, "---\t-----\t----\t---------\t------\t------\n")
		for _, cfg := range configs {
			fmt.Fprintf(w, "%s\t%s\t%.2f\t%d\t%s\t%s\n",
				cfg.Key, cfg.Model, cfg.Temperature, cfg.MaxTokens, cfg.PromptID, cfg.OutputType)
		}
		return w.Flush()
	},
}

var configDeleteCmd = &cobra.Command{
	Use:   "delete <key>",
	Short: "Delete a configuration",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.DeleteByKey(args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted %q\n", args[0])
		return nil
	},
}

var configRunsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recorded grid-search and optimization runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		runs, err := st.ListRuns()
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintf(w, "RunID\tKind\tBase\tStatus\tBest\tStarted\n")
		fmt.Fprintf(w, "-----\t----\t----\t------\t----\t-------\n")
		for _, r := range runs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.3f\t%s\n",
				r.RunID, r.Kind, r.BaseKey, r.Status, r.BestScore, r.StartedAt)
		}
		return w.Flush()
	},
}

func init() {
	f := configCreateCmd.Flags()
	f.StringVar(&configFlags.model, "model", "gpt-4o-mini", "Model name")
	f.Float64Var(&configFlags.temperature, "temperature", 0.2, "Sampling temperature")
	f.IntVar(&configFlags.maxTokens, "max-tokens", 1024, "Completion token cap")
	f.StringVar(&configFlags.promptID, "prompt-id", "", "Prompt template ID")
	f.StringVar(&configFlags.outputType, "output-type", "text", "Expected output type (number, json, text)")
	f.StringVar(&configFlags.schemaFile, "schema", "", "JSON schema file for json output")
	f.StringVar(&configFlags.prompt, "prompt", "", "Prompt template text to store under --prompt-id")

	configCmd.AddCommand(configCreateCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configDeleteCmd)
	configCmd.AddCommand(configRunsCmd)
}
