package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var datasetFlags struct {
	files []string
	limit int
}

var datasetCmd = &cobra.Command{
	Use:   "dataset",
	Short: "Inspect the evaluation datasets",
	Long:  "List and preview the embedded ground-truth datasets, plus any user-supplied YAML files.",
}

var datasetListCmd = &cobra.Command{
	Use:   "list",
	Short: "List available datasets",
	RunE: func(cmd *cobra.Command, _ []string) error {
		repo, err := loadDatasets(datasetFlags.files)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintf(w, "Name\tVersion\tSplit\tSamples\tDescription\n")
		fmt.Fprintf(w, "----\t-------\t-----\t-------\t-----------\n")
		for _, ds := range repo.List() {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
				ds.Name, ds.Version, ds.Split, len(ds.Samples), firstLine(ds.Description))
		}
		return w.Flush()
	},
}

var datasetShowCmd = &cobra.Command{
	Use:   "show <name>",
	Short: "Print the samples of one dataset",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, err := loadDatasets(datasetFlags.files)
		if err != nil {
			return err
		}
		ds := repo.Get(args[0])
		if ds == nil {
			return fmt.Errorf("dataset %q not found", args[0])
		}

		samples := ds.Samples
		if datasetFlags.limit > 0 && len(samples) > datasetFlags.limit {
			samples = samples[:datasetFlags.limit]
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s %s (%s), %d samples\n\n", ds.Name, ds.Version, ds.Split, len(ds.Samples))
		for i, s := range samples {
			fmt.Fprintf(out, "%3d. input:    %s\n", i+1, s.Input)
			fmt.Fprintf(out, "     expected: %v\n", s.Expected)
		}
		if len(samples) < len(ds.Samples) {
			fmt.Fprintf(out, "\n(%d more)\n", len(ds.Samples)-len(samples))
		}
		return nil
	},
}

func init() {
	datasetCmd.PersistentFlags().StringSliceVar(&datasetFlags.files, "file", nil, "Extra dataset YAML file (repeatable)")
	datasetShowCmd.Flags().IntVar(&datasetFlags.limit, "limit", 0, "Show at most this many samples (0 = all)")
	datasetCmd.AddCommand(datasetListCmd)
	datasetCmd.AddCommand(datasetShowCmd)
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}
