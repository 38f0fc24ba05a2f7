package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"

	"caliper/internal/agent"
	"caliper/internal/dataset"
	"caliper/internal/pricing"
	"caliper/internal/store"
	"caliper/internal/tune"
)

func newRunID() string { return uuid.NewString() }

// datasetFilters parses NAME[@VERSION][:SPLIT] into dataset filters.
func datasetFilters(spec string) dataset.Filters {
	var f dataset.Filters
	name := spec
	if i := strings.IndexByte(name, ':'); i >= 0 {
		f.Split = name[i+1:]
		name = name[:i]
	}
	if i := strings.IndexByte(name, '@'); i >= 0 {
		f.Version = name[i+1:]
		name = name[:i]
	}
	f.Name = name
	return f
}

func defaultDBPath() string {
	if p := os.Getenv("CALIPER_DB"); p != "" {
		return p
	}
	return store.DefaultDBPath
}

func openStore() (store.Store, error) {
	st, err := store.Open(rootFlags.dbPath)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", rootFlags.dbPath, err)
	}
	return st, nil
}

// loadDatasets returns the embedded datasets plus any user-supplied
// YAML files, which override embedded datasets by name.
func loadDatasets(extraFiles []string) (*dataset.Repository, error) {
	repo, err := dataset.NewRepository()
	if err != nil {
		return nil, err
	}
	for _, f := range extraFiles {
		if _, err := repo.AddFile(f); err != nil {
			return nil, err
		}
	}
	return repo, nil
}

// loadPrices returns the embedded price book, or one parsed from the
// given YAML file.
func loadPrices(file string) (*pricing.Book, error) {
	if file == "" {
		return pricing.Load()
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("read price file: %w", err)
	}
	return pricing.Parse(data)
}

// buildRunner constructs the agent runner named by kind. The "openai"
// runner needs OPENAI_API_KEY; "stub" echoes its input and exists for
// dry runs and demos.
func buildRunner(kind string, st store.Store, rps float64) (tune.AgentRunner, tune.Judge, error) {
	switch kind {
	case "openai":
		client, err := agent.NewOpenAIClientFromEnv()
		if err != nil {
			return nil, nil, err
		}
		runner := agent.NewOpenAIRunner(client, st, st, rps)
		judge := agent.NewLLMJudge(client, "gpt-4o-mini")
		return runner, judge, nil
	case "stub":
		stub := agent.NewStubRunner(nil)
		stub.Fallback = "stub output"
		return stub, nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown agent %q (want openai or stub)", kind)
	}
}

func parseFloats(s string) ([]float64, error) {
	if s == "" {
		return nil, nil
	}
	var out []float64
	for _, part := range strings.Split(s, ",") {
		var f float64
		if _, err := fmt.Sscanf(strings.TrimSpace(part), "%g", &f); err != nil {
			return nil, fmt.Errorf("bad float %q", part)
		}
		out = append(out, f)
	}
	return out, nil
}

func parseInts(s string) ([]int, error) {
	if s == "" {
		return nil, nil
	}
	var out []int
	for _, part := range strings.Split(s, ",") {
		var n int
		if _, err := fmt.Sscanf(strings.TrimSpace(part), "%d", &n); err != nil {
			return nil, fmt.Errorf("bad int %q", part)
		}
		out = append(out, n)
	}
	return out, nil
}

func parseStrings(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
