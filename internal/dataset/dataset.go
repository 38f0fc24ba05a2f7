// Package dataset loads labeled ground-truth datasets for configuration
// testing: YAML files embedded in the binary plus user-supplied files.
package dataset

import (
	"embed"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"caliper/internal/tune"
)

//go:embed datasets/*.yaml
var datasetFS embed.FS

// Dataset is one labeled dataset with its identifying metadata.
type Dataset struct {
	Name        string               `yaml:"name"`
	Version     string               `yaml:"version"`
	Split       string               `yaml:"split"` // "train", "eval"
	Description string               `yaml:"description,omitempty"`
	Samples     []tune.DatasetSample `yaml:"samples"`
}

// Filters narrows a sample query. Zero values match everything;
// Limit 0 means no cap.
type Filters struct {
	Name    string
	Version string
	Split   string
	Limit   int
}

// Repository resolves datasets by name and serves filtered samples.
type Repository struct {
	datasets map[string]*Dataset
}

// NewRepository loads every embedded dataset.
func NewRepository() (*Repository, error) {
	r := &Repository{datasets: make(map[string]*Dataset)}
	entries, err := datasetFS.ReadDir("datasets")
	if err != nil {
		return nil, fmt.Errorf("read embedded datasets: %w", err)
	}
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		data, err := datasetFS.ReadFile("datasets/" + e.Name())
		if err != nil {
			return nil, fmt.Errorf("read dataset %s: %w", e.Name(), err)
		}
		ds, err := parse(data)
		if err != nil {
			return nil, fmt.Errorf("dataset %s: %w", e.Name(), err)
		}
		r.datasets[ds.Name] = ds
	}
	return r, nil
}

// AddFile loads a user-supplied dataset file into the repository,
// overriding an embedded dataset with the same name.
func (r *Repository) AddFile(path string) (*Dataset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read dataset file: %w", err)
	}
	ds, err := parse(data)
	if err != nil {
		return nil, fmt.Errorf("dataset %s: %w", path, err)
	}
	r.datasets[ds.Name] = ds
	return ds, nil
}

func parse(data []byte) (*Dataset, error) {
	var ds Dataset
	if err := yaml.Unmarshal(data, &ds); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	if ds.Name == "" {
		return nil, fmt.Errorf("dataset has no name")
	}
	if len(ds.Samples) == 0 {
		return nil, fmt.Errorf("dataset %q has no samples", ds.Name)
	}
	return &ds, nil
}

// Get returns a dataset by name, or nil.
func (r *Repository) Get(name string) *Dataset {
	return r.datasets[name]
}

// List returns all datasets sorted by name.
func (r *Repository) List() []*Dataset {
	out := make([]*Dataset, 0, len(r.datasets))
	for _, ds := range r.datasets {
		out = append(out, ds)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// FindMany returns the samples matching the filters. A named dataset
// that does not exist is an error; version or split mismatches yield
// an empty result.
func (r *Repository) FindMany(f Filters) ([]tune.DatasetSample, error) {
	var candidates []*Dataset
	if f.Name != "" {
		ds := r.datasets[f.Name]
		if ds == nil {
			return nil, fmt.Errorf("dataset %q not found", f.Name)
		}
		candidates = []*Dataset{ds}
	} else {
		candidates = r.List()
	}

	var out []tune.DatasetSample
	for _, ds := range candidates {
		if f.Version != "" && ds.Version != f.Version {
			continue
		}
		if f.Split != "" && ds.Split != f.Split {
			continue
		}
		out = append(out, ds.Samples...)
	}
	if f.Limit > 0 && f.Limit < len(out) {
		out = out[:f.Limit]
	}
	return out, nil
}
