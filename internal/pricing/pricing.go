// Package pricing holds the per-model token price book used for cost
// estimation. Unknown models are recoverable: lookups report absence
// instead of failing.
package pricing

import (
	"embed"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"

	"caliper/internal/tune"
)

//go:embed prices.yaml
var pricesFS embed.FS

// Book is a loaded price table. Implements tune.PriceBook.
type Book struct {
	prices map[string]tune.Pricing
}

type priceFile struct {
	Models map[string]struct {
		InputPer1K  float64 `yaml:"input_per_1k"`
		OutputPer1K float64 `yaml:"output_per_1k"`
	} `yaml:"models"`
}

// Load reads the embedded price book.
func Load() (*Book, error) {
	data, err := pricesFS.ReadFile("prices.yaml")
	if err != nil {
		return nil, fmt.Errorf("read embedded prices: %w", err)
	}
	return parse(data)
}

// Parse loads a price book from raw YAML, for user-supplied tables.
func Parse(data []byte) (*Book, error) { return parse(data) }

func parse(data []byte) (*Book, error) {
	var pf priceFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("parse price book: %w", err)
	}
	b := &Book{prices: make(map[string]tune.Pricing, len(pf.Models))}
	for model, p := range pf.Models {
		b.prices[model] = tune.Pricing{InputPer1K: p.InputPer1K, OutputPer1K: p.OutputPer1K}
	}
	return b, nil
}

// Pricing implements tune.PriceBook.
func (b *Book) Pricing(model string) (tune.Pricing, bool) {
	p, ok := b.prices[model]
	return p, ok
}

// Models lists the priced models, sorted.
func (b *Book) Models() []string {
	out := make([]string, 0, len(b.prices))
	for m := range b.prices {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}
