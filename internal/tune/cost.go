package tune

// Flat per-sample token estimates used for cost projection. The
// estimate deliberately ignores actual prompt length; it is a known
// approximation, kept coarse so estimates stay comparable across runs.
const (
	estInputTokensPerSample  = 500
	estOutputTokensPerSample = 150
)

// EstimateCost projects the USD cost of running cfg over sampleCount
// samples using the flat per-model token estimate. Returns false when
// the price book has no entry for the model.
func EstimateCost(cfg Configuration, sampleCount int, prices PriceBook) (float64, bool) {
	p, ok := prices.Pricing(cfg.Model)
	if !ok {
		return 0, false
	}
	out := estOutputTokensPerSample
	if cfg.MaxTokens > 0 && cfg.MaxTokens < out {
		out = cfg.MaxTokens
	}
	n := float64(sampleCount)
	cost := n*float64(estInputTokensPerSample)/1000*p.InputPer1K +
		n*float64(out)/1000*p.OutputPer1K
	return cost, true
}
