package tune

import "fmt"

// ConfigurationError signals a missing or invalid required parameter.
// Fatal; never retried.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

// BudgetExceededError signals that the estimated cost is over an
// enforced hard limit. Raised before any execution starts.
type BudgetExceededError struct {
	Estimated float64
	Limit     float64
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("estimated cost $%.4f exceeds budget $%.4f", e.Estimated, e.Limit)
}

// NoStrategyError signals that no evaluation strategy is applicable and
// the registry has no default.
type NoStrategyError struct {
	Context string
}

func (e *NoStrategyError) Error() string {
	return fmt.Sprintf("no applicable evaluation strategy for context %q", e.Context)
}

// IterationError wraps a failure inside one optimization iteration.
// Fatal only on iteration 1; later iterations stop the loop early and
// keep the prior valid state.
type IterationError struct {
	Iteration int
	Err       error
}

func (e *IterationError) Error() string {
	return fmt.Sprintf("optimization iteration %d: %v", e.Iteration, e.Err)
}

func (e *IterationError) Unwrap() error { return e.Err }
