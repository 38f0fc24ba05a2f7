// Package agent provides the execution side of configuration testing:
// runners that invoke the scoring agent and the LLM judge used for
// semantic comparison.
package agent

import (
	"context"
	"fmt"
	"sync"

	"caliper/internal/tune"
)

// StubRunner is a deterministic tune.AgentRunner for tests and dry
// runs. Outputs maps inputs to canned replies; unknown inputs return
// Fallback, or an error when Fallback is empty.
type StubRunner struct {
	mu       sync.Mutex
	Outputs  map[string]string
	Fallback string
	calls    int
}

// NewStubRunner creates a stub with the given canned outputs.
func NewStubRunner(outputs map[string]string) *StubRunner {
	return &StubRunner{Outputs: outputs}
}

// Run implements tune.AgentRunner.
func (r *StubRunner) Run(ctx context.Context, input, configKey string) (tune.RunOutput, error) {
	if err := ctx.Err(); err != nil {
		return tune.RunOutput{}, err
	}
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()

	if out, ok := r.Outputs[input]; ok {
		return tune.RunOutput{Output: out, Metadata: map[string]any{"stub": true, "config": configKey}}, nil
	}
	if r.Fallback != "" {
		return tune.RunOutput{Output: r.Fallback, Metadata: map[string]any{"stub": true, "config": configKey}}, nil
	}
	return tune.RunOutput{}, fmt.Errorf("stub runner: no canned output for input %q", input)
}

// Calls reports how many times Run was invoked.
func (r *StubRunner) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}
