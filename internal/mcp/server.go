package mcp

import (
	"context"
	"fmt"
	"sync"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"caliper/internal/logging"
	"caliper/internal/report"
	"caliper/internal/tune"
)

// Server wraps the MCP SDK server and manages run sessions. One
// session is active at a time; starting a new one requires the current
// one to be finished, or force=true.
type Server struct {
	MCPServer *sdkmcp.Server
	Deps      Deps

	mu      sync.Mutex
	session *Session
}

// NewServer creates an MCP server with grid-search and optimization
// tools wired to the given collaborators.
func NewServer(deps Deps) *Server {
	s := &Server{Deps: deps}
	s.MCPServer = sdkmcp.NewServer(
		&sdkmcp.Implementation{Name: "caliper", Version: "dev"},
		nil,
	)
	s.registerTools()
	return s
}

func (s *Server) registerTools() {
	sdkmcp.AddTool(s.MCPServer, &sdkmcp.Tool{
		Name:        "start_grid_search",
		Description: "Start a grid search over configuration variations. Spawns the runner goroutine and returns a session ID.",
	}, s.handleStartGridSearch)

	sdkmcp.AddTool(s.MCPServer, &sdkmcp.Tool{
		Name:        "start_optimization",
		Description: "Start an iterative optimization run from a stored configuration. Returns a session ID; pass resume_run_id to continue a checkpointed run.",
	}, s.handleStartOptimization)

	sdkmcp.AddTool(s.MCPServer, &sdkmcp.Tool{
		Name:        "get_progress",
		Description: "Read progress events from the active session. Returns all events, or events since a given index.",
	}, s.handleGetProgress)

	sdkmcp.AddTool(s.MCPServer, &sdkmcp.Tool{
		Name:        "get_report",
		Description: "Get the final report for a session. Blocks until the run finishes.",
	}, s.handleGetReport)

	sdkmcp.AddTool(s.MCPServer, &sdkmcp.Tool{
		Name:        "list_datasets",
		Description: "List the available evaluation datasets with sample counts.",
	}, s.handleListDatasets)
}

// --- Tool input/output types ---

type startGridSearchInput struct {
	BaseKey          string    `json:"base_key" jsonschema:"key of the stored baseline configuration"`
	Dataset          string    `json:"dataset" jsonschema:"dataset name (see list_datasets)"`
	Models           []string  `json:"models,omitempty" jsonschema:"model axis values"`
	Temperatures     []float64 `json:"temperatures,omitempty" jsonschema:"temperature axis values"`
	PromptIDs        []string  `json:"prompt_ids,omitempty" jsonschema:"prompt ID axis values"`
	MaxTokens        []int     `json:"max_tokens,omitempty" jsonschema:"max-token axis values"`
	CompareMode      string    `json:"compare_mode" jsonschema:"comparison mode (exact, numeric, judge)"`
	MaxSamples       int       `json:"max_samples,omitempty" jsonschema:"cap on samples per configuration (0 = all)"`
	EstimateOnly     bool      `json:"estimate_only,omitempty" jsonschema:"return the cost estimate without executing"`
	MaxEstimatedCost float64   `json:"max_estimated_cost,omitempty" jsonschema:"hard budget in dollars (0 = unlimited)"`
	Force            bool      `json:"force,omitempty" jsonschema:"cancel any existing session and start fresh"`
}

type startGridSearchOutput struct {
	SessionID    string `json:"session_id"`
	Combinations int    `json:"combinations"`
	Samples      int    `json:"samples"`
	Status       string `json:"status"`
}

type startOptimizationInput struct {
	ConfigKey       string   `json:"config_key" jsonschema:"key of the stored configuration to optimize"`
	Dataset         string   `json:"dataset" jsonschema:"dataset name (see list_datasets)"`
	CompareMode     string   `json:"compare_mode" jsonschema:"comparison mode (exact, numeric, judge)"`
	TargetScore     float64  `json:"target_score,omitempty" jsonschema:"stop once this score is reached (default 0.90)"`
	MaxIterations   int      `json:"max_iterations,omitempty" jsonschema:"iteration cap (default 10)"`
	MaxSamples      int      `json:"max_samples,omitempty" jsonschema:"cap on samples per iteration (0 = all)"`
	Strategies      []string `json:"strategies,omitempty" jsonschema:"explicit evaluation strategies; empty = auto-select"`
	Aggregation     string   `json:"aggregation,omitempty" jsonschema:"multi-strategy aggregation (weighted, voting, ensemble)"`
	CandidateModels []string `json:"candidate_models,omitempty" jsonschema:"models the proposer may switch to"`
	ResumeRunID     string   `json:"resume_run_id,omitempty" jsonschema:"run ID of a checkpointed run to continue"`
	Force           bool     `json:"force,omitempty" jsonschema:"cancel any existing session and start fresh"`
}

type startOptimizationOutput struct {
	SessionID string `json:"session_id"`
	Samples   int    `json:"samples"`
	Resumed   bool   `json:"resumed,omitempty"`
	Status    string `json:"status"`
}

type getProgressInput struct {
	SessionID string `json:"session_id" jsonschema:"session ID from start_grid_search or start_optimization"`
	Since     int    `json:"since,omitempty" jsonschema:"return events from this index onward (0-based)"`
}

type getProgressOutput struct {
	State  string       `json:"state"`
	Events []tune.Event `json:"events"`
	Total  int          `json:"total"`
}

type getReportInput struct {
	SessionID string `json:"session_id" jsonschema:"session ID from start_grid_search or start_optimization"`
	Format    string `json:"format,omitempty" jsonschema:"table format (ascii, markdown; default ascii)"`
}

type getReportOutput struct {
	Status       string                   `json:"status"`
	Kind         string                   `json:"kind,omitempty"`
	Report       string                   `json:"report,omitempty"`
	Grid         *tune.GridSearchResult   `json:"grid,omitempty"`
	Optimization *tune.OptimizationResult `json:"optimization,omitempty"`
	Error        string                   `json:"error,omitempty"`
}

type listDatasetsInput struct{}

type datasetInfo struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Split       string `json:"split"`
	Description string `json:"description,omitempty"`
	Samples     int    `json:"samples"`
}

type listDatasetsOutput struct {
	Datasets []datasetInfo `json:"datasets"`
}

// --- Tool handlers ---

// replaceSession enforces the single-session rule. Finished sessions
// are replaced silently; active ones only when force is set.
func (s *Server) replaceSession(force bool) error {
	logger := logging.New("mcp")
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session != nil {
		select {
		case <-s.session.Done():
			logger.Info("replacing finished session", "old_id", s.session.ID)
			s.session.Cancel()
		default:
			if !force {
				return fmt.Errorf("a session is already running (id=%s)", s.session.ID)
			}
			logger.Warn("force-replacing active session", "old_id", s.session.ID)
			s.session.Cancel()
		}
	}
	s.session = nil
	return nil
}

func (s *Server) handleStartGridSearch(ctx context.Context, _ *sdkmcp.CallToolRequest, input startGridSearchInput) (*sdkmcp.CallToolResult, startGridSearchOutput, error) {
	if err := s.replaceSession(input.Force); err != nil {
		return nil, startGridSearchOutput{}, err
	}

	sess, err := NewGridSession(s.Deps, GridInput{
		BaseKey:          input.BaseKey,
		Dataset:          input.Dataset,
		Models:           input.Models,
		Temperatures:     input.Temperatures,
		PromptIDs:        input.PromptIDs,
		MaxTokens:        input.MaxTokens,
		CompareMode:      input.CompareMode,
		MaxSamples:       input.MaxSamples,
		EstimateOnly:     input.EstimateOnly,
		MaxEstimatedCost: input.MaxEstimatedCost,
	})
	if err != nil {
		return nil, startGridSearchOutput{}, fmt.Errorf("start grid search: %w", err)
	}

	s.mu.Lock()
	s.session = sess
	s.mu.Unlock()

	return nil, startGridSearchOutput{
		SessionID:    sess.ID,
		Combinations: combinationCount(input),
		Samples:      sess.sampleCount,
		Status:       string(StateRunning),
	}, nil
}

func (s *Server) handleStartOptimization(ctx context.Context, _ *sdkmcp.CallToolRequest, input startOptimizationInput) (*sdkmcp.CallToolResult, startOptimizationOutput, error) {
	if err := s.replaceSession(input.Force); err != nil {
		return nil, startOptimizationOutput{}, err
	}

	sess, err := NewOptimizeSession(s.Deps, OptimizeInput{
		ConfigKey:       input.ConfigKey,
		Dataset:         input.Dataset,
		CompareMode:     input.CompareMode,
		TargetScore:     input.TargetScore,
		MaxIterations:   input.MaxIterations,
		MaxSamples:      input.MaxSamples,
		Strategies:      input.Strategies,
		Aggregation:     input.Aggregation,
		CandidateModels: input.CandidateModels,
		ResumeRunID:     input.ResumeRunID,
	})
	if err != nil {
		return nil, startOptimizationOutput{}, fmt.Errorf("start optimization: %w", err)
	}

	s.mu.Lock()
	s.session = sess
	s.mu.Unlock()

	return nil, startOptimizationOutput{
		SessionID: sess.ID,
		Samples:   sess.sampleCount,
		Resumed:   input.ResumeRunID != "",
		Status:    string(StateRunning),
	}, nil
}

func (s *Server) handleGetProgress(ctx context.Context, _ *sdkmcp.CallToolRequest, input getProgressInput) (*sdkmcp.CallToolResult, getProgressOutput, error) {
	sess, err := s.getSession(input.SessionID)
	if err != nil {
		return nil, getProgressOutput{}, err
	}

	return nil, getProgressOutput{
		State:  string(sess.State()),
		Events: sess.Log.Since(input.Since),
		Total:  sess.Log.Len(),
	}, nil
}

func (s *Server) handleGetReport(ctx context.Context, _ *sdkmcp.CallToolRequest, input getReportInput) (*sdkmcp.CallToolResult, getReportOutput, error) {
	sess, err := s.getSession(input.SessionID)
	if err != nil {
		return nil, getReportOutput{}, err
	}

	select {
	case <-sess.Done():
	case <-ctx.Done():
		return nil, getReportOutput{}, ctx.Err()
	}

	if sessErr := sess.Err(); sessErr != nil {
		return nil, getReportOutput{
			Status: string(StateError),
			Kind:   sess.Kind,
			Error:  sessErr.Error(),
		}, nil
	}

	mode := report.ASCII
	if input.Format == "markdown" {
		mode = report.Markdown
	}

	out := getReportOutput{Status: string(StateDone), Kind: sess.Kind}
	switch sess.Kind {
	case "grid":
		res := sess.GridResult()
		if res == nil {
			return nil, getReportOutput{Status: "no_report"}, nil
		}
		out.Grid = res
		out.Report = report.Leaderboard(res, mode) + "\n" + report.Impact(res.Impact, mode)
	case "optimize":
		res := sess.OptimizeResult()
		if res == nil {
			return nil, getReportOutput{Status: "no_report"}, nil
		}
		out.Optimization = res
		out.Report = report.OptimizationSummary(res, mode)
	}
	return nil, out, nil
}

func (s *Server) handleListDatasets(ctx context.Context, _ *sdkmcp.CallToolRequest, _ listDatasetsInput) (*sdkmcp.CallToolResult, listDatasetsOutput, error) {
	var out listDatasetsOutput
	for _, ds := range s.Deps.Datasets.List() {
		out.Datasets = append(out.Datasets, datasetInfo{
			Name:        ds.Name,
			Version:     ds.Version,
			Split:       ds.Split,
			Description: ds.Description,
			Samples:     len(ds.Samples),
		})
	}
	return nil, out, nil
}

// SessionID returns the current session's ID, or empty string if none.
func (s *Server) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session != nil {
		return s.session.ID
	}
	return ""
}

// Shutdown cancels any active session, releasing runner goroutines.
func (s *Server) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session != nil {
		s.session.Cancel()
		s.session = nil
	}
}

func (s *Server) getSession(id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session == nil {
		return nil, fmt.Errorf("no active session (start a run first)")
	}
	if s.session.ID != id {
		return nil, fmt.Errorf("session_id mismatch: have %s, got %s", s.session.ID, id)
	}
	return s.session, nil
}

func combinationCount(in startGridSearchInput) int {
	n := 1
	for _, axis := range []int{len(in.Models), len(in.Temperatures), len(in.PromptIDs), len(in.MaxTokens)} {
		if axis > 0 {
			n *= axis
		}
	}
	return n
}
