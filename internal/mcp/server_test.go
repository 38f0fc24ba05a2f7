package mcp_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"testing"
	"time"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"caliper/internal/agent"
	"caliper/internal/dataset"
	mcpserver "caliper/internal/mcp"
	"caliper/internal/pricing"
	"caliper/internal/store"
	"caliper/internal/tune"
)

func TestMain(m *testing.M) {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	})))
	os.Exit(m.Run())
}

// testDeps builds an in-memory dependency set with one stored baseline
// configuration and a stub agent that always answers "5".
func testDeps(t *testing.T) mcpserver.Deps {
	t.Helper()

	st := store.NewMemStore()
	if err := st.Create(&tune.Configuration{
		Key:         "base",
		Model:       "gpt-4o-mini",
		Temperature: 0.3,
		MaxTokens:   256,
		PromptID:    "p1",
		OutputType:  "number",
	}); err != nil {
		t.Fatalf("create base configuration: %v", err)
	}

	datasets, err := dataset.NewRepository()
	if err != nil {
		t.Fatalf("dataset repository: %v", err)
	}
	prices, err := pricing.Load()
	if err != nil {
		t.Fatalf("load prices: %v", err)
	}

	runner := agent.NewStubRunner(nil)
	runner.Fallback = "5"

	return mcpserver.Deps{
		Store:    st,
		Datasets: datasets,
		Prices:   prices,
		Runner:   runner,
	}
}

func newTestServer(t *testing.T) (*mcpserver.Server, mcpserver.Deps) {
	t.Helper()
	deps := testDeps(t)
	srv := mcpserver.NewServer(deps)
	t.Cleanup(srv.Shutdown)
	return srv, deps
}

func connectInMemory(t *testing.T, ctx context.Context, srv *mcpserver.Server) *sdkmcp.ClientSession {
	t.Helper()
	t1, t2 := sdkmcp.NewInMemoryTransports()
	serverSession, err := srv.MCPServer.Connect(ctx, t1, nil)
	if err != nil {
		t.Fatalf("server.Connect: %v", err)
	}
	t.Cleanup(func() { serverSession.Close() })

	client := sdkmcp.NewClient(&sdkmcp.Implementation{Name: "test-client", Version: "v0.0.1"}, nil)
	session, err := client.Connect(ctx, t2, nil)
	if err != nil {
		t.Fatalf("client.Connect: %v", err)
	}
	return session
}

func callTool(t *testing.T, ctx context.Context, session *sdkmcp.ClientSession, name string, args map[string]any) map[string]any {
	t.Helper()
	res, err := session.CallTool(ctx, &sdkmcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		t.Fatalf("CallTool(%s): %v", name, err)
	}
	if res.IsError {
		for _, c := range res.Content {
			if tc, ok := c.(*sdkmcp.TextContent); ok {
				t.Fatalf("CallTool(%s) returned error: %s", name, tc.Text)
			}
		}
		t.Fatalf("CallTool(%s) returned error", name)
	}
	result := make(map[string]any)
	for _, c := range res.Content {
		if tc, ok := c.(*sdkmcp.TextContent); ok {
			if err := json.Unmarshal([]byte(tc.Text), &result); err != nil {
				t.Fatalf("unmarshal tool result: %v (text: %s)", err, tc.Text)
			}
			return result
		}
	}
	t.Fatalf("no text content in tool result")
	return nil
}

func TestServer_ToolDiscovery(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()
	session := connectInMemory(t, ctx, srv)
	defer session.Close()

	tools, err := session.ListTools(ctx, nil)
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}

	want := map[string]bool{
		"start_grid_search":  false,
		"start_optimization": false,
		"get_progress":       false,
		"get_report":         false,
		"list_datasets":      false,
	}
	for _, tool := range tools.Tools {
		if _, ok := want[tool.Name]; ok {
			want[tool.Name] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("tool %q not found in ListTools", name)
		}
	}
}

func TestServer_ListDatasets(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()
	session := connectInMemory(t, ctx, srv)
	defer session.Close()

	result := callTool(t, ctx, session, "list_datasets", map[string]any{})
	datasets, ok := result["datasets"].([]any)
	if !ok || len(datasets) == 0 {
		t.Fatalf("expected non-empty datasets, got %v", result)
	}

	found := false
	for _, d := range datasets {
		info := d.(map[string]any)
		if info["name"] == "sentiment-scores" {
			found = true
			if n, _ := info["samples"].(float64); n != 10 {
				t.Errorf("sentiment-scores samples = %v, want 10", n)
			}
		}
	}
	if !found {
		t.Error("sentiment-scores not listed")
	}
}

func TestServer_GridSearch_FullLoop(t *testing.T) {
	srv, deps := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	session := connectInMemory(t, ctx, srv)
	defer session.Close()

	startResult := callTool(t, ctx, session, "start_grid_search", map[string]any{
		"base_key":     "base",
		"dataset":      "sentiment-scores",
		"temperatures": []float64{0.1, 0.3},
		"compare_mode": "numeric",
	})

	sessionID, ok := startResult["session_id"].(string)
	if !ok || sessionID == "" {
		t.Fatalf("expected non-empty session_id, got %v", startResult["session_id"])
	}
	if n, _ := startResult["combinations"].(float64); n != 2 {
		t.Errorf("combinations = %v, want 2", n)
	}
	if n, _ := startResult["samples"].(float64); n != 10 {
		t.Errorf("samples = %v, want 10", n)
	}

	// get_report blocks until the runner goroutine finishes.
	reportResult := callTool(t, ctx, session, "get_report", map[string]any{
		"session_id": sessionID,
	})
	if status, _ := reportResult["status"].(string); status != "done" {
		t.Fatalf("status = %v, want done (error: %v)", status, reportResult["error"])
	}
	if kind, _ := reportResult["kind"].(string); kind != "grid" {
		t.Errorf("kind = %v, want grid", kind)
	}
	if rep, _ := reportResult["report"].(string); rep == "" {
		t.Error("expected non-empty report string")
	}
	grid, ok := reportResult["grid"].(map[string]any)
	if !ok {
		t.Fatal("expected grid result payload")
	}
	if n, _ := grid["combinations"].(float64); n != 2 {
		t.Errorf("grid combinations = %v, want 2", n)
	}

	progress := callTool(t, ctx, session, "get_progress", map[string]any{
		"session_id": sessionID,
	})
	if state, _ := progress["state"].(string); state != "done" {
		t.Errorf("progress state = %v, want done", state)
	}
	if total, _ := progress["total"].(float64); total < 1 {
		t.Errorf("expected at least one progress event, got %v", total)
	}

	run, err := deps.Store.GetRun(sessionID)
	if err != nil || run == nil {
		t.Fatalf("GetRun(%s): %v, %v", sessionID, run, err)
	}
	if run.Status != "completed" {
		t.Errorf("run status = %q, want completed", run.Status)
	}
}

func TestServer_Optimization_FullLoop(t *testing.T) {
	srv, deps := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	session := connectInMemory(t, ctx, srv)
	defer session.Close()

	startResult := callTool(t, ctx, session, "start_optimization", map[string]any{
		"config_key":     "base",
		"dataset":        "sentiment-scores",
		"compare_mode":   "numeric",
		"target_score":   0.99,
		"max_iterations": 2,
	})
	sessionID, _ := startResult["session_id"].(string)
	if sessionID == "" {
		t.Fatalf("expected session_id, got %v", startResult)
	}

	reportResult := callTool(t, ctx, session, "get_report", map[string]any{
		"session_id": sessionID,
		"format":     "markdown",
	})
	if status, _ := reportResult["status"].(string); status != "done" {
		t.Fatalf("status = %v, want done (error: %v)", status, reportResult["error"])
	}
	if kind, _ := reportResult["kind"].(string); kind != "optimize" {
		t.Errorf("kind = %v, want optimize", kind)
	}
	opt, ok := reportResult["optimization"].(map[string]any)
	if !ok {
		t.Fatal("expected optimization result payload")
	}
	if n, _ := opt["iterations"].(float64); n != 2 {
		t.Errorf("iterations = %v, want 2", n)
	}
	if id, _ := opt["run_id"].(string); id != sessionID {
		t.Errorf("run_id = %q, want session id %q", id, sessionID)
	}

	// Each iteration checkpoints under the session's run ID.
	blob, err := deps.Store.GetCheckpoint(sessionID)
	if err != nil {
		t.Fatalf("GetCheckpoint: %v", err)
	}
	if blob == nil {
		t.Fatal("expected a checkpoint after the run")
	}
	var state tune.OptimizationState
	if err := json.Unmarshal(blob, &state); err != nil {
		t.Fatalf("decode checkpoint: %v", err)
	}
	if state.RunID != sessionID {
		t.Errorf("checkpoint run_id = %q, want %q", state.RunID, sessionID)
	}
}

func TestServer_GetProgress_NoSession(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()
	session := connectInMemory(t, ctx, srv)
	defer session.Close()

	res, err := session.CallTool(ctx, &sdkmcp.CallToolParams{
		Name:      "get_progress",
		Arguments: map[string]any{"session_id": "nonexistent"},
	})
	if err != nil {
		t.Fatalf("expected tool error, got transport error: %v", err)
	}
	if !res.IsError {
		t.Fatal("expected IsError=true for missing session")
	}
}

func TestServer_SessionIDMismatch(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	session := connectInMemory(t, ctx, srv)
	defer session.Close()

	callTool(t, ctx, session, "start_grid_search", map[string]any{
		"base_key":     "base",
		"dataset":      "sentiment-scores",
		"temperatures": []float64{0.2},
		"compare_mode": "numeric",
	})

	res, err := session.CallTool(ctx, &sdkmcp.CallToolParams{
		Name:      "get_progress",
		Arguments: map[string]any{"session_id": "wrong-id"},
	})
	if err != nil {
		t.Fatalf("expected tool error, got transport error: %v", err)
	}
	if !res.IsError {
		t.Fatal("expected IsError=true for mismatched session id")
	}
}

func TestServer_SecondStart_ReplacesFinished(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	session := connectInMemory(t, ctx, srv)
	defer session.Close()

	first := callTool(t, ctx, session, "start_grid_search", map[string]any{
		"base_key":     "base",
		"dataset":      "sentiment-scores",
		"temperatures": []float64{0.2},
		"compare_mode": "numeric",
	})
	firstID, _ := first["session_id"].(string)

	// Wait for the first run to finish, then a second start should
	// replace it without force.
	callTool(t, ctx, session, "get_report", map[string]any{"session_id": firstID})

	second := callTool(t, ctx, session, "start_grid_search", map[string]any{
		"base_key":     "base",
		"dataset":      "sentiment-scores",
		"temperatures": []float64{0.4},
		"compare_mode": "numeric",
	})
	secondID, _ := second["session_id"].(string)
	if secondID == "" || secondID == firstID {
		t.Fatalf("expected a fresh session id, got %q (first %q)", secondID, firstID)
	}
	if srv.SessionID() != secondID {
		t.Errorf("server session = %q, want %q", srv.SessionID(), secondID)
	}
}

func TestServer_StartGrid_UnknownDataset(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()
	session := connectInMemory(t, ctx, srv)
	defer session.Close()

	res, err := session.CallTool(ctx, &sdkmcp.CallToolParams{
		Name: "start_grid_search",
		Arguments: map[string]any{
			"base_key":     "base",
			"dataset":      "no-such-dataset",
			"temperatures": []float64{0.2},
			"compare_mode": "numeric",
		},
	})
	if err != nil {
		t.Fatalf("expected tool error, got transport error: %v", err)
	}
	if !res.IsError {
		t.Fatal("expected IsError=true for unknown dataset")
	}
}

func TestOptimizeSession_Resume(t *testing.T) {
	deps := testDeps(t)

	first, err := mcpserver.NewOptimizeSession(deps, mcpserver.OptimizeInput{
		ConfigKey:     "base",
		Dataset:       "sentiment-scores",
		CompareMode:   "numeric",
		TargetScore:   0.99,
		MaxIterations: 1,
	})
	if err != nil {
		t.Fatalf("NewOptimizeSession: %v", err)
	}
	if !first.WaitDone(30 * time.Second) {
		t.Fatal("first session did not finish")
	}
	if err := first.Err(); err != nil {
		t.Fatalf("first session failed: %v", err)
	}
	if res := first.OptimizeResult(); res == nil || res.Iterations != 1 {
		t.Fatalf("expected 1 iteration, got %+v", res)
	}

	resumed, err := mcpserver.NewOptimizeSession(deps, mcpserver.OptimizeInput{
		ConfigKey:     "base",
		Dataset:       "sentiment-scores",
		CompareMode:   "numeric",
		TargetScore:   0.99,
		MaxIterations: 3,
		ResumeRunID:   first.ID,
	})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed.ID != first.ID {
		t.Errorf("resumed session id = %q, want original run id %q", resumed.ID, first.ID)
	}
	if !resumed.WaitDone(30 * time.Second) {
		t.Fatal("resumed session did not finish")
	}
	if err := resumed.Err(); err != nil {
		t.Fatalf("resumed session failed: %v", err)
	}
	res := resumed.OptimizeResult()
	if res == nil || res.Iterations != 3 {
		t.Fatalf("expected 3 iterations after resume, got %+v", res)
	}
	if res.RunID != first.ID {
		t.Errorf("run id changed across resume: %q vs %q", res.RunID, first.ID)
	}
}

func TestOptimizeSession_ResumeUnknownRun(t *testing.T) {
	deps := testDeps(t)
	_, err := mcpserver.NewOptimizeSession(deps, mcpserver.OptimizeInput{
		ConfigKey:   "base",
		Dataset:     "sentiment-scores",
		CompareMode: "numeric",
		ResumeRunID: "missing-run",
	})
	if err == nil {
		t.Fatal("expected error for unknown checkpoint")
	}
}
