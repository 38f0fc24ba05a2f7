package main

import (
	"context"

	"github.com/spf13/cobra"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"caliper/internal/logging"
	mcpserver "caliper/internal/mcp"
)

var serveFlags struct {
	agent     string
	rps       float64
	priceFile string
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the MCP server over stdio",
	Long: `Starts an MCP server over stdin/stdout. An MCP client (editor or agent
harness) calls the tuning tools directly: start_grid_search,
start_optimization, get_progress, get_report, list_datasets.

The server monitors for parent process death. When the client
disconnects, the server self-terminates to prevent zombie processes.`,
	RunE: runServe,
}

func init() {
	f := serveCmd.Flags()
	f.StringVar(&serveFlags.agent, "agent", "openai", "Agent runner (openai, stub)")
	f.Float64Var(&serveFlags.rps, "rps", 2, "Agent request rate limit per second (0 = unlimited)")
	f.StringVar(&serveFlags.priceFile, "prices", "", "Price book YAML (default embedded)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	datasets, err := loadDatasets(nil)
	if err != nil {
		return err
	}
	prices, err := loadPrices(serveFlags.priceFile)
	if err != nil {
		return err
	}
	runner, judge, err := buildRunner(serveFlags.agent, st, serveFlags.rps)
	if err != nil {
		return err
	}

	srv := mcpserver.NewServer(mcpserver.Deps{
		Store:    st,
		Datasets: datasets,
		Prices:   prices,
		Runner:   runner,
		Judge:    judge,
	})
	defer srv.Shutdown()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	mcpserver.WatchParent(ctx, cancel)

	logging.New("mcp").Info("starting caliper MCP server over stdio (parent watchdog active)")
	return srv.MCPServer.Run(ctx, &sdkmcp.StdioTransport{})
}
