package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	twdmcp "github.com/valter-silva-au/teamwork-delegator/internal/mcp"
	"github.com/valter-silva-au/teamwork-delegator/pkg/models"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "MCP server commands",
	Long:  "Commands for running the twd MCP (Model Context Protocol) server.",
}

var mcpServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the twd MCP server on stdio",
	Long: `Start the twd MCP server on stdio transport.

The server exposes twd functionality as MCP tools that AI coding assistants
can call: inspect_task, list_dispatches, get_metrics, get_alerts.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		deps := twdmcp.Deps{
			Router:      Router,
			EventLog:    EventLog,
			MetricsCalc: MetricsCalc,
			AlertEngine: AlertEngine,
		}
		if Config != nil {
			deps.AllowedStatuses = Config.StatusFilter
			deps.Model = models.ModelTier(Config.Routing.Model)
		}
		srv := twdmcp.NewServer(deps, appVersion)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		if err := srv.Run(ctx); err != nil {
			return fmt.Errorf("running MCP server: %w", err)
		}

		return nil
	},
}

func init() {
	mcpCmd.AddCommand(mcpServeCmd)
	rootCmd.AddCommand(mcpCmd)
}
