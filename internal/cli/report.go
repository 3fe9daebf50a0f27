package cli

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/valter-silva-au/teamwork-delegator/internal/core"
	"github.com/valter-silva-au/teamwork-delegator/internal/integration"
	"github.com/valter-silva-au/teamwork-delegator/internal/observability"
	"github.com/valter-silva-au/teamwork-delegator/pkg/models"
)

var (
	reportStatus     string
	reportDispatchID string
	reportCommit     string
	reportAgent      string
	reportSummary    string
	reportDir        string
)

// headCommit and reportNow are replaced in tests.
var (
	headCommit = integration.HeadCommit
	reportNow  = func() time.Time { return time.Now().UTC() }
)

var reportCmd = &cobra.Command{
	Use:   "report [task-id]",
	Short: "Report the outcome of a delegated workflow",
	Long: `Move a delegated task to its final status and attach the completion
metadata: dispatch ID, commit hash, agent name and a summary.

Workflows launched by twd run inherit TWD_TASK_ID and TWD_DISPATCH_ID, so the
task ID and --dispatch-id may be omitted inside them. When --commit is not
given, the HEAD commit of --dir is looked up.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if Config == nil {
			return fmt.Errorf("configuration not loaded")
		}
		if NewReportSink == nil {
			return fmt.Errorf("report sink not initialized")
		}

		taskID := os.Getenv("TWD_TASK_ID")
		if len(args) > 0 {
			taskID = args[0]
		}
		if taskID == "" {
			return fmt.Errorf("task ID required (argument or TWD_TASK_ID)")
		}
		dispatchID := reportDispatchID
		if dispatchID == "" {
			dispatchID = os.Getenv("TWD_DISPATCH_ID")
		}

		status, err := parseReportStatus(reportStatus)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		commit := reportCommit
		if commit == "" {
			commit, err = headCommit(ctx, reportDir)
			if err != nil && Logger != nil {
				Logger.Warn("commit lookup failed, reporting without commit", "dir", reportDir, "error", err)
			}
		}

		sink, closer, err := NewReportSink(Config)
		if err != nil {
			return fmt.Errorf("opening tracker: %w", err)
		}
		if closer != nil {
			defer func() { _ = closer.Close() }()
		}

		statuses := Statuses
		if statuses == nil {
			statuses = core.NewStatusMap(Config.StatusMapping)
		}
		remote := statuses.ToRemote(status)
		payload := core.CompletionPayload(dispatchID, status, commit, reportAgent, reportSummary, reportNow())

		if err := sink.UpdateStatus(ctx, taskID, remote, payload.Encode()); err != nil {
			return fmt.Errorf("reporting task %s as %s: %w", taskID, remote, err)
		}

		if EventLog != nil {
			_ = EventLog.Write(observability.Event{
				Type:    observability.EventDispatchReported,
				Message: fmt.Sprintf("task %s reported %s", taskID, status),
				Data: map[string]any{
					"task_id":     taskID,
					"dispatch_id": dispatchID,
					"status":      string(status),
					"commit_hash": commit,
				},
			})
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Task %s reported as %s", taskID, remote)
		if commit != "" {
			fmt.Fprintf(cmd.OutOrStdout(), " (commit %s)", commit)
		}
		fmt.Fprintln(cmd.OutOrStdout())
		return nil
	},
}

// parseReportStatus accepts the final statuses a workflow may report.
func parseReportStatus(s string) (models.InternalStatus, error) {
	switch models.InternalStatus(strings.ToLower(strings.TrimSpace(s))) {
	case models.StatusComplete, "done":
		return models.StatusComplete, nil
	case models.StatusBlocked, "failed":
		return models.StatusBlocked, nil
	case models.StatusReview:
		return models.StatusReview, nil
	default:
		return "", fmt.Errorf("invalid --status %q: must be complete, blocked or review", s)
	}
}

func init() {
	reportCmd.Flags().StringVar(&reportStatus, "status", string(models.StatusComplete), "Final status: complete, blocked or review")
	reportCmd.Flags().StringVar(&reportDispatchID, "dispatch-id", "", "Dispatch ID (defaults to TWD_DISPATCH_ID)")
	reportCmd.Flags().StringVar(&reportCommit, "commit", "", "Commit hash (defaults to HEAD of --dir)")
	reportCmd.Flags().StringVar(&reportAgent, "agent", "", "Name of the agent that did the work")
	reportCmd.Flags().StringVar(&reportSummary, "summary", "", "One-line summary of the outcome")
	reportCmd.Flags().StringVar(&reportDir, "dir", ".", "Workspace directory for the commit lookup")
	rootCmd.AddCommand(reportCmd)
}
