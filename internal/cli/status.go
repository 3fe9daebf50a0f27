package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/valter-silva-au/teamwork-delegator/internal/observability"
)

var statusSince string

var labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Summarise configuration, recent activity and alerts",
	Long: `Print the polling configuration, the last completed poll cycle, delegation
metrics for the --since window and any active alerts.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if Config == nil {
			return fmt.Errorf("configuration not loaded")
		}
		sinceTime, err := observability.ParseSince(statusSince)
		if err != nil {
			return fmt.Errorf("parsing --since: %w", err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintln(out, titleStyle.Render(" twd status "))
		fmt.Fprintln(out)

		project := Config.Teamwork.ProjectID
		if project == "" {
			project = "(not set)"
		}
		printField(out, "Project", project)
		printField(out, "Tracker", Config.Tracker.Kind)
		printField(out, "Interval", Config.Polling.Interval().String())
		printField(out, "Max tasks", fmt.Sprint(Config.Polling.MaxConcurrentTasks))
		printField(out, "Statuses", strings.Join(Config.StatusFilter, ", "))

		if EventLog != nil {
			last, err := EventLog.Tail(observability.EventFilter{Type: observability.EventCycleCompleted}, 1)
			if err != nil {
				return fmt.Errorf("reading last cycle: %w", err)
			}
			if len(last) == 0 {
				printField(out, "Last cycle", "never")
			} else {
				e := last[0]
				printField(out, "Last cycle", fmt.Sprintf("%s (fetched %v, delegated %v, failed %v)",
					e.Time.Local().Format(time.DateTime), e.Data["fetched"], e.Data["delegated"], e.Data["failed"]))
			}
		}

		if MetricsCalc != nil {
			m, err := MetricsCalc.Calculate(sinceTime)
			if err != nil {
				return fmt.Errorf("calculating metrics: %w", err)
			}
			fmt.Fprintln(out)
			fmt.Fprintln(out, headerStyle.Render("Since "+sinceTime.Local().Format("2006-01-02 15:04")))
			printField(out, "Delegated", fmt.Sprint(m.TasksDelegated))
			printField(out, "Failed", fmt.Sprint(m.TasksFailed+m.ClaimFailures))
			printField(out, "Reported", fmt.Sprint(m.Reported))
			printField(out, "Success rate", fmt.Sprintf("%.1f%%", m.SuccessRate()))
		}

		if AlertEngine != nil {
			alerts, err := AlertEngine.Evaluate()
			if err != nil {
				return fmt.Errorf("evaluating alerts: %w", err)
			}
			fmt.Fprintln(out)
			fmt.Fprintln(out, headerStyle.Render("Alerts"))
			if len(alerts) == 0 {
				fmt.Fprintln(out, "  No active alerts.")
			}
			for _, a := range alerts {
				sev := styleForSeverity(string(a.Severity)).Render(fmt.Sprintf("[%s]", strings.ToUpper(string(a.Severity))))
				fmt.Fprintf(out, "  %s %s\n", sev, a.Message)
			}
		}
		return nil
	},
}

func printField(w io.Writer, label, value string) {
	fmt.Fprintf(w, "  %s %s\n", labelStyle.Render(fmt.Sprintf("%-13s", label+":")), value)
}

func init() {
	statusCmd.Flags().StringVar(&statusSince, "since", "24h", "Time window for metrics (e.g. 24h, 7d)")
	rootCmd.AddCommand(statusCmd)
}
