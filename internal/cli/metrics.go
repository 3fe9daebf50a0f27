package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/valter-silva-au/teamwork-delegator/internal/observability"
)

var (
	metricsJSON  bool
	metricsSince string
)

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Display delegation metrics",
	Long: `Display aggregated metrics derived from the event log.

Metrics include poll cycles, tasks processed, delegated and failed, tracker
API calls and errors, the delegation success rate, and breakdowns by workflow,
model and reported status.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if MetricsCalc == nil {
			return fmt.Errorf("metrics calculator not initialized (event log may be unavailable)")
		}

		sinceTime, err := observability.ParseSince(metricsSince)
		if err != nil {
			return fmt.Errorf("parsing --since: %w", err)
		}

		metrics, err := MetricsCalc.Calculate(sinceTime)
		if err != nil {
			return fmt.Errorf("calculating metrics: %w", err)
		}

		out := cmd.OutOrStdout()
		if metricsJSON {
			data, err := json.MarshalIndent(struct {
				*observability.Metrics
				SuccessRate float64 `json:"success_rate"`
			}{metrics, metrics.SuccessRate()}, "", "  ")
			if err != nil {
				return fmt.Errorf("formatting metrics as JSON: %w", err)
			}
			fmt.Fprintln(out, string(data))
			return nil
		}

		fmt.Fprintf(out, "Metrics (since %s)\n\n", sinceTime.Format("2006-01-02 15:04"))
		printMetricsTable(out, metrics)
		return nil
	},
}

func printMetricsTable(w io.Writer, m *observability.Metrics) {
	rows := []struct {
		label string
		value any
	}{
		{"Events recorded", m.EventCount},
		{"Poll cycles", m.Cycles},
		{"Tasks processed", m.TasksProcessed},
		{"Tasks delegated", m.TasksDelegated},
		{"Tasks failed", m.TasksFailed},
		{"Claim failures", m.ClaimFailures},
		{"Dry runs", m.DryRuns},
		{"Reported", m.Reported},
		{"API calls", m.APICalls},
		{"API errors", m.APIErrors},
		{"Success rate", fmt.Sprintf("%.1f%%", m.SuccessRate())},
	}
	for _, r := range rows {
		fmt.Fprintf(w, "  %-24s %v\n", r.label+":", r.value)
	}

	printCounts(w, "By workflow", m.ByWorkflow)
	printCounts(w, "By model", m.ByModel)
	printCounts(w, "Reports by status", m.ReportsByStatus)

	if m.OldestEvent != nil && m.NewestEvent != nil {
		fmt.Fprintf(w, "\n  %-24s %s .. %s\n", "Event span:",
			m.OldestEvent.Format(time.RFC3339), m.NewestEvent.Format(time.RFC3339))
	}
}

func printCounts(w io.Writer, title string, counts map[string]int) {
	if len(counts) == 0 {
		return
	}
	fmt.Fprintf(w, "\n  %s:\n", title)
	for _, k := range slices.Sorted(maps.Keys(counts)) {
		fmt.Fprintf(w, "    %-20s %d\n", k+":", counts[k])
	}
}

func init() {
	metricsCmd.Flags().BoolVar(&metricsJSON, "json", false, "Output metrics as JSON")
	metricsCmd.Flags().StringVar(&metricsSince, "since", "7d", "Time window for metrics (e.g. 7d, 30d, 24h)")
	rootCmd.AddCommand(metricsCmd)
}
