package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/valter-silva-au/teamwork-delegator/internal/core"
	"github.com/valter-silva-au/teamwork-delegator/pkg/models"
)

var (
	inspectStatus string
	inspectJSON   bool
)

// InspectReport is what twd inspect prints for one task body.
type InspectReport struct {
	Trigger  models.Trigger           `json:"trigger"`
	Tags     map[string]string        `json:"tags"`
	Prompt   string                   `json:"prompt"`
	Eligible bool                     `json:"eligible"`
	Decision *models.DispatchDecision `json:"decision,omitempty"`
}

var inspectCmd = &cobra.Command{
	Use:   "inspect [description]",
	Short: "Show how a task description would be routed",
	Long: `Parse a task description the way the poller does and print the trigger,
tags, prompt, eligibility and the dispatch decision. Nothing is claimed or
spawned.

The description is read from the arguments, or from stdin when none are given.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		body := strings.Join(args, " ")
		if len(args) == 0 {
			data, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return fmt.Errorf("reading description: %w", err)
			}
			body = string(data)
		}

		report := inspectTask(models.Task{ID: "inspect", Status: inspectStatus, Description: body})

		if inspectJSON {
			data, err := json.MarshalIndent(report, "", "  ")
			if err != nil {
				return fmt.Errorf("formatting report as JSON: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		}
		printInspectReport(cmd.OutOrStdout(), report)
		return nil
	},
}

// inspectTask runs extraction, eligibility and routing without side effects.
func inspectTask(task models.Task) InspectReport {
	allowed := core.DefaultAllowedStatuses
	var explicit models.ModelTier
	if Config != nil {
		if len(Config.StatusFilter) > 0 {
			allowed = Config.StatusFilter
		}
		explicit = models.ModelTier(Config.Routing.Model)
	}

	meta := core.Extract(task.Description)
	report := InspectReport{
		Trigger:  meta.Trigger,
		Tags:     meta.Tags,
		Prompt:   meta.Prompt,
		Eligible: core.IsEligible(task, allowed),
	}
	if report.Eligible {
		router := Router
		if router == nil {
			router = core.NewWorkflowRouter(core.DefaultRouterConfig())
		}
		d := router.Route(task, meta, explicit)
		report.Decision = &d
	}
	return report
}

func printInspectReport(w io.Writer, r InspectReport) {
	trigger := string(r.Trigger)
	if trigger == "" {
		trigger = "(none)"
	}
	fmt.Fprintf(w, "  %-12s %s\n", "Trigger:", trigger)
	fmt.Fprintf(w, "  %-12s %t\n", "Eligible:", r.Eligible)

	if len(r.Tags) > 0 {
		keys := make([]string, 0, len(r.Tags))
		for k := range r.Tags {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Fprintln(w, "  Tags:")
		for _, k := range keys {
			fmt.Fprintf(w, "    %-10s %s\n", k+":", r.Tags[k])
		}
	}
	if r.Prompt != "" {
		fmt.Fprintf(w, "  %-12s %s\n", "Prompt:", r.Prompt)
	}

	if r.Decision == nil {
		return
	}
	d := r.Decision
	fmt.Fprintln(w, "\n  Dispatch decision:")
	fmt.Fprintf(w, "    %-10s %s\n", "Workflow:", d.Workflow)
	fmt.Fprintf(w, "    %-10s %s\n", "Model:", d.Model)
	fmt.Fprintf(w, "    %-10s %s\n", "Workspace:", d.Workspace)
	if d.Planner != "" {
		fmt.Fprintf(w, "    %-10s %s\n", "Planner:", d.Planner)
	}
	if d.Prototype != "" {
		fmt.Fprintf(w, "    %-10s %s\n", "Prototype:", d.Prototype)
	}
}

func init() {
	inspectCmd.Flags().StringVar(&inspectStatus, "status", "New", "Remote status the task is assumed to be in")
	inspectCmd.Flags().BoolVar(&inspectJSON, "json", false, "Output the report as JSON")
	rootCmd.AddCommand(inspectCmd)
}
