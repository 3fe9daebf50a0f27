package cli

import (
	"fmt"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/valter-silva-au/teamwork-delegator/internal/observability"
)

const (
	panelDispatches = iota
	panelMetrics
	panelAlerts
	panelCount
)

const (
	dashboardRefresh    = 5 * time.Second
	dashboardDispatches = 12
	dashboardWindow     = 24 * time.Hour
	// Terminals wider than this get the three panels side by side.
	dashboardWideLayout = 120
)

type dashboardModel struct {
	activePanel   int
	width, height int

	dispatches  []dispatchSnapshot
	metricsData *metricsSnapshot
	alerts      []alertSnapshot
	updatedAt   time.Time

	loading bool
	err     error
}

type dispatchSnapshot struct {
	time       string
	kind       string
	taskID     string
	dispatchID string
	detail     string
}

type metricsSnapshot struct {
	cycles      int
	delegated   int
	failed      int
	reported    int
	apiErrors   int
	successRate float64
}

type alertSnapshot struct {
	severity string
	message  string
	time     string
}

// dataLoadedMsg is the result of one loadData pass.
type dataLoadedMsg struct {
	dispatches []dispatchSnapshot
	metrics    *metricsSnapshot
	alerts     []alertSnapshot
	at         time.Time
	err        error
}

type tickMsg time.Time

var (
	accent = lipgloss.Color("33")
	muted  = lipgloss.Color("244")

	titleStyle = lipgloss.NewStyle().Bold(true).
			Foreground(lipgloss.Color("255")).Background(accent).Padding(0, 1)
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(accent)
	helpStyle   = lipgloss.NewStyle().Foreground(muted)

	boxStyle         = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	panelStyle       = boxStyle.BorderForeground(lipgloss.Color("238"))
	activePanelStyle = boxStyle.BorderForeground(accent)

	kindStyles = map[string]lipgloss.Style{
		"claimed":      lipgloss.NewStyle().Foreground(lipgloss.Color("178")),
		"spawned":      lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		"reported":     lipgloss.NewStyle().Foreground(lipgloss.Color("135")),
		"dry_run":      lipgloss.NewStyle().Foreground(muted),
		"failed":       lipgloss.NewStyle().Foreground(lipgloss.Color("160")),
		"claim_failed": lipgloss.NewStyle().Foreground(lipgloss.Color("160")),
	}
)

// severityLevels orders alert severities, most urgent first.
var severityLevels = map[string]struct {
	rank  int
	style lipgloss.Style
}{
	"high":   {0, lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("160"))},
	"medium": {1, lipgloss.NewStyle().Foreground(lipgloss.Color("178"))},
	"low":    {2, lipgloss.NewStyle().Foreground(lipgloss.Color("75"))},
}

func styleForSeverity(severity string) lipgloss.Style {
	if lvl, ok := severityLevels[strings.ToLower(severity)]; ok {
		return lvl.style
	}
	return lipgloss.NewStyle()
}

func severityRank(severity string) int {
	if lvl, ok := severityLevels[strings.ToLower(severity)]; ok {
		return lvl.rank
	}
	return len(severityLevels)
}

func newDashboardModel() dashboardModel {
	return dashboardModel{activePanel: panelDispatches, loading: true}
}

func (m dashboardModel) Init() tea.Cmd {
	return tea.Batch(loadData, scheduleRefresh())
}

func scheduleRefresh() tea.Cmd {
	return tea.Tick(dashboardRefresh, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m dashboardModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.onKey(msg.String())
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
	case tickMsg:
		return m, tea.Batch(loadData, scheduleRefresh())
	case dataLoadedMsg:
		m.loading = false
		m.err = msg.err
		if msg.err == nil {
			m.dispatches, m.metricsData, m.alerts = msg.dispatches, msg.metrics, msg.alerts
			m.updatedAt = msg.at
		}
	}
	return m, nil
}

func (m dashboardModel) onKey(key string) (tea.Model, tea.Cmd) {
	switch key {
	case "q", "esc", "ctrl+c":
		return m, tea.Quit
	case "tab":
		m.activePanel = (m.activePanel + 1) % panelCount
	case "shift+tab":
		m.activePanel = (m.activePanel + panelCount - 1) % panelCount
	case "r":
		m.loading = true
		return m, loadData
	}
	return m, nil
}

func (m dashboardModel) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	footer := "tab/shift+tab: panel  r: refresh  q: quit"
	if !m.updatedAt.IsZero() {
		footer += "  (updated " + m.updatedAt.Local().Format("15:04:05") + ")"
	}
	frame := func(body string) string {
		return titleStyle.Render("twd dashboard") + "\n\n" + body + "\n\n" + helpStyle.Render(footer)
	}

	switch {
	case m.err != nil:
		return frame("  Error: " + m.err.Error())
	case m.loading && m.dispatches == nil && m.metricsData == nil:
		return frame("  Loading data...")
	}

	bodies := [panelCount]string{
		panelDispatches: m.renderDispatchPanel(),
		panelMetrics:    m.renderMetricsPanel(),
		panelAlerts:     m.renderAlertsPanel(),
	}

	inner := m.width - 2
	boxes := make([]string, panelCount)
	if inner > dashboardWideLayout {
		// Dispatch lines are long; give them half the row.
		widths := [panelCount]int{inner / 2, inner / 4, inner - inner/2 - inner/4}
		for i := range bodies {
			boxes[i] = m.box(i, bodies[i], widths[i]-4)
		}
		return frame(lipgloss.JoinHorizontal(lipgloss.Top, boxes...))
	}
	for i := range bodies {
		boxes[i] = m.box(i, bodies[i], max(inner-4, 20))
	}
	return frame(lipgloss.JoinVertical(lipgloss.Left, boxes...))
}

func (m dashboardModel) box(panel int, content string, width int) string {
	if panel == m.activePanel {
		return activePanelStyle.Width(width).Render(content)
	}
	return panelStyle.Width(width).Render(content)
}

func (m dashboardModel) renderDispatchPanel() string {
	lines := []string{headerStyle.Render("Recent dispatches"), ""}
	if len(m.dispatches) == 0 {
		return strings.Join(append(lines, "  No dispatches yet."), "\n")
	}
	for _, d := range m.dispatches {
		style, ok := kindStyles[d.kind]
		if !ok {
			style = lipgloss.NewStyle()
		}
		line := fmt.Sprintf("  %s %s #%-8s %s", d.time, style.Render(fmt.Sprintf("%-12s", d.kind)), d.taskID, d.dispatchID)
		if d.detail != "" {
			line += "  " + d.detail
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func (m dashboardModel) renderMetricsPanel() string {
	lines := []string{headerStyle.Render("Metrics (24h)"), ""}
	md := m.metricsData
	if md == nil {
		return strings.Join(append(lines, "  No metrics available."), "\n")
	}
	for _, row := range [][2]string{
		{"Cycles", fmt.Sprint(md.cycles)},
		{"Delegated", fmt.Sprint(md.delegated)},
		{"Failed", fmt.Sprint(md.failed)},
		{"Reported", fmt.Sprint(md.reported)},
		{"API errors", fmt.Sprint(md.apiErrors)},
		{"Success", fmt.Sprintf("%.0f%%", md.successRate)},
	} {
		lines = append(lines, fmt.Sprintf("  %-12s %6s", row[0], row[1]))
	}
	return strings.Join(lines, "\n")
}

func (m dashboardModel) renderAlertsPanel() string {
	lines := []string{headerStyle.Render("Alerts"), ""}
	if len(m.alerts) == 0 {
		return strings.Join(append(lines, "  No active alerts."), "\n")
	}
	for _, a := range m.alerts {
		tag := styleForSeverity(a.severity).Render("[" + strings.ToUpper(a.severity) + "]")
		lines = append(lines, "  "+tag+" "+a.message)
	}
	return strings.Join(lines, "\n")
}

// loadData reads the event log, the metrics window and the alert engine. The
// first failure aborts the pass and is shown in place of the panels.
func loadData() tea.Msg {
	now := time.Now().UTC()
	msg := dataLoadedMsg{at: now}

	if EventLog != nil {
		events, err := EventLog.Tail(observability.EventFilter{TypePrefix: "dispatch."}, dashboardDispatches)
		if err != nil {
			msg.err = fmt.Errorf("loading dispatches: %w", err)
			return msg
		}
		msg.dispatches = dispatchSnapshots(events)
	}

	if MetricsCalc != nil {
		mt, err := MetricsCalc.Calculate(now.Add(-dashboardWindow))
		if err != nil {
			msg.err = fmt.Errorf("loading metrics: %w", err)
			return msg
		}
		msg.metrics = &metricsSnapshot{
			cycles:      mt.Cycles,
			delegated:   mt.TasksDelegated,
			failed:      mt.TasksFailed + mt.ClaimFailures,
			reported:    mt.Reported,
			apiErrors:   mt.APIErrors,
			successRate: mt.SuccessRate(),
		}
	}

	if AlertEngine != nil {
		alerts, err := AlertEngine.Evaluate()
		if err != nil {
			msg.err = fmt.Errorf("loading alerts: %w", err)
			return msg
		}
		snaps := make([]alertSnapshot, len(alerts))
		for i, a := range alerts {
			snaps[i] = alertSnapshot{
				severity: string(a.Severity),
				message:  a.Message,
				time:     a.TriggeredAt.Format(time.DateTime),
			}
		}
		sort.SliceStable(snaps, func(i, j int) bool {
			return severityRank(snaps[i].severity) < severityRank(snaps[j].severity)
		})
		msg.alerts = snaps
	}

	return msg
}

// dispatchSnapshots lists events newest first.
func dispatchSnapshots(events []observability.Event) []dispatchSnapshot {
	out := make([]dispatchSnapshot, 0, len(events))
	for i := len(events) - 1; i >= 0; i-- {
		e := events[i]
		s := dispatchSnapshot{
			time:       e.Time.Local().Format("15:04:05"),
			kind:       strings.TrimPrefix(e.Type, "dispatch."),
			taskID:     e.TaskID(),
			dispatchID: e.DispatchID(),
		}
		switch e.Type {
		case observability.EventDispatchSpawned, observability.EventDispatchDryRun:
			s.detail = fmt.Sprintf("%v/%v %v", e.Data["workflow"], e.Data["model"], e.Data["workspace"])
		case observability.EventDispatchReported:
			s.detail = fmt.Sprint(e.Data["status"])
		case observability.EventDispatchFailed, observability.EventDispatchClaimFailed:
			s.detail = fmt.Sprint(e.Data["error"])
		}
		out = append(out, s)
	}
	return out
}

var dashboardCmd = &cobra.Command{
	Use:   "dashboard",
	Short: "Interactive TUI dashboard for dispatches, metrics and alerts",
	Long: `Launch an interactive terminal dashboard showing recent dispatches,
delegation metrics and alerts, refreshed every few seconds.

Navigate between panels with Tab, refresh with r, quit with q.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if EventLog == nil {
			return fmt.Errorf("event log not initialized")
		}
		p := tea.NewProgram(newDashboardModel(), tea.WithAltScreen())
		_, err := p.Run()
		return err
	},
}

func init() {
	rootCmd.AddCommand(dashboardCmd)
}
