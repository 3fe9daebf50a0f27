// Package mcp provides an MCP (Model Context Protocol) server that exposes
// twd routing and delegation history as MCP tools for AI coding assistants.
package mcp

import (
	"context"
	"fmt"
	"sort"
	"time"

	gomcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/valter-silva-au/teamwork-delegator/internal/core"
	"github.com/valter-silva-au/teamwork-delegator/internal/observability"
	"github.com/valter-silva-au/teamwork-delegator/pkg/models"
)

// Deps are the services the server reads from. Router is required; the
// observability services may be nil when the event log is unavailable.
type Deps struct {
	Router          *core.WorkflowRouter
	AllowedStatuses []string
	Model           models.ModelTier
	EventLog        observability.EventLog
	MetricsCalc     observability.MetricsCalculator
	AlertEngine     observability.AlertEngine
}

// Server wraps twd services and exposes them as MCP tools.
type Server struct {
	server *gomcp.Server
	deps   Deps
}

// NewServer creates a new MCP server over deps.
func NewServer(deps Deps, version string) *Server {
	if version == "" {
		version = "dev"
	}
	if deps.Router == nil {
		deps.Router = core.NewWorkflowRouter(core.DefaultRouterConfig())
	}
	if len(deps.AllowedStatuses) == 0 {
		deps.AllowedStatuses = core.DefaultAllowedStatuses
	}

	s := &Server{deps: deps}
	s.server = gomcp.NewServer(
		&gomcp.Implementation{Name: "twd", Version: version},
		nil,
	)

	s.registerTools()

	return s
}

// Run starts the MCP server on stdio, blocking until the client disconnects
// or the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	return s.server.Run(ctx, &gomcp.StdioTransport{})
}

// MCPServer returns the underlying mcp.Server for testing purposes.
func (s *Server) MCPServer() *gomcp.Server {
	return s.server
}

// --- Tool input/output types ---

type inspectTaskInput struct {
	Description string `json:"description" jsonschema:"required,the task description to parse"`
	Status      string `json:"status,omitempty" jsonschema:"the remote status the task is in. Defaults to New."`
}

type inspectTaskOutput struct {
	Trigger   string            `json:"trigger"`
	Tags      map[string]string `json:"tags"`
	Prompt    string            `json:"prompt"`
	Eligible  bool              `json:"eligible"`
	Workflow  string            `json:"workflow,omitempty"`
	Model     string            `json:"model,omitempty"`
	Workspace string            `json:"workspace,omitempty"`
	Planner   string            `json:"planner,omitempty"`
}

type listDispatchesInput struct {
	Limit      int    `json:"limit,omitempty" jsonschema:"maximum number of events to return. Defaults to 20."`
	DispatchID string `json:"dispatch_id,omitempty" jsonschema:"only return events of this dispatch"`
}

type dispatchEventOutput struct {
	Time       string         `json:"time"`
	Type       string         `json:"type"`
	TaskID     string         `json:"task_id,omitempty"`
	DispatchID string         `json:"dispatch_id,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}

type listDispatchesOutput struct {
	Events []dispatchEventOutput `json:"events"`
	Count  int                   `json:"count"`
}

type getMetricsInput struct {
	Since string `json:"since,omitempty" jsonschema:"time window for metrics (e.g. 7d, 30d, 24h). Defaults to 7d."`
}

type metricsOutput struct {
	Cycles          int            `json:"cycles"`
	TasksProcessed  int            `json:"tasks_processed"`
	TasksDelegated  int            `json:"tasks_delegated"`
	TasksFailed     int            `json:"tasks_failed"`
	ClaimFailures   int            `json:"claim_failures"`
	Reported        int            `json:"reported"`
	APICalls        int            `json:"api_calls"`
	APIErrors       int            `json:"api_errors"`
	SuccessRate     float64        `json:"success_rate"`
	ByWorkflow      map[string]int `json:"by_workflow"`
	ByModel         map[string]int `json:"by_model"`
	ReportsByStatus map[string]int `json:"reports_by_status"`
	EventCount      int            `json:"event_count"`
	OldestEvent     string         `json:"oldest_event,omitempty"`
	NewestEvent     string         `json:"newest_event,omitempty"`
}

type getAlertsInput struct{}

type alertOutput struct {
	ID          string `json:"id"`
	Condition   string `json:"condition"`
	Severity    string `json:"severity"`
	Message     string `json:"message"`
	TriggeredAt string `json:"triggered_at"`
}

type getAlertsOutput struct {
	Alerts []alertOutput `json:"alerts"`
	Count  int           `json:"count"`
}

// --- Tool registration ---

func (s *Server) registerTools() {
	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "inspect_task",
		Description: "Parse a task description and return its trigger, tags, prompt, eligibility and the workflow, model and workspace it would be dispatched with. Nothing is claimed or spawned.",
	}, s.handleInspectTask)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "list_dispatches",
		Description: "List the most recent dispatch events (claimed, spawned, failed, reported), newest last.",
	}, s.handleListDispatches)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "get_metrics",
		Description: "Get delegation metrics from the event log: cycles, tasks delegated and failed, API errors and success rate.",
	}, s.handleGetMetrics)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "get_alerts",
		Description: "Evaluate and return active alerts (failure rate, unreachable tracker, stalled dispatches, panicked cycles).",
	}, s.handleGetAlerts)
}

// --- Tool handlers ---

func (s *Server) handleInspectTask(_ context.Context, _ *gomcp.CallToolRequest, input inspectTaskInput) (*gomcp.CallToolResult, inspectTaskOutput, error) {
	if input.Description == "" {
		return errorResult("description is required"), inspectTaskOutput{}, nil
	}
	status := input.Status
	if status == "" {
		status = "New"
	}

	task := models.Task{ID: "inspect", Status: status, Description: input.Description}
	meta := core.Extract(task.Description)
	out := inspectTaskOutput{
		Trigger:  string(meta.Trigger),
		Tags:     meta.Tags,
		Prompt:   meta.Prompt,
		Eligible: core.IsEligible(task, s.deps.AllowedStatuses),
	}
	if out.Eligible {
		d := s.deps.Router.Route(task, meta, s.deps.Model)
		out.Workflow = string(d.Workflow)
		out.Model = string(d.Model)
		out.Workspace = d.Workspace
		out.Planner = string(d.Planner)
	}
	return nil, out, nil
}

func (s *Server) handleListDispatches(_ context.Context, _ *gomcp.CallToolRequest, input listDispatchesInput) (*gomcp.CallToolResult, listDispatchesOutput, error) {
	if s.deps.EventLog == nil {
		return errorResult("event log not available"), listDispatchesOutput{Events: []dispatchEventOutput{}}, nil
	}
	limit := input.Limit
	if limit <= 0 {
		limit = 20
	}

	events, err := s.deps.EventLog.Tail(observability.EventFilter{
		TypePrefix: "dispatch.",
		DispatchID: input.DispatchID,
	}, limit)
	if err != nil {
		return errorResult(fmt.Sprintf("reading dispatch events: %s", err)), listDispatchesOutput{Events: []dispatchEventOutput{}}, nil
	}

	out := listDispatchesOutput{
		Events: make([]dispatchEventOutput, len(events)),
		Count:  len(events),
	}
	for i, e := range events {
		out.Events[i] = dispatchEventOutput{
			Time:       e.Time.Format(time.RFC3339),
			Type:       e.Type,
			TaskID:     e.TaskID(),
			DispatchID: e.DispatchID(),
			Data:       e.Data,
		}
	}
	return nil, out, nil
}

func (s *Server) handleGetMetrics(_ context.Context, _ *gomcp.CallToolRequest, input getMetricsInput) (*gomcp.CallToolResult, metricsOutput, error) {
	if s.deps.MetricsCalc == nil {
		return errorResult("metrics calculator not available (event log may be unavailable)"), emptyMetricsOutput(), nil
	}

	sinceStr := input.Since
	if sinceStr == "" {
		sinceStr = "7d"
	}

	sinceTime, err := observability.ParseSince(sinceStr)
	if err != nil {
		return errorResult(fmt.Sprintf("parsing since duration: %s", err)), emptyMetricsOutput(), nil
	}

	metrics, err := s.deps.MetricsCalc.Calculate(sinceTime)
	if err != nil {
		return errorResult(fmt.Sprintf("calculating metrics: %s", err)), emptyMetricsOutput(), nil
	}

	out := metricsOutput{
		Cycles:          metrics.Cycles,
		TasksProcessed:  metrics.TasksProcessed,
		TasksDelegated:  metrics.TasksDelegated,
		TasksFailed:     metrics.TasksFailed,
		ClaimFailures:   metrics.ClaimFailures,
		Reported:        metrics.Reported,
		APICalls:        metrics.APICalls,
		APIErrors:       metrics.APIErrors,
		SuccessRate:     metrics.SuccessRate(),
		ByWorkflow:      metrics.ByWorkflow,
		ByModel:         metrics.ByModel,
		ReportsByStatus: metrics.ReportsByStatus,
		EventCount:      metrics.EventCount,
	}
	if metrics.OldestEvent != nil {
		out.OldestEvent = metrics.OldestEvent.Format(time.RFC3339)
	}
	if metrics.NewestEvent != nil {
		out.NewestEvent = metrics.NewestEvent.Format(time.RFC3339)
	}

	return nil, out, nil
}

func (s *Server) handleGetAlerts(_ context.Context, _ *gomcp.CallToolRequest, _ getAlertsInput) (*gomcp.CallToolResult, getAlertsOutput, error) {
	if s.deps.AlertEngine == nil {
		return errorResult("alert engine not available (event log may be unavailable)"), getAlertsOutput{Alerts: []alertOutput{}}, nil
	}

	alerts, err := s.deps.AlertEngine.Evaluate()
	if err != nil {
		return errorResult(fmt.Sprintf("evaluating alerts: %s", err)), getAlertsOutput{Alerts: []alertOutput{}}, nil
	}
	sort.SliceStable(alerts, func(i, j int) bool { return alerts[i].ID < alerts[j].ID })

	out := getAlertsOutput{
		Alerts: make([]alertOutput, len(alerts)),
		Count:  len(alerts),
	}
	for i, a := range alerts {
		out.Alerts[i] = alertOutput{
			ID:          a.ID,
			Condition:   a.Condition,
			Severity:    string(a.Severity),
			Message:     a.Message,
			TriggeredAt: a.TriggeredAt.Format(time.RFC3339),
		}
	}

	return nil, out, nil
}

// --- Helpers ---

func emptyMetricsOutput() metricsOutput {
	return metricsOutput{
		ByWorkflow:      make(map[string]int),
		ByModel:         make(map[string]int),
		ReportsByStatus: make(map[string]int),
	}
}

func errorResult(msg string) *gomcp.CallToolResult {
	return &gomcp.CallToolResult{
		Content: []gomcp.Content{&gomcp.TextContent{Text: msg}},
		IsError: true,
	}
}
