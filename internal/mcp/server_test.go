package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	gomcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/valter-silva-au/teamwork-delegator/internal/observability"
)

// --- Fake implementations ---

type fakeMetricsCalculator struct {
	metrics *observability.Metrics
	err     error
}

func (f *fakeMetricsCalculator) Calculate(_ time.Time) (*observability.Metrics, error) {
	return f.metrics, f.err
}

type fakeAlertEngine struct {
	alerts []observability.Alert
}

func (f *fakeAlertEngine) Evaluate() ([]observability.Alert, error) {
	return f.alerts, nil
}

// --- Test helpers ---

func newTestEventLog(t *testing.T) observability.EventLog {
	t.Helper()
	log, err := observability.NewJSONLEventLog(filepath.Join(t.TempDir(), observability.EventLogFileName))
	if err != nil {
		t.Fatalf("creating event log: %v", err)
	}
	t.Cleanup(func() { _ = log.Close() })
	return log
}

// connect runs srv over an in-memory transport and returns a client session
// that is closed when the test ends.
func connect(t *testing.T, srv *Server) *gomcp.ClientSession {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	serverSide, clientSide := gomcp.NewInMemoryTransports()
	go func() { _ = srv.MCPServer().Run(ctx, serverSide) }()

	client := gomcp.NewClient(&gomcp.Implementation{Name: "twd-test", Version: "v0.0.1"}, nil)
	session, err := client.Connect(ctx, clientSide, nil)
	if err != nil {
		cancel()
		t.Fatalf("connecting client: %v", err)
	}
	t.Cleanup(func() {
		_ = session.Close()
		cancel()
	})
	return session
}

// callToolErr returns the raw result and protocol error of one tool call.
func callToolErr(t *testing.T, srv *Server, name string, args map[string]any) (*gomcp.CallToolResult, error) {
	t.Helper()
	return connect(t, srv).CallTool(context.Background(), &gomcp.CallToolParams{Name: name, Arguments: args})
}

func callTool(t *testing.T, srv *Server, name string, args map[string]any) *gomcp.CallToolResult {
	t.Helper()
	result, err := callToolErr(t, srv, name, args)
	if err != nil {
		t.Fatalf("calling %s: %v", name, err)
	}
	return result
}

// decodeResult unmarshals the structured content, or the text content, of a
// successful result into out.
func decodeResult(t *testing.T, result *gomcp.CallToolResult, out any) {
	t.Helper()
	if result.StructuredContent != nil {
		data, _ := json.Marshal(result.StructuredContent)
		if err := json.Unmarshal(data, out); err != nil {
			t.Fatalf("unmarshalling structured content: %v", err)
		}
		return
	}
	text := extractText(result)
	if err := json.Unmarshal([]byte(text), out); err != nil {
		t.Fatalf("unmarshalling text content: %v (text was: %s)", err, text)
	}
}

// --- Tests ---

func TestInspectTask_Eligible(t *testing.T) {
	srv := NewServer(Deps{}, "test")

	result := callTool(t, srv, "inspect_task", map[string]any{
		"description": "Fix the login redirect\n{{model: opus}}\n{{worktree: login-fix}}\nexecute",
	})
	if result.IsError {
		t.Fatalf("expected success, got error: %s", extractText(result))
	}

	var out inspectTaskOutput
	decodeResult(t, result, &out)

	if out.Trigger != "execute" {
		t.Errorf("trigger = %q, want execute", out.Trigger)
	}
	if !out.Eligible {
		t.Fatal("expected task to be eligible")
	}
	if out.Prompt != "Fix the login redirect" {
		t.Errorf("prompt = %q", out.Prompt)
	}
	if out.Workflow != "build" || out.Model != "opus" || out.Workspace != "login-fix" {
		t.Errorf("decision = %s/%s/%s, want build/opus/login-fix", out.Workflow, out.Model, out.Workspace)
	}
}

func TestInspectTask_IneligibleStatus(t *testing.T) {
	srv := NewServer(Deps{AllowedStatuses: []string{"new"}}, "test")

	result := callTool(t, srv, "inspect_task", map[string]any{
		"description": "Ship it\nexecute",
		"status":      "Completed",
	})
	if result.IsError {
		t.Fatalf("expected success, got error: %s", extractText(result))
	}

	var out inspectTaskOutput
	decodeResult(t, result, &out)

	if out.Eligible {
		t.Error("expected task in Completed to be ineligible")
	}
	if out.Workflow != "" {
		t.Errorf("ineligible task was routed to %q", out.Workflow)
	}
}

func TestInspectTask_MissingDescription(t *testing.T) {
	srv := NewServer(Deps{}, "test")

	// The SDK validates required fields at the schema level, so the call may
	// be rejected before it reaches the handler.
	result, err := callToolErr(t, srv, "inspect_task", map[string]any{})
	if err != nil {
		return
	}
	if !result.IsError {
		t.Fatal("expected error result for missing description")
	}
}

func TestListDispatches(t *testing.T) {
	log := newTestEventLog(t)
	for _, e := range []observability.Event{
		{Type: observability.EventCycleCompleted},
		{Type: observability.EventDispatchClaimed, Data: map[string]any{"task_id": "7", "dispatch_id": "aaaa1111"}},
		{Type: observability.EventDispatchSpawned, Data: map[string]any{"task_id": "7", "dispatch_id": "aaaa1111"}},
		{Type: observability.EventDispatchClaimed, Data: map[string]any{"task_id": "8", "dispatch_id": "bbbb2222"}},
	} {
		if err := log.Write(e); err != nil {
			t.Fatalf("writing event: %v", err)
		}
	}
	srv := NewServer(Deps{EventLog: log}, "test")

	result := callTool(t, srv, "list_dispatches", map[string]any{"dispatch_id": "aaaa1111"})
	if result.IsError {
		t.Fatalf("expected success, got error: %s", extractText(result))
	}

	var out listDispatchesOutput
	decodeResult(t, result, &out)

	if out.Count != 2 {
		t.Fatalf("expected 2 events for dispatch aaaa1111, got %d", out.Count)
	}
	if out.Events[1].Type != observability.EventDispatchSpawned || out.Events[1].TaskID != "7" {
		t.Errorf("last event = %+v", out.Events[1])
	}
}

func TestListDispatches_Limit(t *testing.T) {
	log := newTestEventLog(t)
	for i := 0; i < 5; i++ {
		_ = log.Write(observability.Event{Type: observability.EventDispatchDryRun, Data: map[string]any{"task_id": "1"}})
	}
	srv := NewServer(Deps{EventLog: log}, "test")

	result := callTool(t, srv, "list_dispatches", map[string]any{"limit": 3})

	var out listDispatchesOutput
	decodeResult(t, result, &out)
	if out.Count != 3 {
		t.Errorf("expected 3 events, got %d", out.Count)
	}
}

func TestListDispatches_NoEventLog(t *testing.T) {
	srv := NewServer(Deps{}, "test")

	result := callTool(t, srv, "list_dispatches", map[string]any{})
	if !result.IsError {
		t.Fatal("expected error when event log is nil")
	}
}

func TestGetMetrics(t *testing.T) {
	now := time.Now().UTC()
	mc := &fakeMetricsCalculator{
		metrics: &observability.Metrics{
			Cycles:         10,
			TasksDelegated: 3,
			TasksFailed:    1,
			ByWorkflow:     map[string]int{"build": 2, "plan_implement": 1},
			ByModel:        map[string]int{"sonnet": 3},
			EventCount:     42,
			OldestEvent:    &now,
			NewestEvent:    &now,
		},
	}
	srv := NewServer(Deps{MetricsCalc: mc}, "test")

	result := callTool(t, srv, "get_metrics", map[string]any{})
	if result.IsError {
		t.Fatalf("expected success, got error: %s", extractText(result))
	}

	var m metricsOutput
	decodeResult(t, result, &m)

	if m.TasksDelegated != 3 {
		t.Errorf("expected 3 tasks delegated, got %d", m.TasksDelegated)
	}
	if m.SuccessRate != 75 {
		t.Errorf("expected success rate 75, got %v", m.SuccessRate)
	}
	if m.EventCount != 42 {
		t.Errorf("expected 42 events, got %d", m.EventCount)
	}
}

func TestGetMetrics_CalculatorError(t *testing.T) {
	srv := NewServer(Deps{MetricsCalc: &fakeMetricsCalculator{err: errors.New("disk gone")}}, "test")

	result := callTool(t, srv, "get_metrics", map[string]any{})
	if !result.IsError {
		t.Fatal("expected error result")
	}
}

func TestGetMetricsDisabled(t *testing.T) {
	srv := NewServer(Deps{}, "test")

	result := callTool(t, srv, "get_metrics", map[string]any{})

	if !result.IsError {
		t.Fatal("expected error when metrics calculator is nil")
	}
	if extractText(result) == "" {
		t.Fatal("expected error message in result")
	}
}

func TestGetAlerts(t *testing.T) {
	now := time.Now().UTC()
	ae := &fakeAlertEngine{
		alerts: []observability.Alert{
			{
				ID:          "stalled-aaaa1111",
				Condition:   "dispatch_stalled",
				Severity:    observability.SeverityLow,
				Message:     "dispatch aaaa1111 for task 7 has not reported in 24 hours",
				TriggeredAt: now,
			},
			{
				ID:          "failure-rate",
				Condition:   "dispatch_failure_rate",
				Severity:    observability.SeverityHigh,
				Message:     "3 of 4 delegation attempts failed (75%)",
				TriggeredAt: now,
			},
		},
	}
	srv := NewServer(Deps{AlertEngine: ae}, "test")

	result := callTool(t, srv, "get_alerts", map[string]any{})
	if result.IsError {
		t.Fatalf("expected success, got error: %s", extractText(result))
	}

	var out getAlertsOutput
	decodeResult(t, result, &out)

	if out.Count != 2 {
		t.Fatalf("expected 2 alerts, got %d", out.Count)
	}
	if out.Alerts[0].ID != "failure-rate" || out.Alerts[0].Severity != "high" {
		t.Errorf("first alert = %+v, want failure-rate/high", out.Alerts[0])
	}
}

func TestGetAlertsDisabled(t *testing.T) {
	srv := NewServer(Deps{}, "test")

	result := callTool(t, srv, "get_alerts", map[string]any{})

	if !result.IsError {
		t.Fatal("expected error when alert engine is nil")
	}
}

func TestGetAlertsEmpty(t *testing.T) {
	srv := NewServer(Deps{AlertEngine: &fakeAlertEngine{alerts: []observability.Alert{}}}, "test")

	result := callTool(t, srv, "get_alerts", map[string]any{})
	if result.IsError {
		t.Fatalf("expected success, got error: %s", extractText(result))
	}

	var out getAlertsOutput
	decodeResult(t, result, &out)
	if out.Count != 0 {
		t.Errorf("expected 0 alerts, got %d", out.Count)
	}
}

// extractText extracts the text from the first TextContent in a CallToolResult.
func extractText(result *gomcp.CallToolResult) string {
	for _, c := range result.Content {
		if tc, ok := c.(*gomcp.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}
