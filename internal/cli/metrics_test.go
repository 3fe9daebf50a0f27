package cli

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/valter-silva-au/teamwork-delegator/internal/observability"
)

// --- metricsCmd tests ---

func resetMetricsFlags(t *testing.T) {
	t.Helper()
	origJSON, origSince := metricsJSON, metricsSince
	t.Cleanup(func() { metricsJSON, metricsSince = origJSON, origSince })
}

func sampleMetrics() *observability.Metrics {
	now := time.Date(2025, 2, 1, 12, 0, 0, 0, time.UTC)
	return &observability.Metrics{
		Cycles:          12,
		TasksProcessed:  5,
		TasksDelegated:  3,
		TasksFailed:     1,
		APICalls:        20,
		APIErrors:       2,
		ByWorkflow:      map[string]int{"build": 2, "plan_implement": 1},
		ByModel:         map[string]int{"sonnet": 3},
		ReportsByStatus: map[string]int{"complete": 2},
		EventCount:      40,
		OldestEvent:     &now,
		NewestEvent:     &now,
	}
}

func TestMetricsCmd_NilCalculator(t *testing.T) {
	restoreGlobals(t)
	MetricsCalc = nil

	err := metricsCmd.RunE(metricsCmd, []string{})
	if err == nil {
		t.Fatal("expected error when MetricsCalc is nil")
	}
	if !strings.Contains(err.Error(), "not initialized") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestMetricsCmd_InvalidSinceFormat(t *testing.T) {
	restoreGlobals(t)
	resetMetricsFlags(t)
	MetricsCalc = &metricsMock{calcFn: func(time.Time) (*observability.Metrics, error) {
		return sampleMetrics(), nil
	}}
	metricsSince = "forever"

	err := metricsCmd.RunE(metricsCmd, []string{})
	if err == nil || !strings.Contains(err.Error(), "parsing --since") {
		t.Fatalf("expected --since error, got %v", err)
	}
}

func TestMetricsCmd_CalculateError(t *testing.T) {
	restoreGlobals(t)
	resetMetricsFlags(t)
	MetricsCalc = &metricsMock{calcFn: func(time.Time) (*observability.Metrics, error) {
		return nil, fmt.Errorf("disk error")
	}}
	metricsSince = "7d"

	err := metricsCmd.RunE(metricsCmd, []string{})
	if err == nil || !strings.Contains(err.Error(), "calculating metrics") {
		t.Fatalf("expected calculation error, got %v", err)
	}
}

func TestMetricsCmd_Table(t *testing.T) {
	restoreGlobals(t)
	resetMetricsFlags(t)
	MetricsCalc = &metricsMock{calcFn: func(time.Time) (*observability.Metrics, error) {
		return sampleMetrics(), nil
	}}
	metricsJSON = false
	metricsSince = "30d"
	out := captureOutput(t, metricsCmd)

	if err := metricsCmd.RunE(metricsCmd, []string{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	text := out.String()
	for _, want := range []string{"Poll cycles:", "12", "Tasks delegated:", "Success rate:", "75.0%", "By workflow:", "plan_implement:", "Reports by status:"} {
		if !strings.Contains(text, want) {
			t.Errorf("table missing %q:\n%s", want, text)
		}
	}
}

func TestMetricsCmd_JSON(t *testing.T) {
	restoreGlobals(t)
	resetMetricsFlags(t)
	MetricsCalc = &metricsMock{calcFn: func(time.Time) (*observability.Metrics, error) {
		return sampleMetrics(), nil
	}}
	metricsJSON = true
	metricsSince = "7d"
	out := captureOutput(t, metricsCmd)

	if err := metricsCmd.RunE(metricsCmd, []string{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var got map[string]any
	if err := json.Unmarshal(out.Bytes(), &got); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out.String())
	}
	if got["tasks_delegated"] != float64(3) {
		t.Errorf("tasks_delegated = %v", got["tasks_delegated"])
	}
	if got["success_rate"] != float64(75) {
		t.Errorf("success_rate = %v", got["success_rate"])
	}
}
