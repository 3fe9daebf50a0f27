package cli

import (
	"bytes"
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"github.com/valter-silva-au/teamwork-delegator/internal/core"
	"github.com/valter-silva-au/teamwork-delegator/internal/observability"
	"github.com/valter-silva-au/teamwork-delegator/pkg/models"
)

// restoreGlobals snapshots the package-level services and restores them when
// the test ends.
func restoreGlobals(t *testing.T) {
	t.Helper()
	cfg, logger, router, statuses := Config, Logger, Router, Statuses
	newRunner, newSink := NewRunner, NewReportSink
	eventLog, alerts, metrics, notifier := EventLog, AlertEngine, MetricsCalc, Notifier
	t.Cleanup(func() {
		Config, Logger, Router, Statuses = cfg, logger, router, statuses
		NewRunner, NewReportSink = newRunner, newSink
		EventLog, AlertEngine, MetricsCalc, Notifier = eventLog, alerts, metrics, notifier
	})
}

// captureOutput points cmd's output at a buffer for the duration of the test.
func captureOutput(t *testing.T, cmd *cobra.Command) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	t.Cleanup(func() { cmd.SetOut(nil) })
	return &buf
}

func testConfig() *models.Config {
	cfg := core.DefaultConfig()
	cfg.Teamwork.ProjectID = "4242"
	return cfg
}

func newTestEventLog(t *testing.T) observability.EventLog {
	t.Helper()
	log, err := observability.NewJSONLEventLog(filepath.Join(t.TempDir(), observability.EventLogFileName))
	if err != nil {
		t.Fatalf("creating event log: %v", err)
	}
	t.Cleanup(func() { _ = log.Close() })
	return log
}

type metricsMock struct {
	calcFn func(since time.Time) (*observability.Metrics, error)
}

func (m *metricsMock) Calculate(since time.Time) (*observability.Metrics, error) {
	return m.calcFn(since)
}

type alertsMock struct {
	evaluateFn func() ([]observability.Alert, error)
}

func (m *alertsMock) Evaluate() ([]observability.Alert, error) {
	return m.evaluateFn()
}

type notifierMock struct {
	notifyFn func(alerts []observability.Alert) error
}

func (m *notifierMock) Notify(alerts []observability.Alert) error {
	return m.notifyFn(alerts)
}

func (m *notifierMock) NotifyDispatchFailed(string, string, error) error {
	return nil
}

type sinkCall struct {
	taskID  string
	status  string
	payload string
}

type fakeSink struct {
	mu    sync.Mutex
	calls []sinkCall
	err   error
}

func (f *fakeSink) UpdateStatus(_ context.Context, taskID, remoteStatus, payload string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, sinkCall{taskID: taskID, status: remoteStatus, payload: payload})
	return f.err
}

type fakeScheduler struct {
	onceCalls int
	runCalls  int
	result    *core.CycleResult
}

func (f *fakeScheduler) RunOnce(context.Context) *core.CycleResult {
	f.onceCalls++
	if f.result == nil {
		return &core.CycleResult{}
	}
	return f.result
}

func (f *fakeScheduler) Run(ctx context.Context) error {
	f.runCalls++
	<-ctx.Done()
	return nil
}
