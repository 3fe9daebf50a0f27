package observability

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Metrics summarises delegation activity over a window of the event log.
type Metrics struct {
	Cycles          int            `json:"cycles"`
	TasksProcessed  int            `json:"tasks_processed"`
	TasksDelegated  int            `json:"tasks_delegated"`
	TasksFailed     int            `json:"tasks_failed"`
	ClaimFailures   int            `json:"claim_failures"`
	DryRuns         int            `json:"dry_runs"`
	Reported        int            `json:"reported"`
	APICalls        int            `json:"api_calls"`
	APIErrors       int            `json:"api_errors"`
	ByWorkflow      map[string]int `json:"by_workflow"`
	ByModel         map[string]int `json:"by_model"`
	ReportsByStatus map[string]int `json:"reports_by_status"`
	EventCount      int            `json:"event_count"`
	OldestEvent     *time.Time     `json:"oldest_event,omitempty"`
	NewestEvent     *time.Time     `json:"newest_event,omitempty"`
}

// SuccessRate is the share of delegation attempts that spawned, in percent.
// It is 0 when nothing was attempted.
func (m *Metrics) SuccessRate() float64 {
	attempts := m.TasksDelegated + m.TasksFailed + m.ClaimFailures
	if attempts == 0 {
		return 0
	}
	return float64(m.TasksDelegated) / float64(attempts) * 100
}

// MetricsCalculator derives metrics from the event log.
type MetricsCalculator interface {
	Calculate(since time.Time) (*Metrics, error)
}

type metricsCalculator struct {
	eventLog EventLog
}

// NewMetricsCalculator creates a MetricsCalculator reading from eventLog.
func NewMetricsCalculator(eventLog EventLog) MetricsCalculator {
	return &metricsCalculator{eventLog: eventLog}
}

// Calculate aggregates all events since the given time.
//
// Every cycle makes one fetch call and every claim attempt one update call;
// a rollback after a failed spawn is one more.
func (mc *metricsCalculator) Calculate(since time.Time) (*Metrics, error) {
	events, err := mc.eventLog.Read(EventFilter{Since: &since})
	if err != nil {
		return nil, fmt.Errorf("reading events for metrics: %w", err)
	}

	m := &Metrics{
		ByWorkflow:      make(map[string]int),
		ByModel:         make(map[string]int),
		ReportsByStatus: make(map[string]int),
	}
	m.EventCount = len(events)

	for i, event := range events {
		t := event.Time
		if i == 0 {
			m.OldestEvent = &t
		}
		m.NewestEvent = &t

		switch event.Type {
		case EventCycleCompleted:
			m.Cycles++
			m.APICalls++
			m.TasksProcessed += intField(event.Data, "eligible")
		case EventCycleFetchFailed:
			m.APIErrors++
		case EventDispatchClaimed:
			m.APICalls++
		case EventDispatchClaimFailed:
			m.APICalls++
			m.APIErrors++
			m.ClaimFailures++
		case EventDispatchSpawned:
			m.TasksDelegated++
			if w, ok := event.Data["workflow"].(string); ok {
				m.ByWorkflow[w]++
			}
			if model, ok := event.Data["model"].(string); ok {
				m.ByModel[model]++
			}
		case EventDispatchFailed:
			m.TasksFailed++
			m.APICalls++
			if rb, ok := event.Data["rollback_error"].(string); ok && rb != "" {
				m.APIErrors++
			}
		case EventDispatchDryRun:
			m.DryRuns++
		case EventDispatchReported:
			m.Reported++
			m.APICalls++
			if s, ok := event.Data["status"].(string); ok {
				m.ReportsByStatus[s]++
			}
		}
	}

	return m, nil
}

// intField reads a JSON number that was decoded as float64.
func intField(data map[string]any, key string) int {
	switch v := data[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

// ParseSince turns a look-back window such as "7d", "24h" or "90m"
// into the UTC instant that far in the past. An empty window means 7 days.
func ParseSince(s string) (time.Time, error) {
	now := time.Now().UTC()
	s = strings.TrimSpace(s)
	switch {
	case s == "":
		return now.AddDate(0, 0, -7), nil
	case strings.HasSuffix(s, "d"):
		days, err := strconv.Atoi(strings.TrimSuffix(s, "d"))
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid day duration %q", s)
		}
		return now.AddDate(0, 0, -days), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("unsupported duration format %q (use e.g. 7d, 24h, 90m)", s)
	}
	return now.Add(-d), nil
}
