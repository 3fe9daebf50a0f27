package observability

import (
	"fmt"
	"sort"
	"time"
)

// AlertSeverity represents the urgency of an alert.
type AlertSeverity string

const (
	SeverityHigh   AlertSeverity = "high"
	SeverityMedium AlertSeverity = "medium"
	SeverityLow    AlertSeverity = "low"
)

// Alert represents a triggered alert condition.
type Alert struct {
	ID          string        `json:"id"`
	Condition   string        `json:"condition"`
	Severity    AlertSeverity `json:"severity"`
	Message     string        `json:"message"`
	TriggeredAt time.Time     `json:"triggered_at"`
}

// AlertThresholds configures when alerts fire.
type AlertThresholds struct {
	// FailureRatePercent fires when the share of failed delegation attempts
	// in Window reaches it, once at least MinAttempts were made.
	FailureRatePercent float64       `yaml:"failure_rate_percent" json:"failure_rate_percent"`
	MinAttempts        int           `yaml:"min_attempts" json:"min_attempts"`
	Window             time.Duration `yaml:"window" json:"window"`
	// FetchFailureStreak fires after this many consecutive failed fetches.
	FetchFailureStreak int `yaml:"fetch_failure_streak" json:"fetch_failure_streak"`
	// StalledHours fires for spawned dispatches that never reported back.
	StalledHours int `yaml:"stalled_hours" json:"stalled_hours"`
}

// DefaultAlertThresholds returns the thresholds used by twd status.
func DefaultAlertThresholds() AlertThresholds {
	return AlertThresholds{
		FailureRatePercent: 50,
		MinAttempts:        4,
		Window:             24 * time.Hour,
		FetchFailureStreak: 3,
		StalledHours:       24,
	}
}

// AlertEngine evaluates alert conditions against the event log.
type AlertEngine interface {
	Evaluate() ([]Alert, error)
}

type alertEngine struct {
	eventLog   EventLog
	thresholds AlertThresholds
	now        func() time.Time
}

// NewAlertEngine creates an AlertEngine over eventLog.
func NewAlertEngine(eventLog EventLog, thresholds AlertThresholds) AlertEngine {
	return &alertEngine{
		eventLog:   eventLog,
		thresholds: thresholds,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (ae *alertEngine) Evaluate() ([]Alert, error) {
	now := ae.now()
	var alerts []Alert

	checks := []struct {
		name string
		fn   func(time.Time) ([]Alert, error)
	}{
		{"failure rate", ae.checkFailureRate},
		{"fetch failures", ae.checkFetchFailures},
		{"stalled dispatches", ae.checkStalledDispatches},
		{"cycle panics", ae.checkPanics},
	}
	for _, c := range checks {
		found, err := c.fn(now)
		if err != nil {
			return nil, fmt.Errorf("checking %s: %w", c.name, err)
		}
		alerts = append(alerts, found...)
	}
	return alerts, nil
}

func (ae *alertEngine) windowStart(now time.Time) *time.Time {
	if ae.thresholds.Window <= 0 {
		return nil
	}
	since := now.Add(-ae.thresholds.Window)
	return &since
}

func (ae *alertEngine) checkFailureRate(now time.Time) ([]Alert, error) {
	if ae.thresholds.FailureRatePercent <= 0 {
		return nil, nil
	}
	events, err := ae.eventLog.Read(EventFilter{Since: ae.windowStart(now), TypePrefix: "dispatch."})
	if err != nil {
		return nil, err
	}

	var spawned, failed int
	for _, e := range events {
		switch e.Type {
		case EventDispatchSpawned:
			spawned++
		case EventDispatchFailed, EventDispatchClaimFailed:
			failed++
		}
	}
	attempts := spawned + failed
	if attempts == 0 || attempts < ae.thresholds.MinAttempts {
		return nil, nil
	}
	rate := float64(failed) / float64(attempts) * 100
	if rate < ae.thresholds.FailureRatePercent {
		return nil, nil
	}
	return []Alert{{
		ID:          "failure-rate",
		Condition:   "dispatch_failure_rate",
		Severity:    SeverityHigh,
		Message:     fmt.Sprintf("%d of %d delegation attempts failed (%.0f%%)", failed, attempts, rate),
		TriggeredAt: now,
	}}, nil
}

// checkFetchFailures counts failed fetches since the last cycle that fetched
// successfully. A failed fetch is logged just before its cycle.completed.
func (ae *alertEngine) checkFetchFailures(now time.Time) ([]Alert, error) {
	if ae.thresholds.FetchFailureStreak <= 0 {
		return nil, nil
	}
	events, err := ae.eventLog.Read(EventFilter{TypePrefix: "cycle."})
	if err != nil {
		return nil, err
	}

	streak := 0
	pendingFailure := false
	for _, e := range events {
		switch e.Type {
		case EventCycleFetchFailed:
			streak++
			pendingFailure = true
		case EventCycleCompleted:
			if !pendingFailure {
				streak = 0
			}
			pendingFailure = false
		}
	}
	if streak < ae.thresholds.FetchFailureStreak {
		return nil, nil
	}
	return []Alert{{
		ID:          "fetch-failures",
		Condition:   "tracker_unreachable",
		Severity:    SeverityMedium,
		Message:     fmt.Sprintf("the last %d task fetches failed", streak),
		TriggeredAt: now,
	}}, nil
}

func (ae *alertEngine) checkStalledDispatches(now time.Time) ([]Alert, error) {
	if ae.thresholds.StalledHours <= 0 {
		return nil, nil
	}
	events, err := ae.eventLog.Read(EventFilter{TypePrefix: "dispatch."})
	if err != nil {
		return nil, err
	}

	type spawn struct {
		taskID string
		at     time.Time
	}
	open := make(map[string]spawn)
	for _, e := range events {
		id := e.DispatchID()
		if id == "" {
			continue
		}
		switch e.Type {
		case EventDispatchSpawned:
			open[id] = spawn{taskID: e.TaskID(), at: e.Time}
		case EventDispatchReported:
			delete(open, id)
		}
	}

	threshold := time.Duration(ae.thresholds.StalledHours) * time.Hour
	ids := make([]string, 0, len(open))
	for id := range open {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var alerts []Alert
	for _, id := range ids {
		s := open[id]
		if now.Sub(s.at) <= threshold {
			continue
		}
		alerts = append(alerts, Alert{
			ID:          "stalled-" + id,
			Condition:   "dispatch_stalled",
			Severity:    SeverityLow,
			Message:     fmt.Sprintf("dispatch %s for task %s has not reported in %d hours", id, s.taskID, ae.thresholds.StalledHours),
			TriggeredAt: now,
		})
	}
	return alerts, nil
}

func (ae *alertEngine) checkPanics(now time.Time) ([]Alert, error) {
	events, err := ae.eventLog.Read(EventFilter{Since: ae.windowStart(now), Type: EventCyclePanicked})
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, nil
	}
	return []Alert{{
		ID:          "cycle-panics",
		Condition:   "cycle_panicked",
		Severity:    SeverityHigh,
		Message:     fmt.Sprintf("%d poll cycles panicked; last: %v", len(events), events[len(events)-1].Data["panic"]),
		TriggeredAt: now,
	}}, nil
}
