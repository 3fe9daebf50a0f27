package observability

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// EventLogFileName is the JSONL file written under the base path.
const EventLogFileName = ".twd_events.jsonl"

// Event types written by the delegation engine and the report command.
const (
	EventDispatchClaimed     = "dispatch.claimed"
	EventDispatchSpawned     = "dispatch.spawned"
	EventDispatchFailed      = "dispatch.failed"
	EventDispatchClaimFailed = "dispatch.claim_failed"
	EventDispatchDryRun      = "dispatch.dry_run"
	EventDispatchReported    = "dispatch.reported"
	EventCycleCompleted      = "cycle.completed"
	EventCycleFetchFailed    = "cycle.fetch_failed"
	EventCyclePanicked       = "cycle.panicked"
)

// Event levels.
const (
	LevelInfo  = "INFO"
	LevelWarn  = "WARN"
	LevelError = "ERROR"
)

// Event is one line of the event log.
type Event struct {
	Time    time.Time      `json:"time"`
	Level   string         `json:"level"`
	Type    string         `json:"type"`
	Message string         `json:"msg"`
	Data    map[string]any `json:"data,omitempty"`
}

// DispatchID returns the dispatch_id attached to the event, if any.
func (e Event) DispatchID() string {
	id, _ := e.Data["dispatch_id"].(string)
	return id
}

// TaskID returns the task_id attached to the event, if any.
func (e Event) TaskID() string {
	id, _ := e.Data["task_id"].(string)
	return id
}

// EventFilter selects events on read. Zero fields match everything.
type EventFilter struct {
	Since *time.Time
	Until *time.Time
	Type  string
	// TypePrefix matches a family such as "dispatch.".
	TypePrefix string
	Level      string
	DispatchID string
}

// EventLog writes and reads events.
type EventLog interface {
	Write(event Event) error
	Read(filter EventFilter) ([]Event, error)
	// Tail returns the last n events matching filter, oldest first.
	Tail(filter EventFilter, n int) ([]Event, error)
	Close() error
}

type jsonlEventLog struct {
	path string
	file *os.File
	mu   sync.Mutex
}

// NewJSONLEventLog creates an EventLog appending to the JSONL file at path.
func NewJSONLEventLog(path string) (EventLog, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening event log: %w", err)
	}
	return &jsonlEventLog{
		path: path,
		file: f,
	}, nil
}

// Write appends event as one JSON line. A zero Time is set to now and a
// blank Level is derived from the event type.
func (l *jsonlEventLog) Write(event Event) error {
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}
	if event.Level == "" {
		event.Level = LevelForType(event.Type)
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshalling event: %w", err)
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.file.Write(data); err != nil {
		return fmt.Errorf("writing event: %w", err)
	}
	return nil
}

func (l *jsonlEventLog) Read(filter EventFilter) ([]Event, error) {
	var events []Event
	err := l.scan(func(e Event) {
		if matchesEventFilter(e, filter) {
			events = append(events, e)
		}
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

func (l *jsonlEventLog) Tail(filter EventFilter, n int) ([]Event, error) {
	if n <= 0 {
		return nil, nil
	}
	ring := make([]Event, 0, n)
	err := l.scan(func(e Event) {
		if !matchesEventFilter(e, filter) {
			return
		}
		if len(ring) == n {
			copy(ring, ring[1:])
			ring = ring[:n-1]
		}
		ring = append(ring, e)
	})
	if err != nil {
		return nil, err
	}
	return ring, nil
}

// scan decodes every well-formed line of the log. Malformed lines, such as a
// partially written last line, are skipped.
func (l *jsonlEventLog) scan(fn func(Event)) error {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("opening event log for reading: %w", err)
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var event Event
		if err := json.Unmarshal(line, &event); err != nil {
			continue
		}
		fn(event)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scanning event log: %w", err)
	}
	return nil
}

func (l *jsonlEventLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.file.Close(); err != nil {
		return fmt.Errorf("closing event log: %w", err)
	}
	return nil
}

// LevelForType maps an event type to its severity.
func LevelForType(eventType string) string {
	switch eventType {
	case EventDispatchFailed, EventCyclePanicked:
		return LevelError
	case EventDispatchClaimFailed, EventCycleFetchFailed:
		return LevelWarn
	default:
		return LevelInfo
	}
}

func matchesEventFilter(event Event, filter EventFilter) bool {
	if filter.Since != nil && event.Time.Before(*filter.Since) {
		return false
	}
	if filter.Until != nil && event.Time.After(*filter.Until) {
		return false
	}
	if filter.Type != "" && event.Type != filter.Type {
		return false
	}
	if filter.TypePrefix != "" && !strings.HasPrefix(event.Type, filter.TypePrefix) {
		return false
	}
	if filter.Level != "" && event.Level != filter.Level {
		return false
	}
	if filter.DispatchID != "" && event.DispatchID() != filter.DispatchID {
		return false
	}
	return true
}
