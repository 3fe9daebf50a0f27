package core

// EventLogger records business events such as dispatch.claimed or
// cycle.completed. It is the subset of the observability event log that the
// delegation engine needs, declared here so core does not import
// observability.
type EventLogger interface {
	LogEvent(eventType string, data map[string]any) error
}
