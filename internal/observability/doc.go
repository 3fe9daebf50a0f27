// Package observability provides the dispatch event log, metrics derived
// from it, threshold alerts, Prometheus counters, slog setup and Slack
// notifications for twd. Events are persisted as JSON Lines and metrics are
// computed on demand from the log.
package observability
