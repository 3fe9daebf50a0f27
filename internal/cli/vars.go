package cli

import (
	"io"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/valter-silva-au/teamwork-delegator/internal/core"
	"github.com/valter-silva-au/teamwork-delegator/internal/observability"
	"github.com/valter-silva-au/teamwork-delegator/pkg/models"
)

// Configuration and shared services, set during app initialization in app.go.
var (
	BasePath string
	Config   *models.Config
	Logger   *slog.Logger
	Router   *core.WorkflowRouter
	Statuses *core.StatusMap

	// NewRunner builds the polling stack for twd run from cfg, which already
	// carries the command-line overrides. It validates cfg first.
	NewRunner func(cfg *models.Config, dryRun bool) (*Runner, error)

	// NewReportSink opens the status sink twd report writes to.
	NewReportSink func(cfg *models.Config) (core.StatusSink, io.Closer, error)
)

// Observability service instances, set during app initialization in app.go.
var (
	EventLog    observability.EventLog
	AlertEngine observability.AlertEngine
	MetricsCalc observability.MetricsCalculator
	Notifier    observability.Notifier
)

// Runner is the polling stack driven by twd run.
type Runner struct {
	Scheduler core.PollingScheduler
	// Gatherer serves /metrics; nil disables the endpoint.
	Gatherer prometheus.Gatherer
	// Close releases tracker connections. It may be nil.
	Close func() error
}
