// Package internal provides the App struct that wires all components of the
// Teamwork delegator together and initializes the CLI layer.
package internal

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/valter-silva-au/teamwork-delegator/internal/cli"
	"github.com/valter-silva-au/teamwork-delegator/internal/core"
	"github.com/valter-silva-au/teamwork-delegator/internal/integration"
	"github.com/valter-silva-au/teamwork-delegator/internal/observability"
	"github.com/valter-silva-au/teamwork-delegator/internal/storage"
	"github.com/valter-silva-au/teamwork-delegator/pkg/models"
)

// App holds the long-lived services of the delegator. The polling stack
// itself is built on demand by twd run, after command-line overrides have
// been applied to the configuration.
type App struct {
	BasePath string

	// Configuration
	ConfigMgr core.ConfigurationManager
	Config    *models.Config
	// loadErr is the error from reading .twdconfig, if any. It is reported
	// by commands that need a valid configuration.
	loadErr error

	Logger   *slog.Logger
	Router   *core.WorkflowRouter
	Statuses *core.StatusMap

	// Observability
	EventLog    observability.EventLog
	AlertEngine observability.AlertEngine
	MetricsCalc observability.MetricsCalculator
	Notifier    observability.Notifier
}

// tracker is what every tracker kind provides: a task source and a status
// sink.
type tracker interface {
	core.TaskSource
	core.StatusSink
}

// NewApp creates and wires the delegator services rooted at basePath, the
// directory holding .twdconfig and the event log.
func NewApp(basePath string) (*App, error) {
	app := &App{BasePath: basePath}

	// --- Configuration ---
	app.ConfigMgr = core.NewConfigurationManager(basePath)
	cfg, err := app.ConfigMgr.Load()
	if err != nil {
		// Keep going with defaults so read-only commands still work.
		app.loadErr = err
		cfg = core.DefaultConfig()
	}
	app.Config = cfg

	app.Logger = observability.NewLogger(cfg.Log.Level, cfg.Log.Format)
	if app.loadErr != nil {
		app.Logger.Warn("using default configuration", "error", app.loadErr)
	}
	app.Statuses = core.NewStatusMap(cfg.StatusMapping)
	app.Router = core.NewWorkflowRouter(routerConfig(cfg))

	// --- Observability ---
	eventLogPath := filepath.Join(basePath, observability.EventLogFileName)
	app.EventLog, err = observability.NewJSONLEventLog(eventLogPath)
	if err != nil {
		// Non-fatal: disable observability if log can't be created.
		app.Logger.Warn("event log disabled", "path", eventLogPath, "error", err)
		app.EventLog = nil
	}
	if app.EventLog != nil {
		app.AlertEngine = observability.NewAlertEngine(app.EventLog, observability.DefaultAlertThresholds())
		app.MetricsCalc = observability.NewMetricsCalculator(app.EventLog)
	}
	if cfg.Notifications.SlackWebhook != "" {
		app.Notifier = observability.NewSlackNotifier(cfg.Notifications.SlackWebhook)
	}

	// --- Wire CLI package-level variables ---
	cli.BasePath = basePath
	cli.Config = cfg
	cli.Logger = app.Logger
	cli.Router = app.Router
	cli.Statuses = app.Statuses

	cli.EventLog = app.EventLog
	cli.AlertEngine = app.AlertEngine
	cli.MetricsCalc = app.MetricsCalc
	cli.Notifier = app.Notifier

	cli.NewRunner = app.NewRunner
	cli.NewReportSink = app.NewReportSink

	return app, nil
}

// NewRunner validates cfg and builds the tracker, delegation engine and
// scheduler for one twd run invocation. Invalid configuration is returned as
// a configuration error.
func (a *App) NewRunner(cfg *models.Config, dryRun bool) (*cli.Runner, error) {
	if a.loadErr != nil {
		return nil, core.NewConfigurationError(a.loadErr)
	}
	if err := a.ConfigMgr.Validate(cfg); err != nil {
		return nil, core.NewConfigurationError(err)
	}

	src, closer, err := openTracker(a.BasePath, cfg, a.Logger)
	if err != nil {
		return nil, core.NewConfigurationError(fmt.Errorf("opening %s tracker: %w", cfg.Tracker.Kind, err))
	}

	spawner := integration.NewSpawner(integration.SpawnerConfig{
		BaseDir: a.BasePath,
		Logger:  a.Logger,
	})
	workspaces := integration.NewWorkspaceProvider(integration.WorkspaceConfig{
		RepoRoot:   a.BasePath,
		TreesDir:   cfg.Workspace.BasePath,
		Create:     cfg.Workspace.Create,
		BaseBranch: cfg.Workspace.BaseBranch,
		Logger:     a.Logger,
	})

	var events core.EventLogger
	if a.EventLog != nil {
		events = &eventLogAdapter{log: a.EventLog}
	}
	var notifier core.FailureNotifier
	if a.Notifier != nil {
		notifier = a.Notifier
	}

	reg := prometheus.NewRegistry()
	var dm core.DelegationManager
	metrics := observability.MustNewMetrics(reg, func() int {
		if dm == nil {
			return 0
		}
		return len(dm.InFlight())
	})

	dm = core.NewDelegationManager(core.DelegationConfig{
		ProjectID: cfg.Teamwork.ProjectID,
		Executables: map[models.WorkflowVariant]string{
			models.WorkflowBuild:         cfg.Workflows.Build,
			models.WorkflowPlanImplement: cfg.Workflows.PlanImplement,
		},
		ClaimableStatuses: cfg.StatusFilter,
		DryRun:            dryRun,
	}, core.DelegationDeps{
		Sink:       src,
		Spawner:    spawner,
		Statuses:   core.NewStatusMap(cfg.StatusMapping),
		Workspaces: workspaces,
		Events:     events,
		Metrics:    metrics,
		Notifier:   notifier,
		Logger:     a.Logger,
	})

	scheduler := core.NewPollingScheduler(core.SchedulerConfig{
		ProjectID:          cfg.Teamwork.ProjectID,
		StatusFilter:       cfg.StatusFilter,
		MaxConcurrentTasks: cfg.Polling.MaxConcurrentTasks,
		PollInterval:       cfg.Polling.Interval(),
		DispatchPause:      cfg.Polling.DispatchPause,
		Model:              models.ModelTier(cfg.Routing.Model),
	}, src, core.NewWorkflowRouter(routerConfig(cfg)), dm, events, metrics, a.Logger)

	runner := &cli.Runner{Scheduler: scheduler, Gatherer: reg}
	if closer != nil {
		runner.Close = closer.Close
	}
	return runner, nil
}

// NewReportSink opens the tracker twd report writes the final status to.
// Only the tracker settings are checked; a spawned workflow may run with a
// partial configuration.
func (a *App) NewReportSink(cfg *models.Config) (core.StatusSink, io.Closer, error) {
	if a.loadErr != nil {
		return nil, nil, core.NewConfigurationError(a.loadErr)
	}
	src, closer, err := openTracker(a.BasePath, cfg, a.Logger)
	if err != nil {
		return nil, nil, core.NewConfigurationError(err)
	}
	return src, closer, nil
}

// openTracker builds the tracker selected by cfg.Tracker.Kind. The closer is
// nil for trackers that hold no connection.
func openTracker(basePath string, cfg *models.Config, logger *slog.Logger) (tracker, io.Closer, error) {
	switch cfg.Tracker.Kind {
	case models.TrackerMCP:
		t, err := integration.NewMCPTracker(integration.MCPTrackerConfig{
			Command: cfg.Tracker.MCPCommand,
			Args:    cfg.Tracker.MCPArgs,
			Version: cli.Version(),
			Logger:  logger,
		})
		if err != nil {
			return nil, nil, err
		}
		return t, t, nil
	case models.TrackerFile:
		path := cfg.Tracker.FilePath
		if path == "" {
			return nil, nil, fmt.Errorf("tracker.file_path is required for the file tracker")
		}
		if !filepath.IsAbs(path) {
			path = filepath.Join(basePath, path)
		}
		return storage.NewTaskList(path), nil, nil
	case models.TrackerREST, "":
		c, err := integration.NewTeamworkClient(integration.TeamworkConfig{
			Site:    cfg.Teamwork.Site,
			APIKey:  cfg.Teamwork.APIKey,
			Timeout: cfg.Polling.RequestTimeout,
			Logger:  logger,
		})
		if err != nil {
			return nil, nil, err
		}
		return c, nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown tracker kind %q", cfg.Tracker.Kind)
	}
}

func routerConfig(cfg *models.Config) core.RouterConfig {
	return core.RouterConfig{
		PlanThreshold: cfg.Routing.PlanThreshold,
		NameMaxLength: cfg.Routing.NameMaxLength,
	}
}

// Close releases resources held by the App, such as the event log file handle.
// It is safe to call Close on an App whose EventLog is nil.
func (a *App) Close() error {
	if a.EventLog != nil {
		return a.EventLog.Close()
	}
	return nil
}

// ResolveBasePath determines the delegator's base directory. It checks the
// TWD_HOME env var, then walks up from the current directory looking for
// .twdconfig, then falls back to the current directory.
func ResolveBasePath() string {
	if home := os.Getenv("TWD_HOME"); home != "" {
		return home
	}
	dir, err := os.Getwd()
	if err != nil {
		return "."
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, core.ConfigFileName)); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	cwd, _ := os.Getwd()
	return cwd
}

// --- Adapters ---

// eventLogAdapter adapts observability.EventLog to core.EventLogger.
type eventLogAdapter struct {
	log observability.EventLog
}

func (a *eventLogAdapter) LogEvent(eventType string, data map[string]any) error {
	return a.log.Write(observability.Event{
		Time:    time.Now().UTC(),
		Level:   observability.LevelForType(eventType),
		Type:    eventType,
		Message: eventType,
		Data:    data,
	})
}
