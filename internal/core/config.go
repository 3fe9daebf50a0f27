// Package core contains the task delegation engine: tag extraction,
// eligibility, workflow routing, the claim and spawn protocol, the polling
// scheduler and configuration.
package core

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/valter-silva-au/teamwork-delegator/pkg/models"
)

const (
	// ConfigFileName is the YAML configuration file read from the base path.
	ConfigFileName = ".twdconfig"
	// DotEnvFileName holds KEY=value pairs loaded beneath the process
	// environment.
	DotEnvFileName = ".env"
)

// envBindings maps config keys to the environment variables that set them,
// in order of precedence.
var envBindings = map[string][]string{
	"teamwork.project_id": {"TEAMWORK_PROJECT_ID", "TWD_TEAMWORK_PROJECT_ID"},
	"teamwork.site":       {"TEAMWORK_SITE", "TWD_TEAMWORK_SITE"},
	"teamwork.api_key":    {"TEAMWORK_API_KEY", "TWD_TEAMWORK_API_KEY"},
	"log.level":           {"TWD_LOG_LEVEL"},
}

// ConfigurationManager loads and validates the delegator configuration.
type ConfigurationManager interface {
	// Load reads .twdconfig, .env and the environment over the defaults. It
	// does not validate.
	Load() (*models.Config, error)
	// Validate checks cfg and returns every problem found in one error.
	Validate(cfg *models.Config) error
}

// viperConfigManager implements ConfigurationManager using Viper.
type viperConfigManager struct {
	// basePath is the directory holding .twdconfig and .env.
	basePath string
	validate *validator.Validate
}

// NewConfigurationManager creates a ConfigurationManager that reads files
// relative to basePath.
func NewConfigurationManager(basePath string) ConfigurationManager {
	return &viperConfigManager{basePath: basePath, validate: validator.New()}
}

// DefaultConfig returns a Config populated with the stock settings.
func DefaultConfig() *models.Config {
	return &models.Config{
		Tracker: models.TrackerConfig{
			Kind:     models.TrackerREST,
			FilePath: "tasks.yaml",
		},
		Polling: models.PollingConfig{
			IntervalSeconds:    15,
			MaxConcurrentTasks: 3,
			DispatchPause:      time.Second,
			RequestTimeout:     10 * time.Second,
		},
		StatusFilter: append([]string(nil), DefaultAllowedStatuses...),
		Routing: models.RoutingConfig{
			PlanThreshold: DefaultPlanThreshold,
			NameMaxLength: DefaultNameMaxLength,
		},
		Workflows: models.WorkflowsConfig{
			Build:         "adws/adw_build_update_teamwork_task.py",
			PlanImplement: "adws/adw_plan_implement_update_teamwork_task.py",
		},
		Workspace: models.WorkspaceConfig{
			BasePath:   "trees",
			BaseBranch: "main",
		},
		Log: models.LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

func (cm *viperConfigManager) Load() (*models.Config, error) {
	def := DefaultConfig()

	v := viper.New()
	v.SetConfigName(ConfigFileName)
	v.SetConfigType("yaml")
	v.AddConfigPath(cm.basePath)

	// Set Viper defaults so missing keys fall back gracefully.
	v.SetDefault("teamwork.project_id", "")
	v.SetDefault("teamwork.site", "")
	v.SetDefault("teamwork.api_key", "")
	v.SetDefault("tracker.kind", def.Tracker.Kind)
	v.SetDefault("tracker.mcp_command", "")
	v.SetDefault("tracker.mcp_args", []string{})
	v.SetDefault("tracker.file_path", def.Tracker.FilePath)
	v.SetDefault("polling.interval", def.Polling.IntervalSeconds)
	v.SetDefault("polling.max_concurrent_tasks", def.Polling.MaxConcurrentTasks)
	v.SetDefault("polling.dispatch_pause", def.Polling.DispatchPause)
	v.SetDefault("polling.request_timeout", def.Polling.RequestTimeout)
	v.SetDefault("status_filter", def.StatusFilter)
	v.SetDefault("status_mapping", map[string]string{})
	v.SetDefault("routing.plan_threshold", def.Routing.PlanThreshold)
	v.SetDefault("routing.name_max_length", def.Routing.NameMaxLength)
	v.SetDefault("routing.model", "")
	v.SetDefault("workflows.build", def.Workflows.Build)
	v.SetDefault("workflows.plan_implement", def.Workflows.PlanImplement)
	v.SetDefault("workspace.base_path", def.Workspace.BasePath)
	v.SetDefault("workspace.create", def.Workspace.Create)
	v.SetDefault("workspace.base_branch", def.Workspace.BaseBranch)
	v.SetDefault("log.level", def.Log.Level)
	v.SetDefault("log.format", def.Log.Format)
	v.SetDefault("metrics.addr", "")
	v.SetDefault("notifications.slack_webhook", "")

	v.SetEnvPrefix("TWD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, envs := range envBindings {
		if err := v.BindEnv(append([]string{key}, envs...)...); err != nil {
			return nil, fmt.Errorf("binding environment for %s: %w", key, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading %s: %w", ConfigFileName, err)
		}
	}

	if err := cm.applyDotEnv(v); err != nil {
		return nil, err
	}

	cfg := &models.Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding configuration: %w", err)
	}
	return cfg, nil
}

// applyDotEnv reads .env and applies each bound variable that the process
// environment does not already set.
func (cm *viperConfigManager) applyDotEnv(v *viper.Viper) error {
	path := filepath.Join(cm.basePath, DotEnvFileName)
	if _, err := os.Stat(path); err != nil {
		return nil
	}

	dv := viper.New()
	dv.SetConfigFile(path)
	dv.SetConfigType("env")
	if err := dv.ReadInConfig(); err != nil {
		return fmt.Errorf("reading %s: %w", DotEnvFileName, err)
	}

	for key, envs := range envBindings {
		for _, env := range envs {
			if _, set := os.LookupEnv(env); set {
				break
			}
			// The env reader lower-cases keys.
			if val := dv.GetString(strings.ToLower(env)); val != "" {
				v.Set(key, val)
				break
			}
		}
	}
	return nil
}

func (cm *viperConfigManager) Validate(cfg *models.Config) error {
	if cfg == nil {
		return fmt.Errorf("configuration is nil")
	}

	var errs []string

	if err := cm.validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("validating configuration: %w", err)
		}
		for _, fe := range verrs {
			errs = append(errs, describeFieldError(fe))
		}
	}

	switch cfg.Tracker.Kind {
	case models.TrackerREST:
		if cfg.Teamwork.Site == "" {
			errs = append(errs, "teamwork.site (TEAMWORK_SITE) is required for the rest tracker")
		}
		if cfg.Teamwork.APIKey == "" {
			errs = append(errs, "teamwork.api_key (TEAMWORK_API_KEY) is required for the rest tracker")
		}
	case models.TrackerMCP:
		if cfg.Tracker.MCPCommand == "" {
			errs = append(errs, "tracker.mcp_command is required for the mcp tracker")
		}
	case models.TrackerFile:
		if cfg.Tracker.FilePath == "" {
			errs = append(errs, "tracker.file_path is required for the file tracker")
		}
	}

	for internal := range cfg.StatusMapping {
		if !knownInternalStatus(internal) {
			errs = append(errs, fmt.Sprintf(
				"status_mapping key %q is not a known status, must be one of: new, in progress, complete, review, blocked",
				internal,
			))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// fieldKeys maps struct namespaces to their config keys for error messages.
var fieldKeys = map[string]string{
	"Config.Teamwork.ProjectID":         "teamwork.project_id (TEAMWORK_PROJECT_ID)",
	"Config.Tracker.Kind":               "tracker.kind",
	"Config.Polling.IntervalSeconds":    "polling.interval",
	"Config.Polling.MaxConcurrentTasks": "polling.max_concurrent_tasks",
	"Config.Polling.DispatchPause":      "polling.dispatch_pause",
	"Config.Polling.RequestTimeout":     "polling.request_timeout",
	"Config.StatusFilter":               "status_filter",
	"Config.Routing.PlanThreshold":      "routing.plan_threshold",
	"Config.Routing.NameMaxLength":      "routing.name_max_length",
	"Config.Routing.Model":              "routing.model",
	"Config.Workflows.Build":            "workflows.build",
	"Config.Workflows.PlanImplement":    "workflows.plan_implement",
	"Config.Log.Format":                 "log.format",
	"Config.Notifications.SlackWebhook": "notifications.slack_webhook",
}

func describeFieldError(fe validator.FieldError) string {
	key, ok := fieldKeys[fe.StructNamespace()]
	if !ok {
		key = fe.StructNamespace()
	}
	switch fe.Tag() {
	case "required":
		return key + " is required"
	case "oneof":
		return fmt.Sprintf("%s %q is invalid, must be one of: %s", key, fmt.Sprint(fe.Value()), fe.Param())
	case "gte", "gt", "min":
		return fmt.Sprintf("%s must be %s %s, got %v", key, fe.Tag(), fe.Param(), fe.Value())
	case "url":
		return fmt.Sprintf("%s %q is not a valid URL", key, fmt.Sprint(fe.Value()))
	default:
		return fmt.Sprintf("%s failed %s validation", key, fe.Tag())
	}
}

func knownInternalStatus(s string) bool {
	switch models.InternalStatus(strings.ToLower(strings.TrimSpace(s))) {
	case models.StatusNew, models.StatusInProgress, models.StatusComplete, models.StatusReview, models.StatusBlocked:
		return true
	}
	return false
}
