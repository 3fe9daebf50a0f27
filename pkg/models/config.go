package models

import "time"

// Tracker kinds.
const (
	TrackerREST = "rest"
	TrackerMCP  = "mcp"
	TrackerFile = "file"
)

// Config holds every setting the delegator reads from .twdconfig, .env and
// the process environment.
type Config struct {
	Teamwork      TeamworkConfig      `yaml:"teamwork" mapstructure:"teamwork"`
	Tracker       TrackerConfig       `yaml:"tracker" mapstructure:"tracker"`
	Polling       PollingConfig       `yaml:"polling" mapstructure:"polling"`
	StatusFilter  []string            `yaml:"status_filter" mapstructure:"status_filter" validate:"min=1,dive,required"`
	StatusMapping map[string]string   `yaml:"status_mapping,omitempty" mapstructure:"status_mapping"`
	Routing       RoutingConfig       `yaml:"routing" mapstructure:"routing"`
	Workflows     WorkflowsConfig     `yaml:"workflows" mapstructure:"workflows"`
	Workspace     WorkspaceConfig     `yaml:"workspace" mapstructure:"workspace"`
	Log           LogConfig           `yaml:"log" mapstructure:"log"`
	Metrics       MetricsConfig       `yaml:"metrics" mapstructure:"metrics"`
	Notifications NotificationsConfig `yaml:"notifications" mapstructure:"notifications"`
}

// TeamworkConfig identifies the Teamwork site and project to poll.
type TeamworkConfig struct {
	ProjectID string `yaml:"project_id" mapstructure:"project_id" validate:"required"`
	Site      string `yaml:"site,omitempty" mapstructure:"site"`
	APIKey    string `yaml:"-" mapstructure:"api_key"`
}

// TrackerConfig selects the transport used to reach the tracker.
type TrackerConfig struct {
	Kind       string   `yaml:"kind" mapstructure:"kind" validate:"oneof=rest mcp file"`
	MCPCommand string   `yaml:"mcp_command,omitempty" mapstructure:"mcp_command"`
	MCPArgs    []string `yaml:"mcp_args,omitempty" mapstructure:"mcp_args"`
	FilePath   string   `yaml:"file_path,omitempty" mapstructure:"file_path"`
}

// PollingConfig controls the scheduler cadence and bounds.
type PollingConfig struct {
	IntervalSeconds    int           `yaml:"interval" mapstructure:"interval" validate:"gte=1"`
	MaxConcurrentTasks int           `yaml:"max_concurrent_tasks" mapstructure:"max_concurrent_tasks" validate:"gte=1"`
	DispatchPause      time.Duration `yaml:"dispatch_pause" mapstructure:"dispatch_pause" validate:"gte=0"`
	RequestTimeout     time.Duration `yaml:"request_timeout" mapstructure:"request_timeout" validate:"gt=0"`
}

// Interval returns the poll interval as a duration.
func (p PollingConfig) Interval() time.Duration {
	return time.Duration(p.IntervalSeconds) * time.Second
}

// RoutingConfig holds the workflow router thresholds and default model.
type RoutingConfig struct {
	PlanThreshold int    `yaml:"plan_threshold" mapstructure:"plan_threshold" validate:"gte=1"`
	NameMaxLength int    `yaml:"name_max_length" mapstructure:"name_max_length" validate:"gte=1"`
	Model         string `yaml:"model,omitempty" mapstructure:"model" validate:"omitempty,oneof=opus sonnet"`
}

// WorkflowsConfig maps each workflow variant to the executable that runs it.
type WorkflowsConfig struct {
	Build         string `yaml:"build" mapstructure:"build" validate:"required"`
	PlanImplement string `yaml:"plan_implement" mapstructure:"plan_implement" validate:"required"`
}

// WorkspaceConfig controls where isolated workspaces live.
type WorkspaceConfig struct {
	BasePath   string `yaml:"base_path" mapstructure:"base_path"`
	Create     bool   `yaml:"create" mapstructure:"create"`
	BaseBranch string `yaml:"base_branch,omitempty" mapstructure:"base_branch"`
}

// LogConfig controls the slog handler.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format" validate:"oneof=text json"`
}

// MetricsConfig configures the Prometheus endpoint. An empty Addr disables it.
type MetricsConfig struct {
	Addr string `yaml:"addr,omitempty" mapstructure:"addr"`
}

// NotificationsConfig configures outbound alerts.
type NotificationsConfig struct {
	SlackWebhook string `yaml:"slack_webhook,omitempty" mapstructure:"slack_webhook" validate:"omitempty,url"`
}
