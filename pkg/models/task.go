package models

import "time"

// Task is a read-through projection of a remote tracker task. It is sourced
// fresh on every poll and never cached across cycles.
type Task struct {
	ID          string            `yaml:"id" json:"id"`
	ProjectID   string            `yaml:"project_id,omitempty" json:"project_id,omitempty"`
	Title       string            `yaml:"title" json:"title"`
	Status      string            `yaml:"status" json:"status"`
	Description string            `yaml:"description" json:"description"`
	Assignee    string            `yaml:"assignee,omitempty" json:"assignee,omitempty"`
	DueDate     string            `yaml:"due_date,omitempty" json:"due_date,omitempty"`
	Priority    string            `yaml:"priority,omitempty" json:"priority,omitempty"`
	NativeTags  map[string]string `yaml:"tags,omitempty" json:"tags,omitempty"`
	Created     *time.Time        `yaml:"created,omitempty" json:"created,omitempty"`
}

// Trigger is the execution keyword detected in a task body.
type Trigger string

const (
	TriggerNone     Trigger = ""
	TriggerExecute  Trigger = "execute"
	TriggerContinue Trigger = "continue"
)

// ExtractedMetadata is derived from a task body and is immutable once computed.
// Prompt never contains the raw trigger keyword or any {{...}} span.
type ExtractedMetadata struct {
	Tags    map[string]string `json:"tags"`
	Trigger Trigger           `json:"trigger"`
	Prompt  string            `json:"prompt"`
}

// Well-known tag keys.
const (
	TagModel     = "model"
	TagWorkflow  = "workflow"
	TagPrototype = "prototype"
	TagWorktree  = "worktree"
	TagWorkspace = "workspace"
)
