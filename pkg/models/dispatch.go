package models

import "time"

// WorkflowVariant is the high-level processing strategy chosen for a task.
type WorkflowVariant string

const (
	WorkflowBuild         WorkflowVariant = "build"
	WorkflowPlanImplement WorkflowVariant = "plan_implement"
)

// ModelTier selects the model the agent runner should use.
type ModelTier string

const (
	ModelOpus   ModelTier = "opus"
	ModelSonnet ModelTier = "sonnet"
)

// Valid reports whether m is a known model tier.
func (m ModelTier) Valid() bool {
	return m == ModelOpus || m == ModelSonnet
}

// PlannerVariant selects the specialised planning step of a plan_implement
// workflow.
type PlannerVariant string

const (
	PlannerGeneric         PlannerVariant = "generic"
	PlannerScript          PlannerVariant = "script"
	PlannerWebApp          PlannerVariant = "web_app"
	PlannerScriptedRuntime PlannerVariant = "scripted_runtime"
	PlannerToolServer      PlannerVariant = "tool_server"
)

// DispatchDecision is the routing outcome for one eligible task.
type DispatchDecision struct {
	Workflow  WorkflowVariant `json:"workflow"`
	Model     ModelTier       `json:"model"`
	Workspace string          `json:"workspace"`
	Prototype string          `json:"prototype,omitempty"`
	Planner   PlannerVariant  `json:"planner,omitempty"`
	Prompt    string          `json:"prompt"`
}

// DispatchState is the lifecycle flag of a DispatchRecord.
type DispatchState string

const (
	DispatchClaimed DispatchState = "claimed"
	DispatchSpawned DispatchState = "spawned"
	DispatchFailed  DispatchState = "failed"
)

// rank orders states so that transitions only move forward.
func (s DispatchState) rank() int {
	switch s {
	case DispatchClaimed:
		return 1
	case DispatchSpawned, DispatchFailed:
		return 2
	default:
		return 0
	}
}

// DispatchRecord is the process-local record of one delegation attempt.
type DispatchRecord struct {
	DispatchID string
	TaskID     string
	State      DispatchState
	ClaimedAt  time.Time
}

// Advance moves the record to next and reports whether the transition was
// allowed. Terminal states (spawned, failed) cannot be left.
func (r *DispatchRecord) Advance(next DispatchState) bool {
	if next.rank() <= r.State.rank() {
		return false
	}
	r.State = next
	return true
}

// InternalStatus is the tracker-independent status vocabulary.
type InternalStatus string

const (
	StatusNew        InternalStatus = "new"
	StatusInProgress InternalStatus = "in progress"
	StatusComplete   InternalStatus = "complete"
	StatusReview     InternalStatus = "review"
	StatusBlocked    InternalStatus = "blocked"
)
