package core

import (
	"context"

	"github.com/valter-silva-au/teamwork-delegator/pkg/models"
)

// TaskSource lists candidate tasks from the tracker.
// This interface is defined locally in core to avoid importing integration.
type TaskSource interface {
	// FetchCandidateTasks returns at most limit tasks of projectID whose
	// status is one of statuses. Sources that cannot filter server-side
	// filter client-side.
	FetchCandidateTasks(ctx context.Context, projectID string, statuses []string, limit int) ([]models.Task, error)
}

// StatusSink writes status transitions back to the tracker.
type StatusSink interface {
	// UpdateStatus sets taskID to remoteStatus and attaches payload, an
	// opaque metadata string. Failures are reported, not retried.
	UpdateStatus(ctx context.Context, taskID, remoteStatus, payload string) error
}

// ConditionalStatusSink is implemented by sinks that support compare-and-set
// updates. When available it is used for claims, so two schedulers cannot
// both claim a task they fetched concurrently.
type ConditionalStatusSink interface {
	StatusSink
	// UpdateStatusIf applies the update only while the task's current
	// status is one of expected (compared case-insensitively). It returns
	// ErrStatusConflict otherwise.
	UpdateStatusIf(ctx context.Context, taskID string, expected []string, remoteStatus, payload string) error
}

// SpawnRequest describes one detached execution.
type SpawnRequest struct {
	DispatchID string
	TaskID     string
	Executable string
	Args       []string
	Dir        string
	Env        map[string]string
}

// Spawner starts a detached execution and returns once it has started. It
// never waits for the execution to finish.
type Spawner interface {
	SpawnDetached(ctx context.Context, req SpawnRequest) error
}

// WorkspaceProvider resolves a workspace name to a working directory,
// creating it when configured to.
type WorkspaceProvider interface {
	Resolve(ctx context.Context, name string) (string, error)
}

// DispatchMetrics records counters for delegation outcomes. Implementations
// must tolerate being called from the scheduler goroutine only.
type DispatchMetrics interface {
	TaskFetched(n int)
	DispatchClaimed()
	DispatchSpawned(workflow models.WorkflowVariant, model models.ModelTier)
	DispatchFailed(kind ErrorKind)
	RemoteCall(op string, err error)
}

// FailureNotifier is told about dispatches that were rolled back.
type FailureNotifier interface {
	NotifyDispatchFailed(taskID, dispatchID string, cause error) error
}
