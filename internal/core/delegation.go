package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/valter-silva-au/teamwork-delegator/pkg/models"
)

// DelegationConfig holds the per-process settings of a DelegationManager.
type DelegationConfig struct {
	ProjectID string
	// Executables maps each workflow variant to the program that runs it.
	Executables map[models.WorkflowVariant]string
	// ClaimableStatuses are the remote statuses a conditional claim accepts.
	ClaimableStatuses []string
	// DryRun suppresses the claim, the spawn and any rollback.
	DryRun bool
}

// DelegationDeps are the collaborators of a DelegationManager. Sink, Spawner
// and Statuses are required; the rest may be nil.
type DelegationDeps struct {
	Sink       StatusSink
	Spawner    Spawner
	Statuses   *StatusMap
	Workspaces WorkspaceProvider
	Events     EventLogger
	Metrics    DispatchMetrics
	Notifier   FailureNotifier
	Logger     *slog.Logger
}

// DelegationResult reports what happened to one task.
type DelegationResult struct {
	DispatchID string
	TaskID     string
	Decision   models.DispatchDecision
	State      models.DispatchState
	DryRun     bool
}

// DelegationManager turns one eligible task into at most one running
// execution, using the remote status as the lock.
type DelegationManager interface {
	// Delegate claims task, spawns its execution and rolls the claim back if
	// the spawn fails. Errors are *DelegationError values.
	Delegate(ctx context.Context, task models.Task, decision models.DispatchDecision) (*DelegationResult, error)
	// InFlight returns the dispatch IDs currently being delegated.
	InFlight() []string
	// IsInFlight reports whether dispatchID is being delegated.
	IsInFlight(dispatchID string) bool
}

type delegationManager struct {
	cfg  DelegationConfig
	deps DelegationDeps

	now   func() time.Time
	newID func() string

	mu       sync.Mutex
	inFlight map[string]*models.DispatchRecord
}

// NewDelegationManager creates a DelegationManager. Each scheduler owns its
// own instance; the in-flight set is not shared between instances.
func NewDelegationManager(cfg DelegationConfig, deps DelegationDeps) DelegationManager {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.DiscardHandler)
	}
	if deps.Statuses == nil {
		deps.Statuses = NewStatusMap(nil)
	}
	return &delegationManager{
		cfg:      cfg,
		deps:     deps,
		now:      time.Now,
		newID:    newShortID,
		inFlight: make(map[string]*models.DispatchRecord),
	}
}

func (m *delegationManager) Delegate(ctx context.Context, task models.Task, decision models.DispatchDecision) (*DelegationResult, error) {
	dispatchID := m.mintDispatchID()
	result := &DelegationResult{
		DispatchID: dispatchID,
		TaskID:     task.ID,
		Decision:   decision,
	}
	log := m.deps.Logger.With("task_id", task.ID, "dispatch_id", dispatchID)

	req, err := m.buildRequest(dispatchID, task, decision)
	if err != nil {
		m.failed(KindSpawn)
		return result, newError(KindSpawn, task.ID, dispatchID, err)
	}

	if m.cfg.DryRun {
		result.DryRun = true
		log.Info("dry run: would claim and spawn",
			"workflow", decision.Workflow,
			"model", decision.Model,
			"workspace", decision.Workspace,
			"executable", req.Executable,
			"args", req.Args)
		m.logEvent("dispatch.dry_run", map[string]any{
			"task_id":     task.ID,
			"dispatch_id": dispatchID,
			"workflow":    string(decision.Workflow),
			"model":       string(decision.Model),
			"workspace":   decision.Workspace,
		})
		return result, nil
	}

	if err := m.claim(ctx, task.ID, dispatchID, decision); err != nil {
		log.Warn("claim failed, task left for next cycle", "error", err)
		m.failed(KindRemoteUpdate)
		m.logEvent("dispatch.claim_failed", map[string]any{
			"task_id":     task.ID,
			"dispatch_id": dispatchID,
			"error":       err.Error(),
		})
		return result, newError(KindRemoteUpdate, task.ID, dispatchID, fmt.Errorf("claiming task: %w", err))
	}

	record := &models.DispatchRecord{
		DispatchID: dispatchID,
		TaskID:     task.ID,
		State:      models.DispatchClaimed,
		ClaimedAt:  m.now(),
	}
	m.track(record)
	defer m.untrack(dispatchID)
	result.State = record.State

	if m.deps.Metrics != nil {
		m.deps.Metrics.DispatchClaimed()
	}
	m.logEvent("dispatch.claimed", map[string]any{
		"task_id":     task.ID,
		"dispatch_id": dispatchID,
		"workspace":   decision.Workspace,
	})

	if spawnErr := m.spawn(ctx, &req, decision.Workspace); spawnErr != nil {
		record.Advance(models.DispatchFailed)
		result.State = record.State
		log.Error("spawn failed, rolling back claim", "error", spawnErr)

		cause := spawnErr
		event := map[string]any{
			"task_id":     task.ID,
			"dispatch_id": dispatchID,
		}
		if rbErr := m.rollback(ctx, task.ID, dispatchID, spawnErr); rbErr != nil {
			log.Error("rollback failed, task left in progress", "error", rbErr)
			cause = errors.Join(spawnErr, fmt.Errorf("rolling back claim: %w", rbErr))
			event["rollback_error"] = rbErr.Error()
		}
		event["error"] = cause.Error()

		m.failed(KindSpawn)
		m.logEvent("dispatch.failed", event)
		if m.deps.Notifier != nil {
			if err := m.deps.Notifier.NotifyDispatchFailed(task.ID, dispatchID, cause); err != nil {
				log.Warn("failure notification not sent", "error", err)
			}
		}
		return result, newError(KindSpawn, task.ID, dispatchID, cause)
	}

	record.Advance(models.DispatchSpawned)
	result.State = record.State
	log.Info("dispatched",
		"workflow", decision.Workflow,
		"model", decision.Model,
		"workspace", decision.Workspace)
	if m.deps.Metrics != nil {
		m.deps.Metrics.DispatchSpawned(decision.Workflow, decision.Model)
	}
	m.logEvent("dispatch.spawned", map[string]any{
		"task_id":     task.ID,
		"dispatch_id": dispatchID,
		"workflow":    string(decision.Workflow),
		"model":       string(decision.Model),
		"workspace":   decision.Workspace,
		"planner":     string(decision.Planner),
	})
	return result, nil
}

// mintDispatchID returns an ID not present in the in-flight set.
func (m *delegationManager) mintDispatchID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	for {
		id := m.newID()
		if _, taken := m.inFlight[id]; !taken {
			return id
		}
	}
}

func (m *delegationManager) claim(ctx context.Context, taskID, dispatchID string, d models.DispatchDecision) error {
	remote := m.deps.Statuses.ToRemote(models.StatusInProgress)
	payload := ClaimPayload(dispatchID, d, m.now()).Encode()

	var err error
	if cs, ok := m.deps.Sink.(ConditionalStatusSink); ok && len(m.cfg.ClaimableStatuses) > 0 {
		err = cs.UpdateStatusIf(ctx, taskID, m.cfg.ClaimableStatuses, remote, payload)
	} else {
		err = m.deps.Sink.UpdateStatus(ctx, taskID, remote, payload)
	}
	m.remoteCall("update_status", err)
	return err
}

func (m *delegationManager) rollback(ctx context.Context, taskID, dispatchID string, cause error) error {
	remote := m.deps.Statuses.ToRemote(models.StatusBlocked)
	payload := FailurePayload(dispatchID, cause, m.now()).Encode()
	err := m.deps.Sink.UpdateStatus(ctx, taskID, remote, payload)
	m.remoteCall("update_status", err)
	return err
}

// spawn resolves the workspace directory and starts the execution.
func (m *delegationManager) spawn(ctx context.Context, req *SpawnRequest, workspace string) error {
	if m.deps.Workspaces != nil {
		dir, err := m.deps.Workspaces.Resolve(ctx, workspace)
		if err != nil {
			return fmt.Errorf("resolving workspace %s: %w", workspace, err)
		}
		req.Dir = dir
	}
	if err := m.deps.Spawner.SpawnDetached(ctx, *req); err != nil {
		return fmt.Errorf("spawning %s: %w", req.Executable, err)
	}
	return nil
}

// buildRequest assembles the executable, arguments and environment for a
// dispatch.
func (m *delegationManager) buildRequest(dispatchID string, task models.Task, d models.DispatchDecision) (SpawnRequest, error) {
	exe := m.cfg.Executables[d.Workflow]
	if exe == "" {
		return SpawnRequest{}, fmt.Errorf("no executable configured for workflow %s", d.Workflow)
	}

	args := []string{dispatchID, task.ID, d.Prompt, d.Workspace}
	if d.Workflow == models.WorkflowPlanImplement {
		if d.Prototype != "" {
			args = append(args, d.Prototype)
		}
		args = append(args, "--planner", string(d.Planner))
	}
	args = append(args,
		"--workflow", string(d.Workflow),
		"--model", string(d.Model),
		"--project-id", m.cfg.ProjectID,
	)

	return SpawnRequest{
		DispatchID: dispatchID,
		TaskID:     task.ID,
		Executable: exe,
		Args:       args,
		Env: map[string]string{
			"TWD_DISPATCH_ID": dispatchID,
			"TWD_TASK_ID":     task.ID,
			"TWD_PROJECT_ID":  m.cfg.ProjectID,
			"TWD_WORKFLOW":    string(d.Workflow),
			"TWD_MODEL":       string(d.Model),
			"TWD_WORKSPACE":   d.Workspace,
		},
	}, nil
}

func (m *delegationManager) track(r *models.DispatchRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inFlight[r.DispatchID] = r
}

func (m *delegationManager) untrack(dispatchID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inFlight, dispatchID)
}

func (m *delegationManager) InFlight() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.inFlight))
	for id := range m.inFlight {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (m *delegationManager) IsInFlight(dispatchID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.inFlight[dispatchID]
	return ok
}

func (m *delegationManager) failed(kind ErrorKind) {
	if m.deps.Metrics != nil {
		m.deps.Metrics.DispatchFailed(kind)
	}
}

func (m *delegationManager) remoteCall(op string, err error) {
	if m.deps.Metrics != nil {
		m.deps.Metrics.RemoteCall(op, err)
	}
}

// logEvent emits an event if an EventLogger is configured.
func (m *delegationManager) logEvent(eventType string, data map[string]any) {
	if m.deps.Events == nil {
		return
	}
	_ = m.deps.Events.LogEvent(eventType, data)
}
