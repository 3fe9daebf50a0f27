package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/valter-silva-au/teamwork-delegator/pkg/models"
)

// SchedulerConfig controls one PollingScheduler.
type SchedulerConfig struct {
	ProjectID          string
	StatusFilter       []string
	MaxConcurrentTasks int
	PollInterval       time.Duration
	// DispatchPause is slept between consecutive dispatches of a cycle.
	DispatchPause time.Duration
	// Model, when set, overrides tag-based model selection.
	Model models.ModelTier
}

// CycleResult summarises one fetch, filter and delegate pass.
type CycleResult struct {
	Fetched   int
	Eligible  int
	Deferred  int
	Delegated int
	Failed    int
	DryRun    int
	Errors    []string
}

// PollingScheduler drives the fetch, filter and delegate loop.
type PollingScheduler interface {
	// RunOnce runs exactly one cycle. It never returns an error: failures are
	// recorded in the result.
	RunOnce(ctx context.Context) *CycleResult
	// Run cycles until ctx is cancelled. A cancellation during a cycle lets
	// the cycle finish first.
	Run(ctx context.Context) error
}

type pollingScheduler struct {
	cfg       SchedulerConfig
	source    TaskSource
	router    *WorkflowRouter
	delegator DelegationManager
	events    EventLogger
	metrics   DispatchMetrics
	logger    *slog.Logger

	sleep func(time.Duration)
}

// NewPollingScheduler creates a PollingScheduler. events, metrics and logger
// may be nil.
func NewPollingScheduler(cfg SchedulerConfig, source TaskSource, router *WorkflowRouter, delegator DelegationManager, events EventLogger, metrics DispatchMetrics, logger *slog.Logger) PollingScheduler {
	if cfg.MaxConcurrentTasks < 1 {
		cfg.MaxConcurrentTasks = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 15 * time.Second
	}
	if len(cfg.StatusFilter) == 0 {
		cfg.StatusFilter = DefaultAllowedStatuses
	}
	if router == nil {
		router = NewWorkflowRouter(DefaultRouterConfig())
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &pollingScheduler{
		cfg:       cfg,
		source:    source,
		router:    router,
		delegator: delegator,
		events:    events,
		metrics:   metrics,
		logger:    logger,
		sleep:     time.Sleep,
	}
}

type candidate struct {
	task models.Task
	meta models.ExtractedMetadata
}

func (s *pollingScheduler) RunOnce(ctx context.Context) *CycleResult {
	// Remote calls must not be cut short by an interrupt, or a task could be
	// left claimed with nothing spawned.
	ctx = context.WithoutCancel(ctx)
	result := &CycleResult{}

	tasks, err := s.source.FetchCandidateTasks(ctx, s.cfg.ProjectID, s.cfg.StatusFilter, s.cfg.MaxConcurrentTasks)
	if s.metrics != nil {
		s.metrics.RemoteCall("fetch_tasks", err)
	}
	if err != nil {
		ferr := newError(KindRemoteFetch, "", "", err)
		s.logger.Warn("fetching candidate tasks failed, treating cycle as empty", "error", err)
		result.Errors = append(result.Errors, ferr.Error())
		s.logEvent("cycle.fetch_failed", map[string]any{"error": err.Error()})
		s.logCycle(result)
		return result
	}
	result.Fetched = len(tasks)
	if s.metrics != nil {
		s.metrics.TaskFetched(len(tasks))
	}

	var eligible []candidate
	seen := make(map[string]bool, len(tasks))
	for _, task := range tasks {
		if seen[task.ID] {
			continue
		}
		seen[task.ID] = true

		c, ok, err := s.inspect(task)
		if err != nil {
			s.logger.Warn("skipping malformed task", "task_id", task.ID, "error", err)
			result.Errors = append(result.Errors, err.Error())
			continue
		}
		if ok {
			eligible = append(eligible, c)
		}
	}
	result.Eligible = len(eligible)

	if len(eligible) > s.cfg.MaxConcurrentTasks {
		result.Deferred = len(eligible) - s.cfg.MaxConcurrentTasks
		eligible = eligible[:s.cfg.MaxConcurrentTasks]
	}

	for i, c := range eligible {
		if i > 0 && s.cfg.DispatchPause > 0 {
			s.sleep(s.cfg.DispatchPause)
		}
		s.delegate(ctx, c, result)
	}

	s.logCycle(result)
	return result
}

// inspect extracts metadata and applies the eligibility filter. A panic
// while parsing a task body is reported as a ParseError for that task only.
func (s *pollingScheduler) inspect(task models.Task) (c candidate, ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = newError(KindParse, task.ID, "", fmt.Errorf("parsing task: %v", r))
		}
	}()

	if task.ID == "" {
		return candidate{}, false, newError(KindParse, "", "", errors.New("task has no identifier"))
	}
	if !IsEligible(task, s.cfg.StatusFilter) {
		return candidate{}, false, nil
	}
	return candidate{task: task, meta: Extract(task.Description)}, true, nil
}

func (s *pollingScheduler) delegate(ctx context.Context, c candidate, result *CycleResult) {
	defer func() {
		if r := recover(); r != nil {
			result.Failed++
			result.Errors = append(result.Errors, fmt.Sprintf("delegating task %s: panic: %v", c.task.ID, r))
			s.logger.Error("delegation panicked", "task_id", c.task.ID, "panic", r)
		}
	}()

	decision := s.router.Route(c.task, c.meta, s.cfg.Model)
	res, err := s.delegator.Delegate(ctx, c.task, decision)
	switch {
	case err != nil:
		result.Failed++
		result.Errors = append(result.Errors, err.Error())
	case res != nil && res.DryRun:
		result.DryRun++
	default:
		result.Delegated++
	}
}

func (s *pollingScheduler) Run(ctx context.Context) error {
	s.logger.Info("polling started",
		"project_id", s.cfg.ProjectID,
		"interval", s.cfg.PollInterval,
		"max_concurrent_tasks", s.cfg.MaxConcurrentTasks)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
		case <-timer.C:
		}
		// No cycle starts after cancellation, even if the timer is also ready.
		if ctx.Err() != nil {
			s.logger.Info("polling stopped")
			return nil
		}

		s.safeCycle(ctx)
		timer.Reset(s.cfg.PollInterval)
	}
}

// safeCycle runs one cycle and absorbs any panic so the loop keeps going.
func (s *pollingScheduler) safeCycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("poll cycle panicked", "panic", r)
			s.logEvent("cycle.panicked", map[string]any{"panic": fmt.Sprint(r)})
		}
	}()
	s.RunOnce(ctx)
}

func (s *pollingScheduler) logCycle(result *CycleResult) {
	s.logger.Info("poll cycle completed",
		"fetched", result.Fetched,
		"eligible", result.Eligible,
		"deferred", result.Deferred,
		"delegated", result.Delegated,
		"failed", result.Failed,
		"dry_run", result.DryRun,
		"errors", len(result.Errors))
	s.logEvent("cycle.completed", map[string]any{
		"fetched":   result.Fetched,
		"eligible":  result.Eligible,
		"deferred":  result.Deferred,
		"delegated": result.Delegated,
		"failed":    result.Failed,
		"dry_run":   result.DryRun,
		"errors":    len(result.Errors),
	})
}

// logEvent emits an event if an EventLogger is configured.
func (s *pollingScheduler) logEvent(eventType string, data map[string]any) {
	if s.events == nil {
		return
	}
	_ = s.events.LogEvent(eventType, data)
}
