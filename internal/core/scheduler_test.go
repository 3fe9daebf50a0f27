package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/valter-silva-au/teamwork-delegator/pkg/models"
)

// fakeSource implements TaskSource for testing. It ignores limit so tests
// can check the scheduler's own ceiling.
type fakeSource struct {
	mu      sync.Mutex
	tasks   []models.Task
	err     error
	calls   int
	limits  []int
	onFetch func()
}

func (s *fakeSource) FetchCandidateTasks(_ context.Context, _ string, _ []string, limit int) ([]models.Task, error) {
	s.mu.Lock()
	s.calls++
	s.limits = append(s.limits, limit)
	onFetch := s.onFetch
	s.mu.Unlock()
	if onFetch != nil {
		onFetch()
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.tasks, nil
}

func (s *fakeSource) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// fakeDelegator implements DelegationManager for testing.
type fakeDelegator struct {
	delegated []models.Task
	decisions []models.DispatchDecision
	failFor   map[string]error
	panicFor  string
	dryRun    bool
}

func (d *fakeDelegator) Delegate(_ context.Context, task models.Task, decision models.DispatchDecision) (*DelegationResult, error) {
	if task.ID == d.panicFor {
		panic("boom")
	}
	d.delegated = append(d.delegated, task)
	d.decisions = append(d.decisions, decision)
	if err := d.failFor[task.ID]; err != nil {
		return &DelegationResult{TaskID: task.ID}, err
	}
	return &DelegationResult{TaskID: task.ID, DryRun: d.dryRun, State: models.DispatchSpawned}, nil
}

func (d *fakeDelegator) InFlight() []string { return nil }

func (d *fakeDelegator) IsInFlight(string) bool { return false }

func newTestScheduler(source TaskSource, delegator DelegationManager, max int) (*pollingScheduler, *[]time.Duration) {
	s := NewPollingScheduler(SchedulerConfig{
		ProjectID:          "P1",
		MaxConcurrentTasks: max,
		PollInterval:       time.Millisecond,
		DispatchPause:      time.Second,
	}, source, newTestRouter(), delegator, nil, nil, nil).(*pollingScheduler)
	var pauses []time.Duration
	s.sleep = func(d time.Duration) { pauses = append(pauses, d) }
	return s, &pauses
}

func eligibleTask(id string) models.Task {
	return models.Task{ID: id, Status: "New", Description: "do task " + id + " execute"}
}

func TestRunOnce_DelegatesEligibleInOrder(t *testing.T) {
	source := &fakeSource{tasks: []models.Task{
		eligibleTask("1"),
		{ID: "2", Status: "Done", Description: "finished execute"},
		{ID: "3", Status: "New", Description: "no trigger here"},
		eligibleTask("4"),
	}}
	delegator := &fakeDelegator{}
	s, pauses := newTestScheduler(source, delegator, 3)

	result := s.RunOnce(context.Background())

	if result.Fetched != 4 || result.Eligible != 2 || result.Delegated != 2 || result.Deferred != 0 {
		t.Errorf("result = %+v", result)
	}
	if len(delegator.delegated) != 2 || delegator.delegated[0].ID != "1" || delegator.delegated[1].ID != "4" {
		t.Errorf("delegated = %v", delegator.delegated)
	}
	if len(*pauses) != 1 || (*pauses)[0] != time.Second {
		t.Errorf("pauses = %v, want one pause between two dispatches", *pauses)
	}
	if source.limits[0] != 3 {
		t.Errorf("fetch limit = %d, want 3", source.limits[0])
	}
}

func TestRunOnce_ConcurrencyCeiling(t *testing.T) {
	var tasks []models.Task
	for i := 1; i <= 5; i++ {
		tasks = append(tasks, eligibleTask(fmt.Sprint(i)))
	}
	delegator := &fakeDelegator{}
	s, _ := newTestScheduler(&fakeSource{tasks: tasks}, delegator, 3)

	result := s.RunOnce(context.Background())

	if result.Delegated != 3 || result.Deferred != 2 {
		t.Errorf("result = %+v, want 3 delegated and 2 deferred", result)
	}
	if len(delegator.delegated) != 3 {
		t.Errorf("delegated %d tasks, want 3", len(delegator.delegated))
	}
	for i, task := range delegator.delegated {
		if task.ID != fmt.Sprint(i+1) {
			t.Errorf("delegated[%d] = %s", i, task.ID)
		}
	}
}

func TestRunOnce_FetchFailureIsEmptyCycle(t *testing.T) {
	delegator := &fakeDelegator{}
	s, _ := newTestScheduler(&fakeSource{err: errors.New("dial tcp: timeout")}, delegator, 3)

	result := s.RunOnce(context.Background())

	if result.Fetched != 0 || result.Delegated != 0 {
		t.Errorf("result = %+v", result)
	}
	if len(result.Errors) != 1 {
		t.Fatalf("errors = %v", result.Errors)
	}
	if len(delegator.delegated) != 0 {
		t.Error("delegated after failed fetch")
	}
}

func TestRunOnce_FailureDoesNotStopSiblings(t *testing.T) {
	delegator := &fakeDelegator{
		failFor:  map[string]error{"1": newError(KindRemoteUpdate, "1", "x", errors.New("503"))},
		panicFor: "2",
	}
	tasks := []models.Task{eligibleTask("1"), eligibleTask("2"), eligibleTask("3")}
	s, _ := newTestScheduler(&fakeSource{tasks: tasks}, delegator, 3)

	result := s.RunOnce(context.Background())

	if result.Failed != 2 || result.Delegated != 1 {
		t.Errorf("result = %+v, want 2 failed and 1 delegated", result)
	}
	if len(result.Errors) != 2 {
		t.Errorf("errors = %v", result.Errors)
	}
	if delegator.delegated[len(delegator.delegated)-1].ID != "3" {
		t.Error("task 3 was not delegated after earlier failures")
	}
}

func TestRunOnce_SkipsMalformedAndDuplicateTasks(t *testing.T) {
	tasks := []models.Task{
		{ID: "", Status: "New", Description: "anonymous execute"},
		eligibleTask("1"),
		eligibleTask("1"),
	}
	delegator := &fakeDelegator{}
	s, _ := newTestScheduler(&fakeSource{tasks: tasks}, delegator, 3)

	result := s.RunOnce(context.Background())

	if result.Delegated != 1 || result.Eligible != 1 {
		t.Errorf("result = %+v", result)
	}
	if len(result.Errors) != 1 {
		t.Errorf("errors = %v, want one parse error", result.Errors)
	}
}

func TestRunOnce_CountsDryRuns(t *testing.T) {
	delegator := &fakeDelegator{dryRun: true}
	s, _ := newTestScheduler(&fakeSource{tasks: []models.Task{eligibleTask("1")}}, delegator, 3)

	result := s.RunOnce(context.Background())
	if result.DryRun != 1 || result.Delegated != 0 {
		t.Errorf("result = %+v", result)
	}
}

func TestRunOnce_ExplicitModelOverridesTag(t *testing.T) {
	delegator := &fakeDelegator{}
	s, _ := newTestScheduler(&fakeSource{tasks: []models.Task{
		{ID: "1", Status: "new", Description: "{{model: sonnet}} tidy up execute"},
	}}, delegator, 1)
	s.cfg.Model = models.ModelOpus

	s.RunOnce(context.Background())
	if delegator.decisions[0].Model != models.ModelOpus {
		t.Errorf("Model = %q, want opus", delegator.decisions[0].Model)
	}
}

func TestRunOnce_CancelledContextStillFinishesCycle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	delegator := &fakeDelegator{}
	s, _ := newTestScheduler(&fakeSource{tasks: []models.Task{eligibleTask("1"), eligibleTask("2")}}, delegator, 3)

	result := s.RunOnce(ctx)
	if result.Delegated != 2 {
		t.Errorf("result = %+v, want both tasks delegated", result)
	}
}

// End to end: one eligible task, one claim, one spawn routed to build/opus.
func TestRunOnce_EndToEndWithDelegationManager(t *testing.T) {
	task := models.Task{ID: "42", Status: "new", Description: "{{model: opus}} refactor the parser execute"}

	t.Run("claim succeeds", func(t *testing.T) {
		sink := &fakeSink{}
		f := newDelegationFixture(t, sink, DelegationConfig{})
		s, _ := newTestScheduler(&fakeSource{tasks: []models.Task{task}}, f.mgr, 1)

		result := s.RunOnce(context.Background())
		if result.Delegated != 1 {
			t.Fatalf("result = %+v", result)
		}
		if len(sink.calls) != 1 || sink.calls[0].status != "In progress" {
			t.Errorf("status calls = %+v", sink.calls)
		}
		if len(f.spawner.requests) != 1 {
			t.Fatalf("spawns = %d", len(f.spawner.requests))
		}
		req := f.spawner.requests[0]
		if req.Executable != testExecutables[models.WorkflowBuild] || req.Env["TWD_MODEL"] != "opus" {
			t.Errorf("spawn = %+v", req)
		}
	})

	t.Run("claim fails", func(t *testing.T) {
		sink := &fakeSink{failOn: map[string]error{"In progress": errors.New("boom")}}
		f := newDelegationFixture(t, sink, DelegationConfig{})
		s, _ := newTestScheduler(&fakeSource{tasks: []models.Task{task}}, f.mgr, 1)

		result := s.RunOnce(context.Background())
		if result.Failed != 1 {
			t.Errorf("result = %+v", result)
		}
		if len(f.spawner.requests) != 0 {
			t.Errorf("spawns = %d, want 0", len(f.spawner.requests))
		}
	})
}

func TestRun_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	source := &fakeSource{}
	source.onFetch = func() {
		if source.callCount() >= 3 {
			cancel()
		}
	}
	s, _ := newTestScheduler(source, &fakeDelegator{}, 1)

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
	if source.callCount() < 3 {
		t.Errorf("cycles = %d, want at least 3", source.callCount())
	}
}

func TestRun_CancelledBeforeStartRunsNoCycle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	source := &fakeSource{tasks: []models.Task{eligibleTask("1")}}
	delegator := &fakeDelegator{}
	s, _ := newTestScheduler(source, delegator, 1)

	// The first timer fires immediately, so a random select would start a
	// cycle about half the time.
	for i := 0; i < 50; i++ {
		if err := s.Run(ctx); err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	}
	if source.callCount() != 0 || len(delegator.delegated) != 0 {
		t.Errorf("fetches = %d, delegated = %d, want none after cancel",
			source.callCount(), len(delegator.delegated))
	}
}

func TestRun_SurvivesPanickingCycle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	source := &fakeSource{}
	source.onFetch = func() {
		n := source.callCount()
		if n == 1 {
			panic("unexpected")
		}
		if n >= 2 {
			cancel()
		}
	}
	s, _ := newTestScheduler(source, &fakeDelegator{}, 1)

	if err := s.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if source.callCount() < 2 {
		t.Errorf("cycles = %d, loop did not continue after panic", source.callCount())
	}
}
