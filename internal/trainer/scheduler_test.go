package trainer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/mohammad-safakhou/mentor/config"
	"github.com/mohammad-safakhou/mentor/internal/store"
)

type fakeStore struct {
	mu             sync.Mutex
	plans          map[string]store.TrainingPlan
	tasks          map[string]store.TrainingTask
	taskOrder      []string
	pagesHistory   []map[string]int
	createTaskErrs int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		plans: map[string]store.TrainingPlan{},
		tasks: map[string]store.TrainingTask{},
	}
}

func (f *fakeStore) CreatePlan(ctx context.Context, plan store.TrainingPlan) (store.TrainingPlan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if plan.ID == "" {
		plan.ID = uuid.NewString()
	}
	if plan.Status == "" {
		plan.Status = store.PlanStatusPending
	}
	f.plans[plan.ID] = plan
	return plan, nil
}

func (f *fakeStore) GetPlan(ctx context.Context, id string) (store.TrainingPlan, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.plans[id]
	return p, ok, nil
}

func (f *fakeStore) SetPlanStatus(ctx context.Context, id, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.plans[id]
	p.Status = status
	f.plans[id] = p
	return nil
}

func (f *fakeStore) SavePlanProgress(ctx context.Context, id string, topicPages map[string]int, totals store.PlanTotals) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.plans[id]
	pages := make(map[string]int, len(topicPages))
	for k, v := range topicPages {
		pages[k] = v
	}
	p.TopicPages = pages
	p.Totals = totals
	f.plans[id] = p
	f.pagesHistory = append(f.pagesHistory, pages)
	return nil
}

func (f *fakeStore) FinishPlan(ctx context.Context, id, status string, errMsg *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.plans[id]
	p.Status = status
	p.LastError = errMsg
	f.plans[id] = p
	return nil
}

func (f *fakeStore) ListPlansByStatus(ctx context.Context, statuses ...string) ([]store.TrainingPlan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.TrainingPlan
	for _, p := range f.plans {
		for _, st := range statuses {
			if p.Status == st {
				out = append(out, p)
			}
		}
	}
	return out, nil
}

func (f *fakeStore) ListRefreshablePlans(ctx context.Context) ([]store.TrainingPlan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.TrainingPlan
	for _, p := range f.plans {
		if p.Status == store.PlanStatusCompleted && p.RefreshCron != "" {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeStore) CreateTask(ctx context.Context, t store.TrainingTask) (store.TrainingTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createTaskErrs > 0 {
		f.createTaskErrs--
		return store.TrainingTask{}, errors.New("connection reset")
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.Status = store.TaskStatusQueued
	f.tasks[t.ID] = t
	f.taskOrder = append(f.taskOrder, t.ID)
	return t, nil
}

func (f *fakeStore) MarkTaskRunning(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.tasks[id]
	t.Status = store.TaskStatusRunning
	t.Attempts++
	f.tasks[id] = t
	return nil
}

func (f *fakeStore) FinishTask(ctx context.Context, id, status string, itemsFed, itemsDropped int, lastErr *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.tasks[id]
	t.Status = status
	t.ItemsFed = itemsFed
	t.ItemsDropped = itemsDropped
	t.LastError = lastErr
	f.tasks[id] = t
	return nil
}

func (f *fakeStore) TaskFedByTopic(ctx context.Context, planID string) (map[string]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]int{}
	for _, t := range f.tasks {
		if t.PlanID == planID {
			out[t.Topic] += t.ItemsFed
		}
	}
	return out, nil
}

func (f *fakeStore) tasksByTopic(topic string) []store.TrainingTask {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.TrainingTask
	for _, id := range f.taskOrder {
		if t := f.tasks[id]; t.Topic == topic {
			out = append(out, t)
		}
	}
	return out
}

type scriptExecutor struct {
	mu    sync.Mutex
	calls []string
	fn    func(task store.TrainingTask) (TaskOutcome, error)
}

func (e *scriptExecutor) Execute(ctx context.Context, plan store.TrainingPlan, task store.TrainingTask) (TaskOutcome, error) {
	e.mu.Lock()
	e.calls = append(e.calls, fmt.Sprintf("%s:%d", task.Topic, task.Page))
	e.mu.Unlock()
	return e.fn(task)
}

func (e *scriptExecutor) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

func testTrainingCfg() config.TrainingConfig {
	return config.TrainingConfig{
		BatchSize:         4,
		RequestsPerMinute: 6000,
		ItemsPerPage:      10,
		MaxAttempts:       3,
		BackoffBase:       time.Millisecond,
		BackoffCap:        2 * time.Millisecond,
	}
}

func silent() *log.Logger { return log.New(io.Discard, "", 0) }

func runPlan(t *testing.T, st *fakeStore, exec Executor, cfg config.TrainingConfig, plan store.TrainingPlan) store.TrainingPlan {
	t.Helper()
	sched := NewScheduler(context.Background(), st, exec, cfg, nil, nil, nil, silent())
	plan, err := st.CreatePlan(context.Background(), plan)
	if err != nil {
		t.Fatalf("CreatePlan: %v", err)
	}
	if err := st.SetPlanStatus(context.Background(), plan.ID, store.PlanStatusRunning); err != nil {
		t.Fatalf("SetPlanStatus: %v", err)
	}
	sched.Launch(plan)
	sched.Wait()
	out, _, _ := st.GetPlan(context.Background(), plan.ID)
	return out
}

func TestSchedulerHappyPath(t *testing.T) {
	st := newFakeStore()
	exec := &scriptExecutor{fn: func(task store.TrainingTask) (TaskOutcome, error) {
		return TaskOutcome{RawCount: 8, ItemsFed: 3, ItemsDropped: 5}, nil
	}}
	plan := runPlan(t, st, exec, testTrainingCfg(), store.TrainingPlan{
		AgentID: "agent-1", Topics: []string{"rome"}, PerTopicMax: 5, SourceTypes: []string{"wikipedia"},
	})

	if plan.Status != store.PlanStatusCompleted {
		t.Fatalf("plan status = %q, want completed", plan.Status)
	}
	if plan.Totals.Fed != 3 || plan.Totals.Done != 1 {
		t.Fatalf("totals = %+v, want fed=3 done=1", plan.Totals)
	}
	tasks := st.tasksByTopic("rome")
	if len(tasks) != 1 {
		t.Fatalf("tasks = %d, want 1", len(tasks))
	}
	if tasks[0].Status != store.TaskStatusDone || tasks[0].ItemsFed != 3 {
		t.Fatalf("task = %+v, want done with 3 fed", tasks[0])
	}
}

func TestSchedulerExhaustion(t *testing.T) {
	st := newFakeStore()
	exec := &scriptExecutor{fn: func(task store.TrainingTask) (TaskOutcome, error) {
		if task.Page == 1 {
			return TaskOutcome{RawCount: 8, ItemsFed: 3, ItemsDropped: 5}, nil
		}
		return TaskOutcome{RawCount: 0}, nil
	}}
	plan := runPlan(t, st, exec, testTrainingCfg(), store.TrainingPlan{
		AgentID: "agent-1", Topics: []string{"rome"}, PerTopicMax: 20, SourceTypes: []string{"wikipedia"},
	})

	if plan.Status != store.PlanStatusCompleted {
		t.Fatalf("plan status = %q, want completed", plan.Status)
	}
	if plan.Totals.Done != 1 || plan.Totals.Skipped != 1 {
		t.Fatalf("totals = %+v, want done=1 skipped=1", plan.Totals)
	}
	tasks := st.tasksByTopic("rome")
	if len(tasks) != 2 {
		t.Fatalf("tasks = %d, want 2", len(tasks))
	}
	if tasks[1].Status != store.TaskStatusSkipped {
		t.Fatalf("page 2 status = %q, want skipped", tasks[1].Status)
	}
}

func TestSchedulerPermanentFailureIsolation(t *testing.T) {
	st := newFakeStore()
	exec := &scriptExecutor{fn: func(task store.TrainingTask) (TaskOutcome, error) {
		if task.Topic == "broken" {
			return TaskOutcome{}, errors.New("fetch timed out")
		}
		return TaskOutcome{RawCount: 4, ItemsFed: 2}, nil
	}}
	plan := runPlan(t, st, exec, testTrainingCfg(), store.TrainingPlan{
		AgentID: "agent-1", Topics: []string{"broken", "rome"}, PerTopicMax: 2, SourceTypes: []string{"wikipedia"},
	})

	if plan.Status != store.PlanStatusCompleted {
		t.Fatalf("plan status = %q, want completed despite one failed topic", plan.Status)
	}
	if plan.Totals.Failed != 1 || plan.Totals.Done != 1 || plan.Totals.Fed != 2 {
		t.Fatalf("totals = %+v, want failed=1 done=1 fed=2", plan.Totals)
	}
	broken := st.tasksByTopic("broken")
	if len(broken) != 1 || broken[0].Status != store.TaskStatusFailed {
		t.Fatalf("broken topic tasks = %+v, want one failed", broken)
	}
	if broken[0].LastError == nil {
		t.Fatal("failed task should carry last error")
	}
}

func TestSchedulerRetryCeiling(t *testing.T) {
	st := newFakeStore()
	exec := &scriptExecutor{fn: func(task store.TrainingTask) (TaskOutcome, error) {
		return TaskOutcome{}, errors.New("fetch timed out")
	}}
	cfg := testTrainingCfg()
	cfg.MaxAttempts = 3
	plan := runPlan(t, st, exec, cfg, store.TrainingPlan{
		AgentID: "agent-1", Topics: []string{"rome"}, PerTopicMax: 5, SourceTypes: []string{"wikipedia"},
	})

	if exec.callCount() != 3 {
		t.Fatalf("execute calls = %d, want exactly 3", exec.callCount())
	}
	tasks := st.tasksByTopic("rome")
	if len(tasks) != 1 {
		t.Fatalf("tasks = %d, want 1", len(tasks))
	}
	if tasks[0].Attempts != 3 || tasks[0].Status != store.TaskStatusFailed {
		t.Fatalf("task = %+v, want failed after 3 attempts", tasks[0])
	}
	if plan.Totals.Failed != 1 {
		t.Fatalf("totals = %+v, want failed=1", plan.Totals)
	}
}

func TestSchedulerPagesInOrderPerTopic(t *testing.T) {
	st := newFakeStore()
	exec := &scriptExecutor{fn: func(task store.TrainingTask) (TaskOutcome, error) {
		if task.Page < 3 {
			return TaskOutcome{RawCount: 10, ItemsFed: 1, ItemsDropped: 9}, nil
		}
		return TaskOutcome{RawCount: 0}, nil
	}}
	plan := runPlan(t, st, exec, testTrainingCfg(), store.TrainingPlan{
		AgentID: "agent-1", Topics: []string{"rome", "carthage"}, PerTopicMax: 40, SourceTypes: []string{"wikipedia"},
	})

	if plan.Status != store.PlanStatusCompleted {
		t.Fatalf("plan status = %q, want completed", plan.Status)
	}
	for _, topic := range []string{"rome", "carthage"} {
		tasks := st.tasksByTopic(topic)
		for i, task := range tasks {
			if task.Page != i+1 {
				t.Fatalf("topic %s task %d has page %d, want %d", topic, i, task.Page, i+1)
			}
		}
	}
}

func TestSchedulerMonotonicCursorAndConservation(t *testing.T) {
	st := newFakeStore()
	exec := &scriptExecutor{fn: func(task store.TrainingTask) (TaskOutcome, error) {
		if task.Topic == "flaky" {
			return TaskOutcome{}, errors.New("boom")
		}
		if task.Page < 2 {
			return TaskOutcome{RawCount: 10, ItemsFed: 2, ItemsDropped: 8}, nil
		}
		return TaskOutcome{RawCount: 0}, nil
	}}
	plan := runPlan(t, st, exec, testTrainingCfg(), store.TrainingPlan{
		AgentID: "agent-1", Topics: []string{"rome", "flaky", "carthage"}, PerTopicMax: 30, SourceTypes: []string{"wikipedia"},
	})

	st.mu.Lock()
	history := st.pagesHistory
	taskCount := len(st.tasks)
	st.mu.Unlock()

	last := map[string]int{}
	for _, snapshot := range history {
		for topic, page := range snapshot {
			if page < last[topic] {
				t.Fatalf("cursor for %s decreased: %d -> %d", topic, last[topic], page)
			}
			last[topic] = page
		}
	}
	got := plan.Totals.Done + plan.Totals.Failed + plan.Totals.Skipped
	if got != taskCount {
		t.Fatalf("done+failed+skipped = %d, want %d tasks created", got, taskCount)
	}
	if plan.Totals.Queued != 0 || plan.Totals.Running != 0 {
		t.Fatalf("gauges not drained: %+v", plan.Totals)
	}
}

func TestSchedulerRetriesTaskCreation(t *testing.T) {
	st := newFakeStore()
	st.createTaskErrs = 1
	exec := &scriptExecutor{fn: func(task store.TrainingTask) (TaskOutcome, error) {
		return TaskOutcome{RawCount: 8, ItemsFed: 3, ItemsDropped: 5}, nil
	}}
	plan := runPlan(t, st, exec, testTrainingCfg(), store.TrainingPlan{
		AgentID: "agent-1", Topics: []string{"rome"}, PerTopicMax: 3, SourceTypes: []string{"wikipedia"},
	})

	if plan.Status != store.PlanStatusCompleted {
		t.Fatalf("plan status = %q, want completed after a transient insert failure", plan.Status)
	}
	if plan.Totals.Done != 1 || plan.Totals.Fed != 3 {
		t.Fatalf("totals = %+v, want done=1 fed=3", plan.Totals)
	}
}

func TestSchedulerTaskCreationOutageLeavesPlanRunning(t *testing.T) {
	// A persistence outage is not a configuration error; the plan must stay
	// running for the next boot to resume instead of going failed.
	st := newFakeStore()
	st.createTaskErrs = 100
	exec := &scriptExecutor{fn: func(task store.TrainingTask) (TaskOutcome, error) {
		return TaskOutcome{RawCount: 8, ItemsFed: 3}, nil
	}}
	plan := runPlan(t, st, exec, testTrainingCfg(), store.TrainingPlan{
		AgentID: "agent-1", Topics: []string{"rome"}, PerTopicMax: 3, SourceTypes: []string{"wikipedia"},
	})

	if plan.Status != store.PlanStatusRunning {
		t.Fatalf("plan status = %q, want running", plan.Status)
	}
	if plan.LastError != nil {
		t.Fatalf("last error = %q, want none", *plan.LastError)
	}
	if plan.Totals.Failed != 0 {
		t.Fatalf("totals = %+v, want no failed tasks", plan.Totals)
	}
	if got := exec.callCount(); got != 0 {
		t.Fatalf("execute calls = %d, want 0", got)
	}
}

func TestSchedulerCancelFoldsInflight(t *testing.T) {
	st := newFakeStore()
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	exec := &scriptExecutor{fn: func(task store.TrainingTask) (TaskOutcome, error) {
		once.Do(func() { close(started) })
		<-release
		return TaskOutcome{RawCount: 5, ItemsFed: 1, ItemsDropped: 4}, nil
	}}

	sched := NewScheduler(context.Background(), st, exec, testTrainingCfg(), nil, nil, nil, silent())
	plan, _ := st.CreatePlan(context.Background(), store.TrainingPlan{
		AgentID: "agent-1", Topics: []string{"rome"}, PerTopicMax: 50, SourceTypes: []string{"wikipedia"},
	})
	_ = st.SetPlanStatus(context.Background(), plan.ID, store.PlanStatusRunning)
	plan.Status = store.PlanStatusRunning
	sched.Launch(plan)

	<-started
	if !sched.Cancel(plan.ID) {
		t.Fatal("cancel should reach the in-flight plan")
	}
	close(release)
	sched.Wait()

	out, _, _ := st.GetPlan(context.Background(), plan.ID)
	if out.Status != store.PlanStatusCanceled {
		t.Fatalf("plan status = %q, want canceled", out.Status)
	}
	if out.Totals.Fed != 1 || out.Totals.Done != 1 {
		t.Fatalf("totals = %+v, want the in-flight task folded in", out.Totals)
	}
}

func TestSchedulerPauseStopsDispatch(t *testing.T) {
	st := newFakeStore()
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	exec := &scriptExecutor{fn: func(task store.TrainingTask) (TaskOutcome, error) {
		once.Do(func() { close(started) })
		<-release
		return TaskOutcome{RawCount: 10, ItemsFed: 1, ItemsDropped: 9}, nil
	}}

	sched := NewScheduler(context.Background(), st, exec, testTrainingCfg(), nil, nil, nil, silent())
	plan, _ := st.CreatePlan(context.Background(), store.TrainingPlan{
		AgentID: "agent-1", Topics: []string{"rome"}, PerTopicMax: 100, SourceTypes: []string{"wikipedia"},
	})
	_ = st.SetPlanStatus(context.Background(), plan.ID, store.PlanStatusRunning)
	plan.Status = store.PlanStatusRunning
	sched.Launch(plan)

	<-started
	sched.Pause(plan.ID)
	close(release)
	sched.Wait()

	out, _, _ := st.GetPlan(context.Background(), plan.ID)
	if out.Status != store.PlanStatusPaused {
		t.Fatalf("plan status = %q, want paused", out.Status)
	}
	if got := exec.callCount(); got != 1 {
		t.Fatalf("execute calls after pause = %d, want 1", got)
	}
}
