package trainer

import (
	"context"
	"log"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/mohammad-safakhou/mentor/config"
	"github.com/mohammad-safakhou/mentor/internal/store"
	"github.com/mohammad-safakhou/mentor/internal/telemetry"
)

const (
	ctrlRun int32 = iota
	ctrlPause
	ctrlCancel
)

const (
	completionStarted = iota
	completionTerminal
)

type completion struct {
	kind    int
	topic   string
	status  string
	outcome TaskOutcome
}

type planRun struct {
	ctrl atomic.Int32
}

// Scheduler owns the task lifecycle for running plans: it expands plans
// into per-topic page tasks, bounds concurrency, retries transient
// failures, and is the single writer of each plan's totals.
type Scheduler struct {
	baseCtx  context.Context
	store    PlanStore
	executor Executor
	cfg      config.TrainingConfig
	metrics  *telemetry.Metrics
	logger   *log.Logger
	rdb      *redis.Client

	taskCounter  otelmetric.Int64Counter
	retryCounter otelmetric.Int64Counter

	mu    sync.Mutex
	plans map[string]*planRun
	wg    sync.WaitGroup
}

// NewScheduler constructs a Scheduler. ctx is the process lifecycle: plan
// loops run on it, never on the caller's request context, so a plan started
// over HTTP keeps training after the handler returns. rdb and meter are
// optional; with a Redis client two replicas will not drive the same plan
// concurrently.
func NewScheduler(ctx context.Context, st PlanStore, exec Executor, cfg config.TrainingConfig, metrics *telemetry.Metrics, rdb *redis.Client, meter otelmetric.Meter, logger *log.Logger) *Scheduler {
	if logger == nil {
		logger = log.New(log.Writer(), "[SCHED] ", log.LstdFlags)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	s := &Scheduler{
		baseCtx:  ctx,
		store:    st,
		executor: exec,
		cfg:      cfg.Normalize(),
		metrics:  metrics,
		logger:   logger,
		rdb:      rdb,
		plans:    make(map[string]*planRun),
	}
	if meter != nil {
		var err error
		s.taskCounter, err = meter.Int64Counter("trainer_tasks_completed")
		if err != nil {
			logger.Printf("warn: create task counter failed: %v", err)
		}
		s.retryCounter, err = meter.Int64Counter("trainer_task_retries")
		if err != nil {
			logger.Printf("warn: create retry counter failed: %v", err)
		}
	}
	return s
}

// Launch starts driving a plan on the scheduler's lifecycle context.
// Idempotent while the plan is in flight.
func (s *Scheduler) Launch(plan store.TrainingPlan) {
	s.mu.Lock()
	if _, ok := s.plans[plan.ID]; ok {
		s.mu.Unlock()
		return
	}
	pr := &planRun{}
	s.plans[plan.ID] = pr
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(s.baseCtx, plan, pr)
}

// Pause signals an in-flight plan to stop dispatching. In-flight tasks run
// to completion and their outcomes are still folded in.
func (s *Scheduler) Pause(planID string) bool { return s.signal(planID, ctrlPause) }

// Cancel signals an in-flight plan to stop dispatching and finish canceled.
func (s *Scheduler) Cancel(planID string) bool { return s.signal(planID, ctrlCancel) }

func (s *Scheduler) signal(planID string, ctrl int32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	pr, ok := s.plans[planID]
	if !ok {
		return false
	}
	pr.ctrl.Store(ctrl)
	return true
}

// ResumeRunning relaunches plans left in running state by a previous
// process, oldest first.
func (s *Scheduler) ResumeRunning(ctx context.Context) error {
	plans, err := s.store.ListPlansByStatus(ctx, store.PlanStatusRunning)
	if err != nil {
		return err
	}
	for _, p := range plans {
		s.logger.Printf("resuming plan %s (agent=%s)", p.ID, p.AgentID)
		s.Launch(p)
	}
	return nil
}

// Wait blocks until every launched plan loop has returned.
func (s *Scheduler) Wait() { s.wg.Wait() }

type planState struct {
	topics     []string
	topicPages map[string]int
	totals     store.PlanTotals
	fed        map[string]int
	exhausted  map[string]bool
	inflight   map[string]bool
	maxPages   int
	rr         int
}

func (s *Scheduler) newPlanState(ctx context.Context, plan store.TrainingPlan) *planState {
	st := &planState{
		topics:     plan.Topics,
		topicPages: make(map[string]int, len(plan.Topics)),
		totals:     plan.Totals,
		fed:        make(map[string]int, len(plan.Topics)),
		exhausted:  make(map[string]bool, len(plan.Topics)),
		inflight:   make(map[string]bool, len(plan.Topics)),
		maxPages:   (plan.PerTopicMax + s.cfg.ItemsPerPage - 1) / s.cfg.ItemsPerPage,
	}
	for _, t := range plan.Topics {
		st.topicPages[t] = 1
		if p, ok := plan.TopicPages[t]; ok && p > 1 {
			st.topicPages[t] = p
		}
	}
	// Rebuild per-topic fed counts so a resumed plan keeps its exhaustion
	// decisions consistent with work already done.
	if fed, err := s.store.TaskFedByTopic(ctx, plan.ID); err == nil {
		for t, n := range fed {
			st.fed[t] = n
		}
	} else {
		s.logger.Printf("warn: rebuild fed counts for plan %s: %v", plan.ID, err)
	}
	for _, t := range plan.Topics {
		if st.fed[t] >= plan.PerTopicMax || st.topicPages[t] > st.maxPages {
			st.exhausted[t] = true
		}
	}
	return st
}

func (st *planState) allExhausted() bool {
	for _, t := range st.topics {
		if !st.exhausted[t] {
			return false
		}
	}
	return true
}

func (s *Scheduler) run(ctx context.Context, plan store.TrainingPlan, pr *planRun) {
	defer func() {
		s.mu.Lock()
		delete(s.plans, plan.ID)
		s.mu.Unlock()
		s.wg.Done()
	}()

	if s.rdb != nil {
		lockKey := "train:lock:" + plan.ID
		ok, err := s.rdb.SetNX(ctx, lockKey, "1", 30*time.Minute).Result()
		if err == nil && !ok {
			s.logger.Printf("plan %s locked by another replica, skipping", plan.ID)
			return
		}
		defer s.rdb.Del(context.Background(), lockKey)
	}

	state := s.newPlanState(ctx, plan)
	sem := make(chan struct{}, s.cfg.BatchSize)
	completions := make(chan completion)
	inflight := 0
	dispatchFailed := false

	for {
		ctrl := pr.ctrl.Load()
		if ctrl == ctrlRun && ctx.Err() == nil {
			launched, ok := s.dispatch(ctx, plan, state, sem, completions)
			inflight += launched
			if !ok {
				dispatchFailed = true
			}
		}
		if inflight == 0 {
			break
		}
		c := <-completions
		if c.kind == completionTerminal {
			inflight--
		}
		s.fold(ctx, plan, state, c)
	}

	s.finish(ctx, plan, state, pr.ctrl.Load(), dispatchFailed)
}

// dispatch creates and launches one task per eligible topic, round-robin
// from the rotating cursor. A topic never has more than one in-flight task,
// so its pages execute strictly in order.
func (s *Scheduler) dispatch(ctx context.Context, plan store.TrainingPlan, state *planState, sem chan struct{}, completions chan completion) (int, bool) {
	launched := 0
	n := len(state.topics)
	for i := 0; i < n; i++ {
		t := state.topics[(state.rr+i)%n]
		if state.exhausted[t] || state.inflight[t] {
			continue
		}
		if state.fed[t] >= plan.PerTopicMax || state.topicPages[t] > state.maxPages {
			state.exhausted[t] = true
			continue
		}
		task, err := s.createTask(ctx, plan, t, state.topicPages[t])
		if err != nil {
			s.logger.Printf("create task plan=%s topic=%s: %v", plan.ID, t, err)
			return launched, false
		}
		state.inflight[t] = true
		state.totals.Queued++
		launched++
		go s.worker(ctx, plan, task, sem, completions)
	}
	if n > 0 {
		state.rr = (state.rr + 1) % n
	}
	return launched, true
}

// createTask persists a new task row, retrying transient persistence
// failures with the same backoff policy task execution uses.
func (s *Scheduler) createTask(ctx context.Context, plan store.TrainingPlan, topic string, page int) (store.TrainingTask, error) {
	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		task, err := s.store.CreateTask(ctx, store.TrainingTask{
			PlanID:  plan.ID,
			AgentID: plan.AgentID,
			Topic:   topic,
			Page:    page,
		})
		if err == nil {
			return task, nil
		}
		lastErr = err
		if attempt == s.cfg.MaxAttempts || ctx.Err() != nil {
			break
		}
		if !s.backoff(ctx, attempt) {
			break
		}
	}
	return store.TrainingTask{}, lastErr
}

func (s *Scheduler) worker(ctx context.Context, plan store.TrainingPlan, task store.TrainingTask, sem chan struct{}, completions chan completion) {
	sem <- struct{}{}
	defer func() { <-sem }()

	completions <- completion{kind: completionStarted, topic: task.Topic}

	var outcome TaskOutcome
	var lastErr error
	status := store.TaskStatusFailed
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		if err := s.store.MarkTaskRunning(ctx, task.ID); err != nil {
			s.logger.Printf("mark task running %s: %v", task.ID, err)
		}
		var err error
		outcome, err = s.executor.Execute(ctx, plan, task)
		if err == nil {
			lastErr = nil
			status = store.TaskStatusDone
			if outcome.Exhausted() {
				status = store.TaskStatusSkipped
			}
			break
		}
		lastErr = err
		s.logger.Printf("task %s attempt %d/%d failed topic=%s page=%d: %v",
			task.ID, attempt, s.cfg.MaxAttempts, task.Topic, task.Page, err)
		if s.retryCounter != nil {
			s.retryCounter.Add(ctx, 1)
		}
		if attempt == s.cfg.MaxAttempts || ctx.Err() != nil {
			break
		}
		if !s.backoff(ctx, attempt) {
			break
		}
	}

	if lastErr != nil {
		msg := lastErr.Error()
		if err := s.store.FinishTask(ctx, task.ID, store.TaskStatusFailed, 0, 0, &msg); err != nil {
			s.logger.Printf("finish task %s: %v", task.ID, err)
		}
		outcome = TaskOutcome{}
	} else if err := s.store.FinishTask(ctx, task.ID, status, outcome.ItemsFed, outcome.ItemsDropped, nil); err != nil {
		s.logger.Printf("finish task %s: %v", task.ID, err)
	}

	s.metrics.IncTask(status)
	if s.taskCounter != nil {
		s.taskCounter.Add(ctx, 1)
	}
	completions <- completion{kind: completionTerminal, topic: task.Topic, status: status, outcome: outcome}
}

// backoff sleeps for a capped, jittered exponential delay. Returns false
// when the context ended first.
func (s *Scheduler) backoff(ctx context.Context, attempt int) bool {
	d := s.cfg.BackoffBase << (attempt - 1)
	if d > s.cfg.BackoffCap {
		d = s.cfg.BackoffCap
	}
	half := d / 2
	d = half + time.Duration(rand.Int63n(int64(half)+1))
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// fold is the single writer of plan totals and cursors. Every worker
// completion is serialized through here.
func (s *Scheduler) fold(ctx context.Context, plan store.TrainingPlan, state *planState, c completion) {
	if c.kind == completionStarted {
		state.totals.Queued--
		state.totals.Running++
		return
	}

	state.inflight[c.topic] = false
	state.totals.Running--
	switch c.status {
	case store.TaskStatusDone:
		state.totals.Done++
	case store.TaskStatusSkipped:
		state.totals.Skipped++
	case store.TaskStatusFailed:
		state.totals.Failed++
	}
	state.totals.Fed += c.outcome.ItemsFed
	state.totals.Dropped += c.outcome.ItemsDropped
	state.fed[c.topic] += c.outcome.ItemsFed

	switch c.status {
	case store.TaskStatusFailed:
		// Permanent failure stops the topic; the plan continues with the
		// rest and can still complete.
		state.exhausted[c.topic] = true
	default:
		switch {
		case c.outcome.Exhausted():
			state.exhausted[c.topic] = true
		case state.fed[c.topic] >= plan.PerTopicMax:
			state.exhausted[c.topic] = true
		default:
			state.topicPages[c.topic]++
			if state.topicPages[c.topic] > state.maxPages {
				state.exhausted[c.topic] = true
			}
		}
	}

	if err := s.store.SavePlanProgress(ctx, plan.ID, state.topicPages, state.totals); err != nil {
		s.logger.Printf("save plan progress %s: %v", plan.ID, err)
	}
}

func (s *Scheduler) finish(ctx context.Context, plan store.TrainingPlan, state *planState, ctrl int32, dispatchFailed bool) {
	switch {
	case ctx.Err() != nil:
		// Shutdown: leave the plan running so the next boot resumes it.
		s.logger.Printf("plan %s interrupted by shutdown", plan.ID)
	case ctrl == ctrlCancel:
		if err := s.store.FinishPlan(ctx, plan.ID, store.PlanStatusCanceled, nil); err != nil {
			s.logger.Printf("finish plan %s: %v", plan.ID, err)
		}
		s.metrics.IncPlan(store.PlanStatusCanceled)
		s.logger.Printf("plan %s canceled (fed=%d dropped=%d)", plan.ID, state.totals.Fed, state.totals.Dropped)
	case ctrl == ctrlPause:
		if err := s.store.SetPlanStatus(ctx, plan.ID, store.PlanStatusPaused); err != nil {
			s.logger.Printf("pause plan %s: %v", plan.ID, err)
		}
		s.logger.Printf("plan %s paused", plan.ID)
	case dispatchFailed && !state.allExhausted():
		// Persistence outage while creating tasks is transient, not a
		// configuration error. Leave the plan running so the next boot
		// resumes it.
		s.logger.Printf("plan %s stalled on task creation, left running for resume", plan.ID)
	default:
		if err := s.store.FinishPlan(ctx, plan.ID, store.PlanStatusCompleted, nil); err != nil {
			s.logger.Printf("finish plan %s: %v", plan.ID, err)
		}
		s.metrics.IncPlan(store.PlanStatusCompleted)
		s.logger.Printf("plan %s completed (tasks=%d fed=%d dropped=%d failed=%d)",
			plan.ID, state.totals.Done+state.totals.Failed+state.totals.Skipped,
			state.totals.Fed, state.totals.Dropped, state.totals.Failed)
	}
}
