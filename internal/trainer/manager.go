package trainer

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/mohammad-safakhou/mentor/internal/store"
)

// PlanOptions are the caller-supplied limits for a new plan.
type PlanOptions struct {
	PerTopicMax int      `json:"per_topic_max"`
	SourceTypes []string `json:"source_types"`
	RefreshCron string   `json:"refresh_cron"`
}

// Progress is the read-only snapshot returned to operators.
type Progress struct {
	Status     string           `json:"status"`
	Totals     store.PlanTotals `json:"totals"`
	TopicPages map[string]int   `json:"topic_pages"`
}

// Manager is the only mutating entry point for plans: create, start,
// pause, cancel, and progress queries. The scheduler's task lifecycle is
// not independently addressable.
type Manager struct {
	store       PlanStore
	sched       *Scheduler
	sourceTypes map[string]bool
	logger      *log.Logger
}

func NewManager(st PlanStore, sched *Scheduler, knownSourceTypes []string, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.New(log.Writer(), "[PLAN] ", log.LstdFlags)
	}
	known := make(map[string]bool, len(knownSourceTypes))
	for _, t := range knownSourceTypes {
		known[t] = true
	}
	return &Manager{store: st, sched: sched, sourceTypes: known, logger: logger}
}

// CreatePlan validates and persists a new pending plan. Validation errors
// are synchronous and nothing is persisted.
func (m *Manager) CreatePlan(ctx context.Context, agentID string, topics []string, opts PlanOptions) (store.TrainingPlan, error) {
	if strings.TrimSpace(agentID) == "" {
		return store.TrainingPlan{}, fmt.Errorf("%w: agent id is required", ErrInvalidInput)
	}
	cleaned := make([]string, 0, len(topics))
	seen := map[string]bool{}
	for _, t := range topics {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		cleaned = append(cleaned, t)
	}
	if len(cleaned) == 0 {
		return store.TrainingPlan{}, fmt.Errorf("%w: topics must not be empty", ErrInvalidInput)
	}
	if opts.PerTopicMax <= 0 {
		return store.TrainingPlan{}, fmt.Errorf("%w: per_topic_max must be > 0", ErrInvalidInput)
	}
	if len(opts.SourceTypes) == 0 {
		opts.SourceTypes = []string{"wikipedia"}
	}
	for _, t := range opts.SourceTypes {
		if !m.sourceTypes[t] {
			return store.TrainingPlan{}, fmt.Errorf("%w: unknown source type %q", ErrInvalidInput, t)
		}
	}

	pages := make(map[string]int, len(cleaned))
	for _, t := range cleaned {
		pages[t] = 1
	}
	plan, err := m.store.CreatePlan(ctx, store.TrainingPlan{
		AgentID:     agentID,
		Topics:      cleaned,
		SourceTypes: opts.SourceTypes,
		PerTopicMax: opts.PerTopicMax,
		RefreshCron: opts.RefreshCron,
		Status:      store.PlanStatusPending,
		TopicPages:  pages,
	})
	if err != nil {
		return store.TrainingPlan{}, fmt.Errorf("persist plan: %w", err)
	}
	m.logger.Printf("created plan %s agent=%s topics=%v", plan.ID, agentID, cleaned)
	return plan, nil
}

// Start moves a pending or paused plan to running and launches the
// scheduler for it. Idempotent when already running. ctx scopes only the
// synchronous store reads and writes here; the run itself lives on the
// scheduler's lifecycle context and outlives the caller's request.
func (m *Manager) Start(ctx context.Context, planID string) error {
	plan, ok, err := m.store.GetPlan(ctx, planID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	switch plan.Status {
	case store.PlanStatusRunning:
		m.sched.Launch(plan)
		return nil
	case store.PlanStatusPending, store.PlanStatusPaused:
	default:
		return fmt.Errorf("%w: cannot start plan in status %q", ErrInvalidInput, plan.Status)
	}
	if err := m.store.SetPlanStatus(ctx, planID, store.PlanStatusRunning); err != nil {
		return err
	}
	plan.Status = store.PlanStatusRunning
	m.sched.Launch(plan)
	return nil
}

// Pause stops a running plan from dispatching further tasks.
func (m *Manager) Pause(ctx context.Context, planID string) error {
	plan, ok, err := m.store.GetPlan(ctx, planID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	if plan.Status != store.PlanStatusRunning {
		return fmt.Errorf("%w: cannot pause plan in status %q", ErrInvalidInput, plan.Status)
	}
	if !m.sched.Pause(planID) {
		// Not in flight in this process (e.g. crashed replica); persist
		// directly so a resume sees the right status.
		return m.store.SetPlanStatus(ctx, planID, store.PlanStatusPaused)
	}
	return nil
}

// Cancel stops a plan permanently. In-flight tasks finish and their
// outcomes still count.
func (m *Manager) Cancel(ctx context.Context, planID string) error {
	plan, ok, err := m.store.GetPlan(ctx, planID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	switch plan.Status {
	case store.PlanStatusCompleted, store.PlanStatusFailed, store.PlanStatusCanceled:
		return fmt.Errorf("%w: plan already in terminal status %q", ErrInvalidInput, plan.Status)
	}
	if !m.sched.Cancel(planID) {
		return m.store.FinishPlan(ctx, planID, store.PlanStatusCanceled, nil)
	}
	return nil
}

// GetProgress returns a consistent snapshot; safe to call while the
// scheduler is folding completions, since progress rows are written
// atomically per task completion.
func (m *Manager) GetProgress(ctx context.Context, planID string) (Progress, error) {
	plan, ok, err := m.store.GetPlan(ctx, planID)
	if err != nil {
		return Progress{}, err
	}
	if !ok {
		return Progress{}, ErrNotFound
	}
	return Progress{Status: plan.Status, Totals: plan.Totals, TopicPages: plan.TopicPages}, nil
}
