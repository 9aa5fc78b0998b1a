package trainer

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/mohammad-safakhou/mentor/internal/store"
)

// ErrInvalidInput marks configuration-time errors: the plan is rejected
// synchronously and never persisted.
var ErrInvalidInput = errors.New("invalid input")

// ErrNotFound marks lookups for unknown plans.
var ErrNotFound = errors.New("plan not found")

// PlanStore is the persistence surface the trainer needs. *store.Store
// satisfies it; tests supply an in-memory fake.
type PlanStore interface {
	CreatePlan(ctx context.Context, plan store.TrainingPlan) (store.TrainingPlan, error)
	GetPlan(ctx context.Context, id string) (store.TrainingPlan, bool, error)
	SetPlanStatus(ctx context.Context, id, status string) error
	SavePlanProgress(ctx context.Context, id string, topicPages map[string]int, totals store.PlanTotals) error
	FinishPlan(ctx context.Context, id, status string, errMsg *string) error
	ListPlansByStatus(ctx context.Context, statuses ...string) ([]store.TrainingPlan, error)
	ListRefreshablePlans(ctx context.Context) ([]store.TrainingPlan, error)
	CreateTask(ctx context.Context, t store.TrainingTask) (store.TrainingTask, error)
	MarkTaskRunning(ctx context.Context, id string) error
	FinishTask(ctx context.Context, id, status string, itemsFed, itemsDropped int, lastErr *string) error
	TaskFedByTopic(ctx context.Context, planID string) (map[string]int, error)
}

// TaskOutcome is what one successful task execution produced.
type TaskOutcome struct {
	RawCount     int
	ItemsFed     int
	ItemsDropped int
}

// Exhausted reports whether the page had no raw candidates left.
func (o TaskOutcome) Exhausted() bool { return o.RawCount == 0 }

// Executor runs one task's fetch -> vet -> ingest pipeline. A returned
// error is transient and retryable at the task level.
type Executor interface {
	Execute(ctx context.Context, plan store.TrainingPlan, task store.TrainingTask) (TaskOutcome, error)
}

// RateLimiters is the shared per-source token bucket. It is the single
// point of serialization against the outside world, shared across all plans
// and tasks using a source.
type RateLimiters struct {
	mu       sync.Mutex
	rpm      int
	limiters map[string]*rate.Limiter
}

func NewRateLimiters(requestsPerMinute int) *RateLimiters {
	if requestsPerMinute <= 0 {
		requestsPerMinute = 60
	}
	return &RateLimiters{
		rpm:      requestsPerMinute,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Wait blocks until the source's bucket has a token or ctx is done.
func (r *RateLimiters) Wait(ctx context.Context, source string) error {
	r.mu.Lock()
	limiter, ok := r.limiters[source]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(r.rpm)), 1)
		r.limiters[source] = limiter
	}
	r.mu.Unlock()
	return limiter.Wait(ctx)
}
