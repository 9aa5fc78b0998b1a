package trainer

import (
	"context"
	"log"
	"time"

	"github.com/gorhill/cronexpr"

	"github.com/mohammad-safakhou/mentor/internal/store"
)

// Refresher re-creates completed plans that carry a refresh cron, so agents
// are periodically re-trained on drifting topics.
type Refresher struct {
	store    PlanStore
	manager  *Manager
	interval time.Duration
	logger   *log.Logger
	stop     chan struct{}
}

func NewRefresher(st PlanStore, manager *Manager, interval time.Duration, logger *log.Logger) *Refresher {
	if logger == nil {
		logger = log.New(log.Writer(), "[REFRESH] ", log.LstdFlags)
	}
	if interval <= 0 {
		interval = time.Hour
	}
	return &Refresher{store: st, manager: manager, interval: interval, logger: logger, stop: make(chan struct{})}
}

func (r *Refresher) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-r.stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.tick(ctx)
			}
		}
	}()
}

func (r *Refresher) Stop() { close(r.stop) }

func (r *Refresher) tick(ctx context.Context) {
	plans, err := r.store.ListRefreshablePlans(ctx)
	if err != nil {
		r.logger.Printf("list refreshable plans: %v", err)
		return
	}
	for _, p := range plans {
		if !isDue(p.RefreshCron, p.CompletedAt) {
			continue
		}
		r.refresh(ctx, p)
	}
}

func (r *Refresher) refresh(ctx context.Context, parent store.TrainingPlan) {
	successor, err := r.store.CreatePlan(ctx, store.TrainingPlan{
		AgentID:       parent.AgentID,
		Topics:        parent.Topics,
		SourceTypes:   parent.SourceTypes,
		PerTopicMax:   parent.PerTopicMax,
		RefreshCron:   parent.RefreshCron,
		RefreshedFrom: parent.ID,
		Status:        store.PlanStatusPending,
	})
	if err != nil {
		r.logger.Printf("create refresh plan from %s: %v", parent.ID, err)
		return
	}
	r.logger.Printf("refreshed plan %s -> %s (agent=%s)", parent.ID, successor.ID, parent.AgentID)
	if err := r.manager.Start(ctx, successor.ID); err != nil {
		r.logger.Printf("start refresh plan %s: %v", successor.ID, err)
	}
}

// isDue reports whether a cron spec is due given the last completion time.
// Supports "@daily", "@hourly" and standard cron expressions.
func isDue(cronSpec string, last *time.Time) bool {
	now := time.Now()
	switch cronSpec {
	case "":
		return false
	case "@daily":
		if last == nil {
			return true
		}
		return now.Sub(*last) >= 24*time.Hour
	case "@hourly":
		if last == nil {
			return true
		}
		return now.Sub(*last) >= time.Hour
	default:
		expr, err := cronexpr.Parse(cronSpec)
		if err != nil {
			if last == nil {
				return true
			}
			return now.Sub(*last) >= 24*time.Hour
		}
		if last == nil {
			return true
		}
		return !expr.Next(*last).After(now)
	}
}
