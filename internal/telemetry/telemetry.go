package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the trainer's Prometheus counters. A nil *Metrics is valid
// and records nothing, so tests can pass nil.
type Metrics struct {
	TasksTotal      *prometheus.CounterVec
	ItemsTotal      *prometheus.CounterVec
	RejectionsTotal *prometheus.CounterVec
	PlansTotal      *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	return &Metrics{
		TasksTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "mentor_tasks_total",
			Help: "Training tasks by terminal status.",
		}, []string{"status"}),
		ItemsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "mentor_items_total",
			Help: "Discovered items by outcome.",
		}, []string{"outcome"}),
		RejectionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "mentor_rejections_total",
			Help: "Content rejections by reason.",
		}, []string{"reason"}),
		PlansTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "mentor_plans_total",
			Help: "Training plans by terminal status.",
		}, []string{"status"}),
	}
}

func (m *Metrics) IncTask(status string) {
	if m == nil {
		return
	}
	m.TasksTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) AddItems(outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ItemsTotal.WithLabelValues(outcome).Add(float64(n))
}

func (m *Metrics) IncRejection(reason string) {
	if m == nil {
		return
	}
	m.RejectionsTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) IncPlan(status string) {
	if m == nil {
		return
	}
	m.PlansTotal.WithLabelValues(status).Inc()
}
