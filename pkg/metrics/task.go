package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// TaskMetrics records orchestrator activity for one agent role.
type TaskMetrics struct {
	role        string
	transitions *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	downstream  *prometheus.CounterVec
}

// NewTaskMetrics registers the task metrics on the provided registerer. A nil
// registerer yields a no-op recorder.
func NewTaskMetrics(reg prometheus.Registerer, role string) *TaskMetrics {
	if reg == nil {
		return &TaskMetrics{role: role}
	}
	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ap2_task_transitions_total",
		Help: "Task state transitions by role.",
	}, []string{"role", "from", "to"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ap2_operation_duration_seconds",
		Help:    "Duration of role operations in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"role", "operation", "outcome"})
	downstream := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ap2_downstream_failures_total",
		Help: "Failed calls to remote agents.",
	}, []string{"role", "peer"})
	reg.MustRegister(transitions, duration, downstream)
	return &TaskMetrics{
		role:        role,
		transitions: transitions,
		duration:    duration,
		downstream:  downstream,
	}
}

// IncTransition counts a move between two task states.
func (m *TaskMetrics) IncTransition(from, to string) {
	if m == nil || m.transitions == nil {
		return
	}
	m.transitions.WithLabelValues(normalizeLabel(m.role), normalizeLabel(from), normalizeLabel(to)).Inc()
}

// ObserveOperation records how long an operation ran and how it ended.
func (m *TaskMetrics) ObserveOperation(operation, outcome string, duration time.Duration) {
	if m == nil || m.duration == nil {
		return
	}
	m.duration.WithLabelValues(normalizeLabel(m.role), normalizeLabel(operation), normalizeLabel(outcome)).
		Observe(duration.Seconds())
}

// IncDownstreamFailure counts a failed call to peer.
func (m *TaskMetrics) IncDownstreamFailure(peer string) {
	if m == nil || m.downstream == nil {
		return
	}
	m.downstream.WithLabelValues(normalizeLabel(m.role), normalizeLabel(peer)).Inc()
}

func normalizeLabel(value string) string {
	if value == "" {
		return "unknown"
	}
	return value
}
