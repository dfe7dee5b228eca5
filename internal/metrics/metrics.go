// Package metrics exposes Prometheus instruments for the shift engine.
// Every method is safe on a nil *Metrics so components can run unmetered.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/fieldcrew/rigshift/internal/domain"
)

// Metrics groups the collectors registered for one device session.
type Metrics struct {
	eventsAppended     *prometheus.CounterVec
	appendsRejected    prometheus.Counter
	validationFailures *prometheus.CounterVec
	syncAttempts       *prometheus.CounterVec
	queueEntries       *prometheus.GaugeVec
	queueBytes         prometheus.Gauge
	currentStep        prometheus.Gauge
	locked             prometheus.Gauge
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		eventsAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rigshift_ledger_events_appended_total",
			Help: "Ledger events appended, by event type.",
		}, []string{"type"}),
		appendsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rigshift_ledger_appends_rejected_total",
			Help: "Ledger appends rejected because the system was locked.",
		}),
		validationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rigshift_validation_failures_total",
			Help: "Step validation failures, by step.",
		}, []string{"step"}),
		syncAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rigshift_sync_attempts_total",
			Help: "Remote send attempts, by result.",
		}, []string{"result"}),
		queueEntries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rigshift_sync_queue_entries",
			Help: "Sync queue entries, by status.",
		}, []string{"status"}),
		queueBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rigshift_sync_queue_bytes",
			Help: "Sum of serialized payload lengths in the sync queue.",
		}),
		currentStep: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rigshift_workflow_current_step",
			Help: "Current workflow step (0-7).",
		}),
		locked: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rigshift_workflow_locked",
			Help: "1 while the workflow is locked.",
		}),
	}
	reg.MustRegister(
		m.eventsAppended,
		m.appendsRejected,
		m.validationFailures,
		m.syncAttempts,
		m.queueEntries,
		m.queueBytes,
		m.currentStep,
		m.locked,
	)
	return m
}

// EventAppended counts one ledger append.
func (m *Metrics) EventAppended(eventType string) {
	if m == nil {
		return
	}
	m.eventsAppended.WithLabelValues(eventType).Inc()
}

// AppendRejected counts one append refused while locked.
func (m *Metrics) AppendRejected() {
	if m == nil {
		return
	}
	m.appendsRejected.Inc()
}

// ValidationFailed counts one failed step validation.
func (m *Metrics) ValidationFailed(step domain.Step) {
	if m == nil {
		return
	}
	m.validationFailures.WithLabelValues(step.String()).Inc()
}

// SyncAttempt counts one send, labelled "ok" or "error".
func (m *Metrics) SyncAttempt(ok bool) {
	if m == nil {
		return
	}
	result := "error"
	if ok {
		result = "ok"
	}
	m.syncAttempts.WithLabelValues(result).Inc()
}

// QueueState publishes per-status counts and the byte estimate.
func (m *Metrics) QueueState(counts map[domain.SyncStatus]int, bytes int) {
	if m == nil {
		return
	}
	for _, s := range []domain.SyncStatus{domain.SyncPending, domain.SyncSyncing, domain.SyncSynced, domain.SyncFailed} {
		m.queueEntries.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
	m.queueBytes.Set(float64(bytes))
}

// WorkflowState publishes the step and lock flag.
func (m *Metrics) WorkflowState(step domain.Step, locked bool) {
	if m == nil {
		return
	}
	m.currentStep.Set(float64(step))
	v := 0.0
	if locked {
		v = 1
	}
	m.locked.Set(v)
}

