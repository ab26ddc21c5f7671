// Package metrics holds the Prometheus collectors of the prover service. A
// nil *Metrics is valid and records nothing.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "prover"

const (
	StatusSuccess = "success"
	StatusFailure = "failure"
	StatusCached  = "cached"
	StatusDeduped = "deduped"
)

type Metrics struct {
	Submissions   *prometheus.CounterVec
	Jobs          *prometheus.CounterVec
	JobDuration   *prometheus.HistogramVec
	ActiveJobs    prometheus.Gauge
	ProverCalls   *prometheus.CounterVec
	Pins          *prometheus.CounterVec
	LedgerEvents  *prometheus.CounterVec
	DroppedEvents prometheus.Counter

	mu          sync.Mutex
	lastDropped uint64
}

func mustRegisterCounterVec(reg prometheus.Registerer, component, name, help string, labelNames ...string) *prometheus.CounterVec {
	m := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: component,
		Name:      name,
		Help:      help,
	}, labelNames)
	reg.MustRegister(m)
	return m
}

func mustRegisterGauge(reg prometheus.Registerer, component, name, help string) prometheus.Gauge {
	m := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: component,
		Name:      name,
		Help:      help,
	})
	reg.MustRegister(m)
	return m
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Submissions: mustRegisterCounterVec(reg, "submit", "requests_total",
			"Proof submissions by trait and outcome.", "trait", "status"),
		Jobs: mustRegisterCounterVec(reg, "worker", "jobs_total",
			"Jobs finished by the worker pool by trait and status.", "trait", "status"),
		ActiveJobs: mustRegisterGauge(reg, "worker", "active_jobs",
			"Jobs currently in processing."),
		ProverCalls: mustRegisterCounterVec(reg, "worker", "prover_calls_total",
			"Prover invocations by trait.", "trait"),
		Pins: mustRegisterCounterVec(reg, "pinning", "pins_total",
			"Pin requests by durability.", "status"),
		LedgerEvents: mustRegisterCounterVec(reg, "reconcile", "events_total",
			"Ledger events applied by type and outcome.", "type", "status"),
	}
	m.JobDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "job_duration_seconds",
		Help:      "Time from claim to terminal state.",
		Buckets:   []float64{0.5, 1, 2.5, 5, 10, 15, 20, 30, 60, 120},
	}, []string{"trait"})
	reg.MustRegister(m.JobDuration)
	m.DroppedEvents = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "notify",
		Name:      "dropped_events_total",
		Help:      "Events dropped because a subscriber was too slow.",
	})
	reg.MustRegister(m.DroppedEvents)
	return m
}

func (m *Metrics) Submitted(trait, status string) {
	if m == nil {
		return
	}
	m.Submissions.WithLabelValues(trait, status).Inc()
}

func (m *Metrics) JobStarted() {
	if m == nil {
		return
	}
	m.ActiveJobs.Inc()
}

func (m *Metrics) JobFinished(trait, status string, took time.Duration) {
	if m == nil {
		return
	}
	m.ActiveJobs.Dec()
	m.Jobs.WithLabelValues(trait, status).Inc()
	m.JobDuration.WithLabelValues(trait).Observe(took.Seconds())
}

func (m *Metrics) ProverCalled(trait string) {
	if m == nil {
		return
	}
	m.ProverCalls.WithLabelValues(trait).Inc()
}

func (m *Metrics) Pinned(durable bool) {
	if m == nil {
		return
	}
	status := "durable"
	if !durable {
		status = "degraded"
	}
	m.Pins.WithLabelValues(status).Inc()
}

func (m *Metrics) LedgerEvent(eventType, status string) {
	if m == nil {
		return
	}
	m.LedgerEvents.WithLabelValues(eventType, status).Inc()
}

// SetDropped raises the dropped counter to total, a running count kept by the
// notification hub.
func (m *Metrics) SetDropped(total uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if total > m.lastDropped {
		m.DroppedEvents.Add(float64(total - m.lastDropped))
		m.lastDropped = total
	}
}
