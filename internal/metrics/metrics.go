// Package metrics exposes Prometheus collectors for runs, capability calls,
// guardrail violations and trace events.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/roach88/quill/internal/policy"
	"github.com/roach88/quill/internal/registry"
	"github.com/roach88/quill/internal/trace"
	"github.com/roach88/quill/internal/workflow"
)

const namespace = "quill"

// Metrics holds the collectors on a private registry. It implements
// workflow.Observer, registry.Observer and trace.Observer.
type Metrics struct {
	reg *prometheus.Registry

	// RunsStarted counts created runs.
	RunsStarted prometheus.Counter

	// RunsActive is the number of runs not yet terminal.
	RunsActive prometheus.Gauge

	// RunsFinished counts terminal runs.
	// Labels: phase (completed, rejected, failed), cause
	RunsFinished *prometheus.CounterVec

	// RunDuration observes wall time from creation to the terminal phase.
	RunDuration *prometheus.HistogramVec

	// PhaseEntries counts phase entries.
	// Labels: phase
	PhaseEntries *prometheus.CounterVec

	// Calls counts capability attempts.
	// Labels: capability, outcome (ok, rejected, failed, cancelled)
	Calls *prometheus.CounterVec

	// CallDuration observes capability attempt latency.
	CallDuration *prometheus.HistogramVec

	// Violations counts guardrail rejections.
	// Labels: rule
	Violations *prometheus.CounterVec

	// TraceEvents counts recorded trace events.
	// Labels: component, masked (full, partial)
	TraceEvents *prometheus.CounterVec
}

// New registers every collector, plus the Go and process collectors, on a
// fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,
		RunsStarted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "runs",
			Name:      "started_total",
			Help:      "Total number of runs created",
		}),
		RunsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "runs",
			Name:      "active",
			Help:      "Number of runs in a non-terminal phase",
		}),
		RunsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "runs",
			Name:      "finished_total",
			Help:      "Total number of runs that reached a terminal phase",
		}, []string{"phase", "cause"}),
		RunDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "runs",
			Name:      "duration_seconds",
			Help:      "Run wall time from creation to terminal phase",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"phase"}),
		PhaseEntries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "runs",
			Name:      "phase_entries_total",
			Help:      "Total number of phase entries",
		}, []string{"phase"}),
		Calls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "capability",
			Name:      "calls_total",
			Help:      "Total number of capability call attempts",
		}, []string{"capability", "outcome"}),
		CallDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "capability",
			Name:      "call_duration_seconds",
			Help:      "Capability call latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"capability"}),
		Violations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "guardrails",
			Name:      "violations_total",
			Help:      "Total number of guardrail rejections",
		}, []string{"rule"}),
		TraceEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "trace",
			Name:      "events_total",
			Help:      "Total number of trace events recorded",
		}, []string{"component", "masked"}),
	}
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// RunStarted implements workflow.Observer.
func (m *Metrics) RunStarted() {
	m.RunsStarted.Inc()
	m.RunsActive.Inc()
}

// PhaseEntered implements workflow.Observer.
func (m *Metrics) PhaseEntered(phase workflow.Phase) {
	m.PhaseEntries.WithLabelValues(string(phase)).Inc()
}

// RunFinished implements workflow.Observer.
func (m *Metrics) RunFinished(phase workflow.Phase, cause workflow.ErrorCode, elapsed time.Duration) {
	m.RunsActive.Dec()
	label := string(cause)
	if label == "" {
		label = "none"
	}
	m.RunsFinished.WithLabelValues(string(phase), label).Inc()
	m.RunDuration.WithLabelValues(string(phase)).Observe(elapsed.Seconds())
}

// CallObserved implements registry.Observer.
func (m *Metrics) CallObserved(capability, outcome string, elapsed time.Duration) {
	m.Calls.WithLabelValues(capability, outcome).Inc()
	m.CallDuration.WithLabelValues(capability).Observe(elapsed.Seconds())
}

// ViolationObserved implements registry.Observer.
func (m *Metrics) ViolationObserved(rule policy.Rule) {
	m.Violations.WithLabelValues(string(rule)).Inc()
}

// EventRecorded implements trace.Observer.
func (m *Metrics) EventRecorded(ev trace.Event) {
	masked := "full"
	if ev.PartiallyMasked {
		masked = "partial"
	}
	m.TraceEvents.WithLabelValues(string(ev.Component), masked).Inc()
}

var (
	_ workflow.Observer = (*Metrics)(nil)
	_ registry.Observer = (*Metrics)(nil)
	_ trace.Observer    = (*Metrics)(nil)
)
