// Package metrics exposes Prometheus collectors for the retention engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains Prometheus metrics for the retention engine. All
// methods are safe on a nil receiver so components can run unmetered in
// tests.
type Metrics struct {
	runsTotal        *prometheus.CounterVec
	disposalsTotal   *prometheus.CounterVec
	violationsTotal  *prometheus.CounterVec
	deferredTotal    prometheus.Counter
	activeJobs       *prometheus.GaugeVec
	runDuration      prometheus.Histogram
	recordsScanned   prometheus.Counter
	unevaluableTotal prometheus.Counter
}

// NewMetrics creates a Metrics instance with Prometheus collectors
// registered on the default registry.
func NewMetrics() *Metrics {
	return &Metrics{
		runsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "themis_runs_total",
				Help: "Total number of retention runs by result",
			},
			[]string{"result"},
		),

		disposalsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "themis_disposals_total",
				Help: "Total number of disposal executions by method and result",
			},
			[]string{"tenant", "method", "result"},
		),

		violationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "themis_compliance_violations_total",
				Help: "Total number of detected compliance violations",
			},
			[]string{"tenant"},
		),

		deferredTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "themis_jobs_deferred_total",
				Help: "Total number of jobs deferred by tenant concurrency quotas",
			},
		),

		activeJobs: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "themis_active_jobs",
				Help: "Number of disposal executor runs currently in flight",
			},
			[]string{"tenant"},
		),

		runDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "themis_run_duration_seconds",
				Help:    "Duration of retention runs in seconds",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
			},
		),

		recordsScanned: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "themis_records_scanned_total",
				Help: "Total number of records examined during due-list scans",
			},
		),

		unevaluableTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "themis_unevaluable_records_total",
				Help: "Total number of records with no registered retention policy",
			},
		),
	}
}

// RunFinished records a completed run and its duration.
func (m *Metrics) RunFinished(result string, seconds float64) {
	if m == nil {
		return
	}
	m.runsTotal.WithLabelValues(result).Inc()
	m.runDuration.Observe(seconds)
}

// DisposalCompleted records a successful (or simulated) disposal.
func (m *Metrics) DisposalCompleted(tenant, method string, simulated bool) {
	if m == nil {
		return
	}
	result := "completed"
	if simulated {
		result = "simulated"
	}
	m.disposalsTotal.WithLabelValues(tenant, method, result).Inc()
}

// DisposalFailed records a failed disposal attempt with its reason code.
func (m *Metrics) DisposalFailed(tenant, reason string) {
	if m == nil {
		return
	}
	m.disposalsTotal.WithLabelValues(tenant, reason, "failed").Inc()
}

// ViolationDetected records a compliance violation.
func (m *Metrics) ViolationDetected(tenant string) {
	if m == nil {
		return
	}
	m.violationsTotal.WithLabelValues(tenant).Inc()
}

// JobDeferred records a quota deferral.
func (m *Metrics) JobDeferred() {
	if m == nil {
		return
	}
	m.deferredTotal.Inc()
}

// JobStarted marks an executor run in flight.
func (m *Metrics) JobStarted(tenant string) {
	if m == nil {
		return
	}
	m.activeJobs.WithLabelValues(tenant).Inc()
}

// JobFinished marks an executor run done.
func (m *Metrics) JobFinished(tenant string) {
	if m == nil {
		return
	}
	m.activeJobs.WithLabelValues(tenant).Dec()
}

// ScanObserved records due-scan volume.
func (m *Metrics) ScanObserved(recordsScanned, unevaluable int) {
	if m == nil {
		return
	}
	m.recordsScanned.Add(float64(recordsScanned))
	m.unevaluableTotal.Add(float64(unevaluable))
}
