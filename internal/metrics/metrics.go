// Package metrics provides Prometheus metrics for the refinement pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the pipeline.
type Metrics struct {
	registry *prometheus.Registry

	// Job metrics
	JobsSubmitted *prometheus.CounterVec
	JobsFinished  *prometheus.CounterVec
	CacheHits     *prometheus.CounterVec
	JobDuration   *prometheus.HistogramVec

	// Loop metrics
	MaskProbes       *prometheus.CounterVec
	MaskDegraded     *prometheus.CounterVec
	CurrentTier      prometheus.Gauge
	LowpassAngstrom  *prometheus.GaugeVec
	BestResolution   prometheus.Gauge
	PolishIterations prometheus.Counter
	PolishStale      prometheus.Gauge

	// Export metrics
	ExportTasks     *prometheus.CounterVec
	InFlightExports prometheus.Gauge

	// Error metrics
	CatalogErrors prometheus.Counter
	AuditErrors   prometheus.Counter
}

// Config holds metrics configuration.
type Config struct {
	Enabled bool
	Address string // Address for metrics HTTP server (e.g., ":9090")
}

var defaultMetrics *Metrics

// Init creates the metrics on a fresh registry and installs them as the
// global instance. Call this once at startup.
func Init(namespace string) *Metrics {
	if namespace == "" {
		namespace = "tomo_refiner"
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	m := &Metrics{
		registry: reg,
		JobsSubmitted: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_submitted_total",
				Help:      "Total number of jobs submitted to the backend",
			},
			[]string{"tier", "kind"},
		),
		JobsFinished: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_finished_total",
				Help:      "Total number of jobs that reached a terminal status",
			},
			[]string{"tier", "kind", "status"},
		),
		CacheHits: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_hits_total",
				Help:      "Total number of stages served from the job cache",
			},
			[]string{"tier", "kind"},
		),
		JobDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "job_duration_seconds",
				Help:      "Wall time from submission to terminal status",
				Buckets:   prometheus.ExponentialBuckets(10, 3, 10), // 10s to ~2 days
			},
			[]string{"kind"},
		),
		MaskProbes: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "mask_probes_total",
				Help:      "Mask edge probes by outcome",
			},
			[]string{"tier", "outcome"},
		),
		MaskDegraded: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "mask_search_degraded_total",
				Help:      "Mask searches that exhausted every edge width",
			},
			[]string{"tier"},
		),
		CurrentTier: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "current_tier",
				Help:      "Binning factor of the tier being refined (0 = high resolution)",
			},
		),
		LowpassAngstrom: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "lowpass_angstrom",
				Help:      "Low-pass filter seeded into each tier",
			},
			[]string{"tier"},
		),
		BestResolution: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "best_resolution_angstrom",
				Help:      "Best final resolution seen while polishing",
			},
		),
		PolishIterations: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "polish_iterations_total",
				Help:      "Completed polishing iterations",
			},
		),
		PolishStale: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "polish_stale_iterations",
				Help:      "Consecutive polishing iterations without improvement",
			},
		),
		ExportTasks: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "export_tasks_total",
				Help:      "Export tasks by outcome",
			},
			[]string{"outcome"},
		),
		InFlightExports: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "in_flight_exports",
				Help:      "Number of export tasks currently running",
			},
		),
		CatalogErrors: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "catalog_errors_total",
				Help:      "Total number of lineage catalog errors",
			},
		),
		AuditErrors: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "audit_errors_total",
				Help:      "Total number of audit emission errors",
			},
		),
	}

	defaultMetrics = m
	return m
}

// Get returns the global metrics instance.
// Returns nil if Init has not been called.
func Get() *Metrics {
	return defaultMetrics
}

// Registry exposes the registry the metrics were created on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Labels is a convenience type for metric labels.
type Labels struct {
	Tier    string
	Kind    string
	Status  string
	Outcome string
}

// Recording methods are no-ops on a nil *Metrics.
func (m *Metrics) IncJobsSubmitted(l Labels) {
	if m == nil {
		return
	}
	m.JobsSubmitted.WithLabelValues(l.Tier, l.Kind).Inc()
}

func (m *Metrics) IncJobsFinished(l Labels) {
	if m == nil {
		return
	}
	m.JobsFinished.WithLabelValues(l.Tier, l.Kind, l.Status).Inc()
}

func (m *Metrics) IncCacheHits(l Labels) {
	if m == nil {
		return
	}
	m.CacheHits.WithLabelValues(l.Tier, l.Kind).Inc()
}

// ObserveJobDuration records the time a job spent on the backend.
func (m *Metrics) ObserveJobDuration(l Labels, seconds float64) {
	if m == nil {
		return
	}
	m.JobDuration.WithLabelValues(l.Kind).Observe(seconds)
}

func (m *Metrics) IncMaskProbes(l Labels) {
	if m == nil {
		return
	}
	m.MaskProbes.WithLabelValues(l.Tier, l.Outcome).Inc()
}

func (m *Metrics) IncMaskDegraded(l Labels) {
	if m == nil {
		return
	}
	m.MaskDegraded.WithLabelValues(l.Tier).Inc()
}

func (m *Metrics) SetCurrentTier(binning float64) {
	if m == nil {
		return
	}
	m.CurrentTier.Set(binning)
}

func (m *Metrics) SetLowpass(l Labels, angstrom float64) {
	if m == nil {
		return
	}
	m.LowpassAngstrom.WithLabelValues(l.Tier).Set(angstrom)
}

func (m *Metrics) SetBestResolution(angstrom float64) {
	if m == nil {
		return
	}
	m.BestResolution.Set(angstrom)
}

func (m *Metrics) IncPolishIterations() {
	if m == nil {
		return
	}
	m.PolishIterations.Inc()
}

func (m *Metrics) SetPolishStale(n float64) {
	if m == nil {
		return
	}
	m.PolishStale.Set(n)
}

func (m *Metrics) IncExportTasks(l Labels) {
	if m == nil {
		return
	}
	m.ExportTasks.WithLabelValues(l.Outcome).Inc()
}

func (m *Metrics) SetInFlightExports(n float64) {
	if m == nil {
		return
	}
	m.InFlightExports.Set(n)
}

func (m *Metrics) IncCatalogErrors() {
	if m == nil {
		return
	}
	m.CatalogErrors.Inc()
}

func (m *Metrics) IncAuditErrors() {
	if m == nil {
		return
	}
	m.AuditErrors.Inc()
}
