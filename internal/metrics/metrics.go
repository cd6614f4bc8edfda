// Package metrics exports ingestion and versioning counters to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics implements versioning.Observer and the run hooks of the ingest
// service. All collectors live on the registry passed to New.
type Metrics struct {
	gatherer prometheus.Gatherer

	runsTotal       *prometheus.CounterVec
	runDuration     *prometheus.HistogramVec
	recordsIngested *prometheus.CounterVec
	runsInFlight    prometheus.Gauge

	versionsCreated *prometheus.CounterVec
	versionsDeleted *prometheus.CounterVec
	cleanupFailures *prometheus.CounterVec
}

func New(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		gatherer: reg,
		/* Run metrics */
		runsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dataforge_runs_total",
				Help: "Total number of ingestion runs",
			},
			[]string{"source_type", "status"},
		),
		runDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dataforge_run_duration_seconds",
				Help:    "Ingestion run duration in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 1800},
			},
			[]string{"source_type"},
		),
		recordsIngested: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dataforge_records_ingested_total",
				Help: "Total number of records read by successful runs",
			},
			[]string{"source_type"},
		),
		runsInFlight: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "dataforge_runs_in_flight",
				Help: "Number of runs currently executing",
			},
		),
		/* Version metrics */
		versionsCreated: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dataforge_versions_created_total",
				Help: "Total number of versions created",
			},
			[]string{"data_source"},
		),
		versionsDeleted: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dataforge_versions_deleted_total",
				Help: "Total number of versions deleted",
			},
			[]string{"data_source"},
		),
		cleanupFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dataforge_cleanup_failures_total",
				Help: "Total number of versions a retention pass failed to delete",
			},
			[]string{"data_source"},
		),
	}
}

// RunStarted returns a func that records the outcome when the run ends.
func (m *Metrics) RunStarted(sourceType string) func(status string, records int64) {
	start := time.Now()
	m.runsInFlight.Inc()
	return func(status string, records int64) {
		m.runsInFlight.Dec()
		m.runsTotal.WithLabelValues(sourceType, status).Inc()
		m.runDuration.WithLabelValues(sourceType).Observe(time.Since(start).Seconds())
		if records > 0 {
			m.recordsIngested.WithLabelValues(sourceType).Add(float64(records))
		}
	}
}

func (m *Metrics) VersionCreated(dataSourceID string, records int64) {
	m.versionsCreated.WithLabelValues(dataSourceID).Inc()
}

func (m *Metrics) VersionDeleted(dataSourceID string) {
	m.versionsDeleted.WithLabelValues(dataSourceID).Inc()
}

func (m *Metrics) CleanupFailed(dataSourceID string) {
	m.cleanupFailures.WithLabelValues(dataSourceID).Inc()
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
