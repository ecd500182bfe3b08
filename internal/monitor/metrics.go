package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the counters the collectors and pipelines report into.
// Everything registers against one private registry so tests can build
// as many instances as they like.
type Metrics struct {
	registry *prometheus.Registry

	CollectorRequests *prometheus.CounterVec
	CollectorRetries  *prometheus.CounterVec
	RecordsSaved      *prometheus.CounterVec
	PipelineRuns      *prometheus.CounterVec
	TaskExecutions    *prometheus.CounterVec
	ForecastsIssued   *prometheus.CounterVec
	SourceFreshness   *prometheus.GaugeVec
}

func NewMetrics() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.CollectorRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agroflow_collector_requests_total",
			Help: "HTTP requests issued per source",
		},
		[]string{"source"},
	)
	m.CollectorRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agroflow_collector_retries_total",
			Help: "Request retries per source",
		},
		[]string{"source"},
	)
	m.RecordsSaved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agroflow_records_saved_total",
			Help: "Rows written to the warehouse per source",
		},
		[]string{"source"},
	)
	m.PipelineRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agroflow_pipeline_runs_total",
			Help: "Pipeline runs by outcome",
		},
		[]string{"pipeline", "status"},
	)
	m.TaskExecutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agroflow_task_executions_total",
			Help: "Queue task executions by type and outcome",
		},
		[]string{"type", "status"},
	)
	m.ForecastsIssued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agroflow_forecasts_issued_total",
			Help: "Yield forecasts persisted per crop",
		},
		[]string{"crop"},
	)
	m.SourceFreshness = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "agroflow_source_freshness_seconds",
			Help: "Seconds since the last successful run per source",
		},
		[]string{"source"},
	)

	m.registry.MustRegister(
		m.CollectorRequests,
		m.CollectorRetries,
		m.RecordsSaved,
		m.PipelineRuns,
		m.TaskExecutions,
		m.ForecastsIssued,
		m.SourceFreshness,
	)
	return m
}

// Registry exposes the backing registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
