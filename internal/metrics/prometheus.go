package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SourceFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "etl_source_fetches_total",
			Help: "Collaborator fetches issued by the incremental updater",
		},
		[]string{"source", "result"},
	)

	SourceCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "etl_source_cache_hits_total",
			Help: "Updates answered from the watermark store without a fetch",
		},
		[]string{"source"},
	)

	SourceRowsFetched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "etl_source_rows_fetched_total",
			Help: "Rows returned by collaborator fetches",
		},
		[]string{"source"},
	)

	JobPolls = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "etl_job_polls_total",
			Help: "Status polls issued against remote report jobs",
		},
	)

	JobsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "etl_jobs_finished_total",
			Help: "Remote report jobs by terminal state",
		},
		[]string{"state"},
	)

	JobDownloadBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "etl_job_download_bytes_total",
			Help: "Bytes downloaded from finished report jobs",
		},
	)

	ReconciledRows = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "etl_reconciled_rows_total",
			Help: "Reconciled overview rows by platform and join outcome",
		},
		[]string{"platform", "outcome"},
	)

	UnmatchedParametrization = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "etl_unmatched_parametrization_total",
			Help: "Distinct performance keys missing from the parametrization table",
		},
		[]string{"platform", "key"},
	)

	DuplicateAnalyticsRows = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "etl_duplicate_analytics_rows_total",
			Help: "Analytics rows dropped by the duplicate key guard",
		},
		[]string{"platform"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "etl_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)
)
