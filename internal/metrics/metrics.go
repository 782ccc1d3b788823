package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SyncOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "klima_sync_outcomes_total",
			Help: "Reconciliation attempts by outcome status (downloaded, up_to_date, missing, listing_empty, busy, failure)",
		},
		[]string{"status"},
	)

	SyncDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "klima_sync_duration_seconds",
			Help:    "Reconciliation duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		},
	)

	RowsUpserted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "klima_rows_upserted_total",
			Help: "Rows upserted by committed reconciliations",
		},
		[]string{"kind"},
	)

	SourceFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "klima_source_fetches_total",
			Help: "Upstream listing and file fetches",
		},
		[]string{"source", "operation", "status"},
	)

	SourceFetchLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "klima_source_fetch_latency_seconds",
			Help:    "Upstream fetch latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"source", "operation"},
	)

	ParseErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "klima_parse_errors_total",
			Help: "Rows skipped while parsing upstream files",
		},
		[]string{"file"},
	)

	DirectoryStations = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "klima_directory_stations",
			Help: "Stations in the current directory snapshot",
		},
	)

	IndexRebuilds = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "klima_directory_index_rebuilds_total",
			Help: "Spatial index rebuilds",
		},
	)

	ReportLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "klima_report_latency_seconds",
			Help:    "Aggregate report latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"granularity"},
	)

	ReportCache = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "klima_report_cache_total",
			Help: "Report cache lookups by result (hit, miss, error)",
		},
		[]string{"result"},
	)

	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "klima_http_requests_total",
			Help: "API requests by route and status code",
		},
		[]string{"route", "code"},
	)
)
