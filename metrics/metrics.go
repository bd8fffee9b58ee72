package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attackmatrix_http_requests_total",
			Help: "Total number of HTTP requests by route template, method and status code",
		},
		[]string{"route", "method", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "attackmatrix_http_request_duration_seconds",
			Help:    "HTTP request latency by route template",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "method"},
	)

	LoginAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attackmatrix_login_attempts_total",
			Help: "Login attempts by outcome",
		},
		[]string{"outcome"},
	)

	RateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attackmatrix_rate_limit_rejections_total",
			Help: "Requests rejected by the rate limiter, by tier",
		},
		[]string{"tier"},
	)

	CoverageComputeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "attackmatrix_coverage_compute_duration_seconds",
			Help:    "Time spent computing coverage aggregates, by view",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
		},
		[]string{"view"},
	)

	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attackmatrix_cache_hits_total",
			Help: "Cache hits by cache name",
		},
		[]string{"cache"},
	)

	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attackmatrix_cache_misses_total",
			Help: "Cache misses by cache name",
		},
		[]string{"cache"},
	)

	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attackmatrix_cache_errors_total",
			Help: "Cache errors by cache name and operation",
		},
		[]string{"cache", "operation"},
	)

	AttackObjectsImported = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attackmatrix_attack_objects_imported_total",
			Help: "ATT&CK objects imported from STIX bundles, by kind",
		},
		[]string{"kind"},
	)

	AuditEntriesWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attackmatrix_audit_entries_total",
			Help: "Audit entries written, by level",
		},
		[]string{"level"},
	)

	StorageErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attackmatrix_storage_errors_total",
			Help: "Storage operation failures, by operation",
		},
		[]string{"operation"},
	)
)
