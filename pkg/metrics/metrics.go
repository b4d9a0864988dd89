package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Store metrics
	ActiveRecords = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "blacklist_active_records",
			Help: "Number of active blacklist entries",
		},
	)

	RecordsUpserted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blacklist_records_upserted_total",
			Help: "Records written by ingestion, by source and outcome",
		},
		[]string{"source", "outcome"},
	)

	RecordsExpired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "blacklist_records_expired_total",
			Help: "Records deactivated by the expiry sweep",
		},
	)

	// Collection metrics
	CollectionRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blacklist_collection_runs_total",
			Help: "Collection runs by source and final status",
		},
		[]string{"source", "status"},
	)

	CollectionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "blacklist_collection_duration_seconds",
			Help:    "Collection run duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		},
		[]string{"source"},
	)

	// Cache metrics
	CacheRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blacklist_cache_requests_total",
			Help: "Cache reads by tier and result",
		},
		[]string{"tier", "result"},
	)

	CacheDegraded = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "blacklist_cache_degraded",
			Help: "Whether the primary cache is unreachable (1 = degraded)",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blacklist_api_requests_total",
			Help: "API requests by endpoint and status",
		},
		[]string{"endpoint", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "blacklist_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)

	// Vault metrics
	AuthAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blacklist_auth_attempts_total",
			Help: "Upstream authentication attempts by source and result",
		},
		[]string{"source", "result"},
	)
)

func init() {
	prometheus.MustRegister(ActiveRecords)
	prometheus.MustRegister(RecordsUpserted)
	prometheus.MustRegister(RecordsExpired)
	prometheus.MustRegister(CollectionRunsTotal)
	prometheus.MustRegister(CollectionDuration)
	prometheus.MustRegister(CacheRequests)
	prometheus.MustRegister(CacheDegraded)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(AuthAttempts)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
