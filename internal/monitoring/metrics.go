package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP请求指标
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contractai_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status_class"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "contractai_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"method", "path", "status_class"},
	)

	HTTPInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "contractai_http_in_flight_requests",
			Help: "Requests currently being served",
		},
	)

	RateLimitKeys = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "contractai_rate_limit_keys",
			Help: "Per-client limiters currently tracked",
		},
	)

	RateLimitRejectedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "contractai_rate_limit_rejected_total",
			Help: "Requests rejected by the per-client rate limiter",
		},
	)

	// 提供商解析
	TierAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contractai_provider_tier_attempts_total",
			Help: "Tier attempts by tier and outcome (success, skip, error)",
		},
		[]string{"tier", "outcome"},
	)

	TierDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "contractai_provider_tier_duration_seconds",
			Help:    "Time spent inside one tier attempt",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2},
		},
		[]string{"tier"},
	)

	ResolutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contractai_provider_resolutions_total",
			Help: "Provider resolutions by winning source and preference",
		},
		[]string{"source", "preference"},
	)

	// 上游调用
	GenerateRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contractai_generate_requests_total",
			Help: "Vendor generate calls by backend, kind and outcome",
		},
		[]string{"backend", "kind", "outcome"},
	)

	GenerateDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "contractai_generate_duration_seconds",
			Help:    "Vendor generate latency",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"backend", "kind"},
	)

	UpstreamRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contractai_upstream_retries_total",
			Help: "Retries of transient vendor failures",
		},
		[]string{"label"},
	)

	TokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contractai_tokens_total",
			Help: "Tokens reported by vendors",
		},
		[]string{"direction", "key_source"},
	)

	// 缓存
	CredentialCacheEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contractai_credential_cache_events_total",
			Help: "Credential cache hits, misses and unusable blobs",
		},
		[]string{"event"},
	)

	KeyPoolFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contractai_key_pool_fetches_total",
			Help: "Key pool lookups by result (cached, loaded, disabled, error)",
		},
		[]string{"result"},
	)

	// 后台
	UsageRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contractai_usage_records_total",
			Help: "Usage records by outcome (queued, written, dropped, failed)",
		},
		[]string{"outcome"},
	)

	BackgroundJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contractai_background_jobs_total",
			Help: "Fire-and-forget jobs by name and outcome",
		},
		[]string{"job", "outcome"},
	)

	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contractai_events_published_total",
			Help: "In-process events by topic",
		},
		[]string{"topic"},
	)

	BackgroundTaskRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contractai_background_task_runs_total",
			Help: "Runs of long-lived tasks by task and outcome",
		},
		[]string{"task", "outcome"},
	)
)

// StatusClass buckets an HTTP status into "2xx", "4xx", ...
func StatusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	case code >= 200:
		return "2xx"
	}
	return "1xx"
}

var (
	// 存储
	StoreOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "contractai_store_operation_duration_seconds",
			Help:    "Store call latency by backend, operation and outcome",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"backend", "operation", "outcome"},
	)
)
