package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "planpilot_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "planpilot_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	SyncPagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "planpilot_sync_pages_total",
			Help: "Total number of Planfix listing pages fetched.",
		},
		[]string{"kind"},
	)

	SyncEntitiesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "planpilot_sync_entities_total",
			Help: "Total number of entities processed by sync runs.",
		},
		[]string{"result"},
	)

	EmbeddingsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "planpilot_embeddings_total",
			Help: "Total number of entity embedding attempts.",
		},
		[]string{"status"},
	)

	QueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "planpilot_queries_total",
			Help: "Total number of answered queries.",
		},
		[]string{"result"},
	)

	LLMRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "planpilot_llm_retries_total",
			Help: "Total number of retried LLM completion attempts.",
		},
	)

	IndexRecords = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "planpilot_index_records",
			Help: "Number of vectors in the serving index.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		SyncPagesTotal,
		SyncEntitiesTotal,
		EmbeddingsTotal,
		QueriesTotal,
		LLMRetriesTotal,
		IndexRecords,
	)
}

// RecordSyncPage counts one fetched listing page.
func RecordSyncPage(kind string) {
	SyncPagesTotal.WithLabelValues(kind).Inc()
}

// RecordSyncEntity counts one sync upsert outcome.
func RecordSyncEntity(result string) {
	SyncEntitiesTotal.WithLabelValues(result).Inc()
}

// RecordEmbedding counts one embedding attempt outcome.
func RecordEmbedding(status string, n int) {
	EmbeddingsTotal.WithLabelValues(status).Add(float64(n))
}

// RecordQuery counts one answered query by outcome.
func RecordQuery(result string) {
	QueriesTotal.WithLabelValues(result).Inc()
}
