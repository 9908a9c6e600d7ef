package coordinator

import "github.com/prometheus/client_golang/prometheus"

// Prometheus gauges/counters exposed by the memory manager and the
// coordinator's hot paths.
var (
	VectorsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mimir_vectors_total",
		Help: "Current number of live vectors in the index",
	})

	VectorMemoryBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mimir_vector_memory_bytes",
		Help: "Estimated memory used by stored vectors",
	})

	VectorsEvictedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mimir_vectors_evicted_total",
		Help: "Total number of vectors evicted by admission control",
	})

	CacheHitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mimir_cache_hits_total",
		Help: "Total cache hits recorded by the memory manager",
	})

	CacheMissesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mimir_cache_misses_total",
		Help: "Total cache misses recorded by the memory manager",
	})

	IngestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mimir_ingest_total",
		Help: "Total ingest calls by outcome",
	}, []string{"outcome"})

	SearchLatencySeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "mimir_search_latency_seconds",
		Help:    "searchByText latency",
		Buckets: prometheus.DefBuckets,
	})
)

func init() {
	prometheus.MustRegister(
		VectorsTotal,
		VectorMemoryBytes,
		VectorsEvictedTotal,
		CacheHitsTotal,
		CacheMissesTotal,
		IngestTotal,
		SearchLatencySeconds,
	)
}
