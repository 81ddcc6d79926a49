package retrieval

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics holds the Prometheus metrics owned by the orchestrator.
type metrics struct {
	// queryDuration records per-collection query latency.
	queryDuration *prometheus.HistogramVec

	// failures counts skipped collections by failure kind.
	failures *prometheus.CounterVec

	// results records how many results each retrieval returned.
	results prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)

	return &metrics{
		queryDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "reachyrag",
			Subsystem: "retrieval",
			Name:      "collection_query_seconds",
			Help:      "Latency of a single collection query, including embedding and busy retries.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"collection"}),

		failures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reachyrag",
			Subsystem: "retrieval",
			Name:      "collection_failures_total",
			Help:      "Collection queries skipped during retrieval, partitioned by collection and failure kind.",
		}, []string{"collection", "kind"}),

		results: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "reachyrag",
			Subsystem: "retrieval",
			Name:      "results",
			Help:      "Number of ranked results returned per retrieval.",
			Buckets:   []float64{0, 1, 2, 3, 5, 10, 20, 50},
		}),
	}
}
