package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeSuccess labels successful operations.
	OutcomeSuccess = "success"
	// OutcomeError labels failed operations.
	OutcomeError = "error"
	// OutcomeCancelled labels streams superseded by a newer request or a closed connection.
	OutcomeCancelled = "cancelled"
)

var (
	storeQueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "anomaly_hub",
			Name:      "store_queries_total",
			Help:      "Analytics store operations, partitioned by backend, operation and outcome.",
		},
		[]string{"backend", "op", "outcome"},
	)

	storeQuerySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "anomaly_hub",
			Name:      "store_query_seconds",
			Help:      "Analytics store operation latency in seconds.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"backend", "op"},
	)

	storeFallbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "anomaly_hub",
			Name:      "store_fallbacks_total",
			Help:      "Reads served from the sample dataset after a columnar failure.",
		},
		[]string{"op"},
	)

	streamsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "anomaly_hub",
			Name:      "recommendation_streams_total",
			Help:      "Recommendation streams handled, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	streamSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "anomaly_hub",
			Name:      "recommendation_stream_seconds",
			Help:      "Recommendation stream duration in seconds.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 15, 30, 60, 120},
		},
	)

	chunksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "anomaly_hub",
			Name:      "recommendation_chunks_total",
			Help:      "Recommendation chunks relayed to clients.",
		},
	)

	activeConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "anomaly_hub",
			Name:      "gateway_connections",
			Help:      "Open recommendation gateway connections.",
		},
	)

	cacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "anomaly_hub",
			Name:      "cache_lookups_total",
			Help:      "Aggregate view cache lookups, partitioned by result.",
		},
		[]string{"result"},
	)
)

// Register attaches anomaly-hub collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		storeQueriesTotal,
		storeQuerySeconds,
		storeFallbacksTotal,
		streamsTotal,
		streamSeconds,
		chunksTotal,
		activeConnections,
		cacheLookupsTotal,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveStoreQuery records a store operation duration and outcome label.
func ObserveStoreQuery(backend, op string, duration time.Duration, outcome string) {
	label := outcome
	if label != OutcomeError {
		label = OutcomeSuccess
	}
	storeQueriesTotal.WithLabelValues(backend, op, label).Inc()
	if duration < 0 {
		duration = 0
	}
	storeQuerySeconds.WithLabelValues(backend, op).Observe(duration.Seconds())
}

// ObserveFallback counts a read served from the sample dataset.
func ObserveFallback(op string) {
	storeFallbacksTotal.WithLabelValues(op).Inc()
}

// ObserveStream records a recommendation stream duration and outcome label.
func ObserveStream(duration time.Duration, outcome string) {
	switch outcome {
	case OutcomeError, OutcomeCancelled:
	default:
		outcome = OutcomeSuccess
	}
	streamsTotal.WithLabelValues(outcome).Inc()
	if duration < 0 {
		duration = 0
	}
	streamSeconds.Observe(duration.Seconds())
}

// IncChunks counts a relayed chunk.
func IncChunks() { chunksTotal.Inc() }

// ConnectionOpened increments the open connection gauge.
func ConnectionOpened() { activeConnections.Inc() }

// ConnectionClosed decrements the open connection gauge.
func ConnectionClosed() { activeConnections.Dec() }

// ObserveCacheLookup counts an aggregate cache hit or miss.
func ObserveCacheLookup(hit bool) {
	if hit {
		cacheLookupsTotal.WithLabelValues("hit").Inc()
		return
	}
	cacheLookupsTotal.WithLabelValues("miss").Inc()
}
