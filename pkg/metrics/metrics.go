// Package metrics holds the Prometheus collectors for ingestion, retrieval
// and chat. They register with the default registry and are served on
// /metrics by the server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DocumentsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docrag_documents_ingested_total",
			Help: "Documents run through the ingestion pipeline, by final status.",
		},
		[]string{"status"},
	)

	ChunksIndexed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "docrag_chunks_indexed_total",
		Help: "Chunks written to the vector index.",
	})

	IngestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "docrag_ingest_duration_seconds",
		Help:    "Wall time of one document ingestion.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	})

	ExternalCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "docrag_external_call_duration_seconds",
			Help:    "Latency of embedding, vector index and model calls.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"call"},
	)

	RetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docrag_retries_total",
			Help: "Retried external calls.",
		},
		[]string{"call"},
	)

	RetrievedPassages = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "docrag_retrieved_passages",
		Help:    "Passages returned per retrieval.",
		Buckets: []float64{0, 1, 2, 3, 5, 8, 13, 21},
	})

	ChatMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docrag_chat_messages_total",
			Help: "Chat messages handled, by outcome.",
		},
		[]string{"outcome"},
	)

	EmbeddingCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "docrag_embedding_cache_hits_total",
		Help: "Question embeddings served from the LRU cache.",
	})

	EmbeddingCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "docrag_embedding_cache_misses_total",
		Help: "Question embeddings computed remotely.",
	})

	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docrag_http_requests_total",
			Help: "HTTP requests served, by route pattern and status.",
		},
		[]string{"method", "route", "status"},
	)

	WebsocketMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docrag_websocket_messages_total",
			Help: "Websocket requests handled, by message type and result code.",
		},
		[]string{"type", "code"},
	)

	OpenConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "docrag_websocket_connections",
		Help: "Currently open websocket connections.",
	})
)
