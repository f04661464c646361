package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Chat pipeline metrics, exposed on /metrics.
var (
	StreamsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatstream_streams_started_total",
		Help: "Streaming chat requests received.",
	})

	StreamsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatstream_streams_completed_total",
		Help: "Streams that terminated with ai_message_complete and [DONE].",
	})

	ChunksEmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatstream_chunks_emitted_total",
		Help: "ai_message_chunk events written to clients.",
	})

	ModelFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatstream_model_fallbacks_total",
		Help: "Assistant replies substituted with the fallback text after a model failure.",
	})

	StreamDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "chatstream_stream_duration_seconds",
		Help:    "Wall time of a streaming chat request from validation to [DONE].",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	})

	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatstream_http_requests_total",
		Help: "HTTP requests by route and status class.",
	}, []string{"route", "status"})
)
