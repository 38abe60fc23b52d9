package stream

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	messagesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stream_messages_processed_total",
		Help: "Messages processed successfully",
	}, []string{"listener"})

	messageProcessingFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stream_processing_failed_total",
		Help: "Messages failed to process. last_attempt=yes marks dropped messages",
	}, []string{"listener", "last_attempt"})

	handlerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stream_handler_duration_seconds",
		Help:    "Duration of message handling including in-process retries",
		Buckets: prometheus.DefBuckets,
	}, []string{"listener"})
)
