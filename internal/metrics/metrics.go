// Package metrics holds the process-wide prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is private to the process so tests and the /metrics handler see
// only wainbound collectors plus the runtime ones.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		InboundEvents, MediaDecrypts,
		BatchesFlushed, BatchSize, BatchesDropped, DeliveryRetries,
		ModelAttempts, ModelAttemptDuration, BackendSwitches, Invocations,
		WebhookRequests,
	)
}

// InboundEvents counts events accepted into the pipeline.
var InboundEvents = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "wainbound_inbound_events_total",
		Help: "Inbound events accepted into the pipeline",
	},
	[]string{"channel"},
)

// MediaDecrypts counts media decryption outcomes.
var MediaDecrypts = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "wainbound_media_decrypts_total",
		Help: "Media decryption attempts by class and result",
	},
	[]string{"class", "result"}, // ok | invalid_key | integrity | padding | error
)

// BatchesFlushed counts aggregator flushes by reason.
var BatchesFlushed = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "wainbound_batches_flushed_total",
		Help: "Aggregated batches flushed",
	},
	[]string{"reason"}, // quiet | size | age | shutdown
)

// BatchSize is the number of events per flushed batch.
var BatchSize = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "wainbound_batch_events",
		Help:    "Events per flushed batch",
		Buckets: []float64{1, 2, 3, 5, 8, 13, 20, 50},
	},
)

// BatchesDropped counts batches given up after every delivery attempt failed.
var BatchesDropped = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "wainbound_batches_dropped_total",
		Help: "Batches dropped after exhausting delivery attempts",
	},
)

var DeliveryRetries = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "wainbound_delivery_retries_total",
		Help: "Batch delivery retries",
	},
)

// ModelAttempts counts single backend calls by outcome.
var ModelAttempts = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "wainbound_model_attempts_total",
		Help: "Model backend attempts",
	},
	[]string{"backend", "outcome"}, // outcome: success | retryable | fatal
)

// ModelAttemptDuration is the latency of a single backend call (seconds).
var ModelAttemptDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "wainbound_model_attempt_duration_seconds",
		Help:    "Latency of a single model backend attempt",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"backend"},
)

// BackendSwitches counts session health transitions.
var BackendSwitches = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "wainbound_backend_switches_total",
		Help: "Session switches between primary and fallback",
	},
	[]string{"to"}, // primary | fallback
)

// Invocations counts completed Invoke calls.
var Invocations = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "wainbound_invocations_total",
		Help: "Model invocations by serving backend and status",
	},
	[]string{"backend", "status"}, // status: ok | exhausted | canceled
)

var WebhookRequests = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "wainbound_webhook_requests_total",
		Help: "Webhook requests by response code",
	},
	[]string{"code"},
)

// Handler serves Registry in the prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
