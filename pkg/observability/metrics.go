// Package observability exposes the inspector's Prometheus metrics and
// health endpoints.
package observability

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Stream modes used as the "mode" label.
const (
	ModeReplay         = "replay"
	ModeReplayReverse  = "replay_reverse"
	ModeLive           = "live"
	ModeReplayThenLive = "replay_then_live"
)

var (
	// Log metrics
	messagesAppendedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "inspector_messages_appended_total",
			Help: "Total number of messages appended to session logs",
		},
	)

	// Stream metrics
	messagesDeliveredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inspector_messages_delivered_total",
			Help: "Total number of messages delivered to stream consumers",
		},
		[]string{"mode"},
	)

	streamsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "inspector_streams_active",
			Help: "Number of open message streams",
		},
		[]string{"mode"},
	)

	streamErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inspector_stream_errors_total",
			Help: "Total number of streams ended by a storage or overflow failure",
		},
		[]string{"mode"},
	)

	// Session metrics
	sessionTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inspector_session_transitions_total",
			Help: "Total number of session lifecycle transitions",
		},
		[]string{"status"},
	)

	// Collaborator metrics
	injectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inspector_injections_total",
			Help: "Total number of injection requests by result",
		},
		[]string{"result"},
	)

	ingestEntriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inspector_ingest_entries_total",
			Help: "Total number of ingress stream entries processed by kind",
		},
		[]string{"kind"},
	)

	initOnce sync.Once
)

// InitMetrics registers the inspector metrics with the default registry.
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			messagesAppendedTotal,
			messagesDeliveredTotal,
			streamsActive,
			streamErrorsTotal,
			sessionTransitionsTotal,
			injectionsTotal,
			ingestEntriesTotal,
		)
	})
}

// MetricsHandler returns an HTTP handler for Prometheus metrics
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordMessageAppended counts one appended message.
func RecordMessageAppended() {
	messagesAppendedTotal.Inc()
}

// RecordMessageDelivered counts one message handed to a consumer of mode.
func RecordMessageDelivered(mode string) {
	messagesDeliveredTotal.WithLabelValues(mode).Inc()
}

// StreamOpened tracks a newly opened stream.
func StreamOpened(mode string) {
	streamsActive.WithLabelValues(mode).Inc()
}

// StreamClosed tracks the end of a stream; failed counts it as an error.
func StreamClosed(mode string, failed bool) {
	streamsActive.WithLabelValues(mode).Dec()
	if failed {
		streamErrorsTotal.WithLabelValues(mode).Inc()
	}
}

// RecordSessionTransition counts a RUNNING or COMPLETED transition.
func RecordSessionTransition(status string) {
	sessionTransitionsTotal.WithLabelValues(status).Inc()
}

// RecordInjection counts an injection by result: injected, ignored or failed.
func RecordInjection(result string) {
	injectionsTotal.WithLabelValues(result).Inc()
}

// RecordIngestEntry counts an ingress entry by kind.
func RecordIngestEntry(kind string) {
	ingestEntriesTotal.WithLabelValues(kind).Inc()
}
