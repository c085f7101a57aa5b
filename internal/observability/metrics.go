// Package observability exposes Prometheus metrics for the session and
// message core.
package observability

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	sessionsCreatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quietmind_sessions_created_total",
			Help: "Total number of sessions created",
		},
	)

	sessionTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quietmind_session_transitions_total",
			Help: "Total number of session status transitions",
		},
		[]string{"from", "to"},
	)

	messagesAppendedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quietmind_messages_appended_total",
			Help: "Total number of messages appended",
		},
		[]string{"role"},
	)

	sequenceConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quietmind_sequence_conflicts_total",
			Help: "Total number of user turns rejected by the sequence constraint",
		},
	)

	botRepliesDeliveredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quietmind_bot_replies_delivered_total",
			Help: "Total number of bot replies delivered through polling",
		},
	)

	staleSessionsSweptTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quietmind_stale_sessions_swept_total",
			Help: "Total number of waiting_for_bot sessions transitioned to failed by the sweeper",
		},
	)

	initOnce sync.Once
)

// InitMetrics registers all metrics with the default registry.
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			sessionsCreatedTotal,
			sessionTransitionsTotal,
			messagesAppendedTotal,
			sequenceConflictsTotal,
			botRepliesDeliveredTotal,
			staleSessionsSweptTotal,
		)
	})
}

// MetricsHandler returns the Prometheus scrape handler.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordSessionCreated increments the session creation counter.
func RecordSessionCreated() {
	sessionsCreatedTotal.Inc()
}

// RecordSessionTransition increments the transition counter for an edge.
func RecordSessionTransition(from, to string) {
	sessionTransitionsTotal.WithLabelValues(from, to).Inc()
}

// RecordMessageAppended increments the message counter for a role.
func RecordMessageAppended(role string) {
	messagesAppendedTotal.WithLabelValues(role).Inc()
}

// RecordSequenceConflict increments the lost-turn-race counter.
func RecordSequenceConflict() {
	sequenceConflictsTotal.Inc()
}

// RecordBotReplyDelivered increments the delivered-reply counter.
func RecordBotReplyDelivered() {
	botRepliesDeliveredTotal.Inc()
}

// RecordStaleSessionSwept increments the sweeper counter.
func RecordStaleSessionSwept() {
	staleSessionsSweptTotal.Inc()
}
