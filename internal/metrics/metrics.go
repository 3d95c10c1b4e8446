// Package metrics exposes prometheus instrumentation for the mail server.
package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SMTP metrics
	MessagesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "courierd_messages_received_total",
		Help: "Total number of messages accepted via SMTP",
	})

	MessagesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "courierd_messages_rejected_total",
		Help: "Total number of messages rejected",
	}, []string{"reason"})

	MessagesQueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "courierd_messages_queued_total",
		Help: "Total number of messages queued for delivery",
	})

	AuthAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "courierd_auth_attempts_total",
		Help: "Total number of authentication attempts",
	}, []string{"result"})

	// Delivery metrics
	MessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "courierd_messages_sent_total",
		Help: "Total number of messages delivered successfully",
	})

	MessagesFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "courierd_messages_failed_total",
		Help: "Total number of messages that permanently failed",
	})

	DeliveryRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "courierd_delivery_retries_total",
		Help: "Total number of delivery retry attempts",
	})

	DeliveryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "courierd_delivery_duration_seconds",
		Help:    "Time taken to deliver messages",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
	})

	// Queue metrics
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "courierd_queue_depth",
		Help: "Current number of messages per queue set",
	}, []string{"set"})

	// Connection metrics
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "courierd_active_connections",
		Help: "Number of active SMTP connections",
	})

	TotalConnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "courierd_connections_total",
		Help: "Total number of SMTP connections accepted",
	})

	SpamScores = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "courierd_spam_score",
		Help:    "Spam scores of checked messages",
		Buckets: prometheus.LinearBuckets(0, 2.5, 8),
	})
)

// Serve starts the metrics HTTP listener on the given port. It blocks
// until the server exits.
func Serve(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return srv.ListenAndServe()
}
