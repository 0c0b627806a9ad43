// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	CurrentConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "alicecrypto_current_connections",
		Help: "Number of open client connections.",
	}, []string{"transport"})

	EstablishedSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "alicecrypto_established_sessions",
		Help: "Number of connections holding a secure channel.",
	})

	Handshakes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "alicecrypto_handshakes_total",
		Help: "Handshake attempts by result.",
	}, []string{"result"})

	ChatMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "alicecrypto_chat_messages_total",
		Help: "Chat messages by result.",
	}, []string{"result"})

	ComputeRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "alicecrypto_compute_requests_total",
		Help: "Homomorphic sum requests by result.",
	}, []string{"result"})

	ComputeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "alicecrypto_compute_duration_seconds",
		Help:    "Time spent folding ciphertexts.",
		Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
	})

	ProtocolErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "alicecrypto_protocol_errors_total",
		Help: "Inbound payloads that were dropped or ignored, by kind.",
	}, []string{"kind"})

	StoreErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "alicecrypto_store_errors_total",
		Help: "Records that could not be persisted.",
	})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
