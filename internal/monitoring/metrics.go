package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metrics for the gateway. Registered once at package init via
// promauto; components update them directly.
var (
	ConnectionsCurrent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_connections_current",
		Help: "Number of currently registered connections",
	})

	ConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_connections_total",
		Help: "Total connections accepted since start",
	})

	ConnectionsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_connections_rejected_total",
		Help: "Connections rejected, by reason",
	}, []string{"reason"})

	SweepEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_sweep_evictions_total",
		Help: "Connections evicted by the liveness sweep",
	})

	EnvelopesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_envelopes_received_total",
		Help: "Inbound envelopes, by type",
	}, []string{"type"})

	EnvelopesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_envelopes_rejected_total",
		Help: "Inbound envelopes rejected, by reason",
	}, []string{"reason"})

	MessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_messages_sent_total",
		Help: "Messages written to client sockets",
	})

	MessagesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_messages_dropped_total",
		Help: "Messages dropped because a client send buffer was full",
	})

	BytesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_bytes_sent_total",
		Help: "Bytes written to client sockets",
	})

	BytesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_bytes_received_total",
		Help: "Bytes read from client sockets",
	})

	ChatPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_chat_published_total",
		Help: "Chat messages accepted and published, by scope",
	}, []string{"scope"})

	ChatRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_chat_rejected_total",
		Help: "Chat messages rejected, by reason",
	}, []string{"reason"})

	MatchesCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_matches_created_total",
		Help: "Match records committed",
	})

	MatchQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gateway_match_queue_depth",
		Help: "Waiting entries observed per match queue key",
	}, []string{"queue"})

	RateLimitedMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_rate_limited_messages_total",
		Help: "Inbound messages dropped by the per-connection rate limiter",
	})

	StorePublishFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_store_publish_failures_total",
		Help: "Failed publishes to the coordination store",
	})
)

// Handler returns the Prometheus scrape handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
