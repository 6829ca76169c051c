package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Engine-level Prometheus collectors. Registered on the default registry;
// the app mounts Handler() at /metrics.
var (
	MessagesAppended = promauto.NewCounter(prometheus.CounterOpts{
		Name: "suchak_messages_appended_total",
		Help: "Messages committed to the store.",
	})
	MessagesDuplicate = promauto.NewCounter(prometheus.CounterOpts{
		Name: "suchak_messages_duplicate_total",
		Help: "Appends absorbed as idempotent duplicates.",
	})
	OutboxDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "suchak_outbox_depth",
		Help: "Outbox entries not yet acknowledged.",
	})
	OutboxRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "suchak_outbox_retries_total",
		Help: "Send attempts beyond the first.",
	})
	OutboxFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "suchak_outbox_failed_total",
		Help: "Outbox entries that exhausted retries or failed permanently.",
	})
	DeliveryTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "suchak_delivery_transitions_total",
		Help: "Delivery state transitions recorded.",
	}, []string{"state"})
	IndexRebuilds = promauto.NewCounter(prometheus.CounterOpts{
		Name: "suchak_index_rebuilds_total",
		Help: "Full conversation index rebuilds from the store.",
	})
)

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler { return promhttp.Handler() }
