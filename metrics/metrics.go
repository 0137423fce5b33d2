// Package metrics holds the prometheus collectors of the client cache and
// the feed server. Collectors register on the default registry at init and
// are served by promhttp on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Read-state cache
	SharedStreamsOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "threadline_shared_streams_open",
			Help: "Shared streams currently held open by at least one subscriber",
		},
		[]string{"stream"}, // "unread" or "activity"
	)

	UnreadEmissions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threadline_unread_emissions_total",
			Help: "Unread counts delivered to subscribers",
		},
		[]string{"path"}, // "window" or "immediate"
	)

	CoalescedNotifications = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "threadline_coalesced_notifications_total",
			Help: "Upstream notifications absorbed by an already armed window",
		},
	)

	ReadMarkerWriteFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "threadline_read_marker_write_failures_total",
			Help: "Read marker writes that failed",
		},
	)

	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threadline_store_errors_total",
			Help: "Store snapshots that carried an error",
		},
		[]string{"kind"}, // "document" or "query"
	)

	StoreDocumentsRead = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "threadline_store_documents_read_total",
			Help: "Documents a query read back from the database",
		},
	)

	// Feed server
	FeedConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "threadline_feed_connections",
			Help: "Open WebSocket feed connections",
		},
	)

	FeedEventsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threadline_feed_events_sent_total",
			Help: "Events written to feed connections",
		},
		[]string{"op"},
	)

	FeedWritesRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threadline_feed_writes_rejected_total",
			Help: "Client writes rejected by the feed server",
		},
		[]string{"reason"},
	)

	RelayMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threadline_relay_messages_total",
			Help: "Change notifications crossing the relay",
		},
		[]string{"direction"}, // "out" or "in"
	)
)
