// Package metrics exposes prometheus instrumentation for the relay server.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "termchat"

// Registry is the private registry all termchat collectors register with.
var Registry = prometheus.NewRegistry()

var (
	// ConnectedPeers tracks currently registered relay connections.
	ConnectedPeers = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "connected_peers",
			Help:      "Number of currently registered peers",
		},
	)

	// FramesRouted tracks frames forwarded to connected recipients.
	FramesRouted = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "frames_routed_total",
			Help:      "Total number of frames forwarded to connected peers",
		},
	)

	// FramesStored tracks frames queued for offline recipients.
	FramesStored = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "frames_stored_total",
			Help:      "Total number of frames queued for offline peers",
		},
	)

	// FramesDropped tracks frames lost to bounded queues.
	FramesDropped = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "frames_dropped_total",
			Help:      "Total number of frames dropped",
		},
		[]string{"reason"}, // queue_full, outbound_full
	)

	// PayloadBytes tracks routed payload sizes.
	PayloadBytes = promauto.With(Registry).NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "payload_bytes",
			Help:      "Routed payload size in bytes",
			Buckets:   prometheus.ExponentialBuckets(64, 4, 10),
		},
	)
)

// Handler serves the registry over HTTP.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
