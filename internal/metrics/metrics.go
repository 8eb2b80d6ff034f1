// Package metrics registers the Prometheus collectors shared across the
// socket-node and control-plane processes, in the style of
// ws/internal/single/monitoring/metrics.go.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Drops counts dropped envelopes by reason (buffer_full, publish_failed).
	Drops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rf_drops_total",
		Help: "Envelopes dropped, labeled by reason.",
	}, []string{"reason"})

	// AttachRejected counts handshake-rate rejections.
	AttachRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rf_attach_rejected_total",
		Help: "Attach attempts rejected by the handshake rate limiter.",
	})

	// Deliveries counts client-visible deliveries (post-dedup).
	Deliveries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rf_deliveries_total",
		Help: "Envelopes delivered to an attached client.",
	})

	// RingVersion exposes the locally applied ring version.
	RingVersion = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rf_ring_version",
		Help: "Ring version currently applied by this process.",
	})

	// OutboundQueueDepth tracks per-connection queue occupancy in aggregate.
	OutboundQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rf_outbound_queue_depth",
		Help: "Sum of outbound queue depth across all attached sessions.",
	})

	// AttachedSessions tracks the current number of attached sessions.
	AttachedSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rf_attached_sessions",
		Help: "Number of sessions currently attached to this node.",
	})

	// ScalingUrgency exposes the urgency level (0-3) from the last decision cycle.
	ScalingUrgency = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rf_scaling_urgency",
		Help: "Urgency level computed by the scaling controller's last cycle.",
	})

	// ScaleOutMagnitude exposes the k chosen in the last ScaleOut decision.
	ScaleOutMagnitude = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rf_scale_out_magnitude",
		Help: "Magnitude k of the most recent ScaleOut decision.",
	})

	// ForwarderActive tracks how many forwarders are currently running.
	ForwarderActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rf_forwarder_active",
		Help: "Number of forwarders currently tailing a removed node's topic.",
	})

	// ForwarderForwarded counts envelopes republished by forwarders.
	ForwarderForwarded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rf_forwarder_forwarded_total",
		Help: "Envelopes republished by the forwarder after node removal.",
	})

	// IsLeader reports 1 if this control-plane process currently holds the lease.
	IsLeader = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rf_is_leader",
		Help: "1 if this process currently holds the leader lease, else 0.",
	})

	// SupersededEvictions counts sessions force-closed because the session
	// store's attachment record had moved to a different node.
	SupersededEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rf_superseded_evictions_total",
		Help: "Locally attached sessions evicted after losing the attachment race to another node.",
	})
)

// Handler returns the standard Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
