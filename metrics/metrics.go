// Package metrics defines the Prometheus metric types the RUDP core
// exports and provides convenience accounting points for the registry,
// session, and reliable-transport layers.
//
// When defining new operations or metrics, these are helpful values to
// track:
//  - things coming into or going out of the system: datagrams, fragments,
//    descriptors.
//  - the success or error status of any of the above.
//  - the distribution of processing latency.
package metrics

import (
	"log"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OpenDescriptors tracks the number of live descriptors currently held
	// by the registry.
	OpenDescriptors = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rudp_open_descriptors",
			Help: "Number of descriptors currently allocated by the registry.",
		},
	)

	// HandshakeTotal counts completed and failed handshakes by outcome.
	// Example usage:
	//   metrics.HandshakeTotal.With(prometheus.Labels{"outcome": "connected"}).Inc()
	HandshakeTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rudp_handshake_total",
			Help: "Handshake attempts by outcome (connected, failed).",
		}, []string{"outcome"})

	// HandshakeRetryTotal counts SYN/SYN_ACK retransmissions driven by the
	// connect-timeout retry timer.
	HandshakeRetryTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rudp_handshake_retry_total",
			Help: "Number of handshake command retransmissions.",
		},
	)

	// FragmentSentTotal and FragmentRetransmitTotal track the RTE's
	// sliding-window sender.
	FragmentSentTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rudp_fragment_sent_total",
			Help: "Number of data fragments transmitted, including retransmissions.",
		},
	)
	FragmentRetransmitTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rudp_fragment_retransmit_total",
			Help: "Number of fragment retransmissions by trigger (timeout, fast_retransmit).",
		}, []string{"trigger"})

	// FragmentAckedTotal counts fragments the peer has acknowledged.
	FragmentAckedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rudp_fragment_acked_total",
			Help: "Number of data fragments acknowledged by the peer.",
		},
	)

	// RTTHistogram tracks sampled round-trip time per connection, in
	// milliseconds.
	RTTHistogram = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name: "rudp_rtt_milliseconds",
			Help: "Sampled round-trip time distribution (milliseconds).",
			Buckets: []float64{
				1, 2, 4, 8, 16, 25, 50, 75,
				100, 150, 200, 300, 500, 750,
				1000, 2000, 5000,
			},
		},
	)

	// CongestionWindowHistogram tracks the congestion window size in
	// fragments at the time of each retransmit-timer tick.
	CongestionWindowHistogram = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rudp_congestion_window_fragments",
			Help:    "Congestion window size distribution (fragments).",
			Buckets: prometheus.ExponentialBuckets(1, 2, 16),
		},
	)

	// WindowProbeTotal counts zero-window probes sent while waiting for the
	// peer to open its receive window.
	WindowProbeTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rudp_window_probe_total",
			Help: "Number of zero-window probes sent.",
		},
	)

	// DroppedDatagramTotal counts inbound datagrams discarded before
	// reaching any session, by reason (garbage, unknown_descriptor,
	// unbound_non_syn, no_listener, pending_cap, descriptor_cap,
	// unknown_conv).
	DroppedDatagramTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rudp_dropped_datagram_total",
			Help: "Inbound datagrams dropped before dispatch, by reason.",
		}, []string{"reason"})

	// OutboundQueueDepth tracks the registry's priority send queue depth
	// at flush time.
	OutboundQueueDepth = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rudp_outbound_queue_depth",
			Help:    "Outbound priority queue depth observed at flush time.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 16),
		},
	)
)

// init logs a message to let the operator know the package has been
// loaded and the metrics registered; the metrics are auto-registered via
// promauto, so the exact moment this occurs can otherwise be opaque.
func init() {
	log.Println("Prometheus metrics in rudp.metrics are registered.")
}
