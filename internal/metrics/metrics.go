// Package metrics defines the process-wide Prometheus collectors. Collectors
// are registered on the default registry; the HTTP API exposes them under
// /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveSessions tracks currently registered transport sessions.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "archive_active_sessions",
		Help: "Number of registered transport sessions.",
	})

	// ActiveRooms tracks rooms with at least one member.
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "archive_active_rooms",
		Help: "Number of live rooms.",
	})

	// FramesDecoded counts inbound frames that decoded successfully.
	FramesDecoded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "archive_frames_decoded_total",
		Help: "Inbound frames decoded successfully.",
	})

	// DecodeErrors counts inbound frames rejected by the codec.
	DecodeErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "archive_decode_errors_total",
		Help: "Inbound frames rejected by the codec.",
	})

	// FramesSent counts outbound frame writes, including retransmissions
	// and broadcast fan-out copies.
	FramesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "archive_frames_sent_total",
		Help: "Outbound frame writes.",
	})

	// Retransmissions counts reliable-send timer firings that re-sent bytes.
	Retransmissions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "archive_retransmissions_total",
		Help: "Reliable frames re-sent after an ACK timeout.",
	})

	// TransmissionFailures counts reliable sends abandoned after max retries.
	TransmissionFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "archive_transmission_failures_total",
		Help: "Reliable sends abandoned after exhausting retries.",
	})

	// Broadcasts counts room fan-out operations (one per frame, not per
	// recipient).
	Broadcasts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "archive_broadcasts_total",
		Help: "Room broadcast fan-out operations.",
	})
)
