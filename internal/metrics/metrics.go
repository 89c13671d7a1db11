// Package metrics holds the process-wide collectors. Exporter wiring is left
// to the embedding process; Registry exposes everything registered here.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the process registry. The embedding process may serve it.
var Registry = prometheus.NewRegistry()

var (
	// MessagesIngested counts stream messages delivered to the pipeline by type.
	MessagesIngested = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "racetiming",
		Name:      "messages_ingested_total",
		Help:      "Stream messages delivered to the pipeline.",
	}, []string{"type"})

	// DecodeFailures counts records a decoder skipped as malformed.
	DecodeFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "racetiming",
		Name:      "decode_failures_total",
		Help:      "Malformed records skipped by decoders.",
	}, []string{"decoder"})

	// PatchesEmitted counts patches handed to the consolidator.
	PatchesEmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "racetiming",
		Name:      "patches_emitted_total",
		Help:      "Patches handed to the update consolidator.",
	}, []string{"kind"})

	// BatchesBroadcast counts consolidated batches sent to subscribers.
	BatchesBroadcast = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "racetiming",
		Name:      "batches_broadcast_total",
		Help:      "Consolidated batches broadcast to subscriber groups.",
	})

	// SessionPhase reports the session monitor's lifecycle phase.
	SessionPhase = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "racetiming",
		Name:      "session_phase",
		Help:      "Session lifecycle phase: 0 idle, 1 live, 2 finishing, 3 finalized.",
	})
)

func init() {
	Registry.MustRegister(
		MessagesIngested,
		DecodeFailures,
		PatchesEmitted,
		BatchesBroadcast,
		SessionPhase,
	)
}
