// Package metrics exposes Prometheus instrumentation for the daemon.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ActiveSessions tracks currently established peer sessions.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "goconnect",
		Name:      "active_sessions",
		Help:      "Number of established peer sessions.",
	})

	// PacketsRouted counts packets delivered to a capability handler,
	// labelled by packet type.
	PacketsRouted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "goconnect",
		Name:      "packets_routed_total",
		Help:      "Packets dispatched to a registered handler.",
	}, []string{"type"})

	// PacketsDropped counts packets discarded without a handler, labelled by
	// drop reason.
	PacketsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "goconnect",
		Name:      "packets_dropped_total",
		Help:      "Packets dropped by the dispatcher.",
	}, []string{"reason"})

	// PairingOutcomes counts terminal pairing results.
	PairingOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "goconnect",
		Name:      "pairing_outcomes_total",
		Help:      "Pairing attempts by outcome.",
	}, []string{"outcome"})

	// ReconnectAttempts counts transport reconnection attempts.
	ReconnectAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "goconnect",
		Name:      "reconnect_attempts_total",
		Help:      "Attempts to re-establish lost peer sessions.",
	})

	// DiscoveryAnnouncements counts identity broadcasts sent.
	DiscoveryAnnouncements = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "goconnect",
		Name:      "discovery_announcements_total",
		Help:      "Identity announcements broadcast on the local network.",
	})

	// DiscoveryEvents counts peer announcements observed, labelled by source.
	DiscoveryEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "goconnect",
		Name:      "discovery_events_total",
		Help:      "Peer announcements observed.",
	}, []string{"source"})
)

// Handler returns the exposition endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve blocks serving the metrics endpoint on addr under /metrics.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	return http.ListenAndServe(addr, mux)
}
