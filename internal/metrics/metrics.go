// Package metrics holds the Prometheus collectors exported by the relay.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups every relay collector.
//
// Usage:
//
//	m := metrics.New(prometheus.DefaultRegisterer)
//	m.Events.WithLabelValues("send_message", "ok").Inc()
type Metrics struct {
	// Sessions is the number of live websocket sessions in this process.
	Sessions prometheus.Gauge

	// Events counts inbound events.
	// Labels: event, outcome (ok|invalid|error|unknown)
	Events *prometheus.CounterVec

	// RateLimited counts rejected handshakes and events.
	// Labels: stage (handshake|event)
	RateLimited *prometheus.CounterVec

	// AuthFailures counts refused handshakes.
	AuthFailures prometheus.Counter

	// Messages counts direct messages.
	// Labels: outcome (delivered|queued|rejected)
	Messages *prometheus.CounterVec

	// QueueEvictions counts offline messages dropped by the capacity policy.
	// Labels: reason (capacity|recipient)
	QueueEvictions *prometheus.CounterVec

	// Calls counts call attempts by how they finished.
	// Labels: outcome (failed|accepted|rejected|ended|expired)
	Calls *prometheus.CounterVec

	// BridgePublished counts envelopes handed to the bus.
	// Labels: status (ok|error|dropped)
	BridgePublished *prometheus.CounterVec

	// BridgeReceived counts envelopes received from sibling processes.
	// Labels: kind (broadcast|room)
	BridgeReceived *prometheus.CounterVec
}

// New creates and registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Sessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relay_sessions",
			Help: "Number of live websocket sessions",
		}),
		Events: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_events_total",
			Help: "Inbound events by name and outcome",
		}, []string{"event", "outcome"}),
		RateLimited: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_rate_limited_total",
			Help: "Handshakes and events rejected by the rate governor",
		}, []string{"stage"}),
		AuthFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_auth_failures_total",
			Help: "Handshakes refused by the credential verifier",
		}),
		Messages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_messages_total",
			Help: "Direct messages by outcome",
		}, []string{"outcome"}),
		QueueEvictions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_offline_evictions_total",
			Help: "Offline messages dropped by the queue capacity policy",
		}, []string{"reason"}),
		Calls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_calls_total",
			Help: "Call attempts by final outcome",
		}, []string{"outcome"}),
		BridgePublished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_bridge_published_total",
			Help: "Envelopes published to sibling relays",
		}, []string{"status"}),
		BridgeReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_bridge_received_total",
			Help: "Envelopes received from sibling relays",
		}, []string{"kind"}),
	}
}

// NewUnregistered returns collectors bound to a private registry. Handy for
// components constructed without an explicit Metrics.
func NewUnregistered() *Metrics {
	return New(prometheus.NewRegistry())
}
