// Package metrics exposes Prometheus collectors for the relay.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Ingress labels.
const (
	IngressRaw  = "raw"
	IngressPush = "push"
)

// Metrics holds the relay collectors. A nil *Metrics records nothing.
type Metrics struct {
	gatherer prometheus.Gatherer

	connections     prometheus.Gauge
	rooms           prometheus.Gauge
	messagesTotal   *prometheus.CounterVec
	deliveriesTotal prometheus.Counter
	droppedPeers    *prometheus.CounterVec
	authFailures    *prometheus.CounterVec
	decodeFailures  *prometheus.CounterVec
}

// New registers the relay collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	return NewWithRegistry(reg, reg)
}

// NewWithRegistry registers the relay collectors on reg and serves them from g.
func NewWithRegistry(reg prometheus.Registerer, g prometheus.Gatherer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		gatherer: g,
		connections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relay_connections",
			Help: "Current number of active connections",
		}),
		rooms: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relay_rooms",
			Help: "Current number of rooms with at least one connection",
		}),
		messagesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_messages_total",
			Help: "Total number of messages accepted for broadcast",
		}, []string{"ingress"}),
		deliveriesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_deliveries_total",
			Help: "Total number of per-peer deliveries",
		}),
		droppedPeers: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_dropped_peers_total",
			Help: "Total number of peers dropped during broadcast",
		}, []string{"reason"}),
		authFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_auth_failures_total",
			Help: "Total number of rejected credentials",
		}, []string{"ingress"}),
		decodeFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_decode_failures_total",
			Help: "Total number of payloads rejected by the envelope codec",
		}, []string{"ingress"}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// UpdateRelayStats sets the connection and room gauges.
func (m *Metrics) UpdateRelayStats(connections, rooms int) {
	if m == nil {
		return
	}
	m.connections.Set(float64(connections))
	m.rooms.Set(float64(rooms))
}

// RecordMessage counts a message accepted for broadcast and its deliveries.
func (m *Metrics) RecordMessage(ingress string, delivered int) {
	if m == nil {
		return
	}
	m.messagesTotal.WithLabelValues(ingress).Inc()
	m.deliveriesTotal.Add(float64(delivered))
}

// RecordDroppedPeer counts a peer removed because it could not be written to.
func (m *Metrics) RecordDroppedPeer(reason string) {
	if m == nil {
		return
	}
	m.droppedPeers.WithLabelValues(reason).Inc()
}

// RecordAuthFailure counts a rejected credential.
func (m *Metrics) RecordAuthFailure(ingress string) {
	if m == nil {
		return
	}
	m.authFailures.WithLabelValues(ingress).Inc()
}

// RecordDecodeFailure counts a payload the codec rejected.
func (m *Metrics) RecordDecodeFailure(ingress string) {
	if m == nil {
		return
	}
	m.decodeFailures.WithLabelValues(ingress).Inc()
}
