// Package metrics holds the Prometheus collectors exported by the contract
// coordinator. A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "contractd"

type Metrics struct {
	MessagesReceived  *prometheus.CounterVec
	MessagesDropped   prometheus.Counter
	MessagesPublished *prometheus.CounterVec
	PublishErrors     *prometheus.CounterVec
	ShouldStore       prometheus.Counter
	DecisionsPlanned  prometheus.Counter

	Peers            prometheus.Gauge
	Claims           prometheus.Gauge
	LocalContracts   prometheus.Gauge
	PendingDecisions prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Gossip messages processed, by message type.",
		}, []string{"type"}),
		MessagesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Inbound payloads dropped as malformed.",
		}),
		MessagesPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_published_total",
			Help:      "Gossip messages published, by message type.",
		}, []string{"type"}),
		PublishErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_errors_total",
			Help:      "Failed publish attempts, by message type.",
		}, []string{"type"}),
		ShouldStore: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "should_store_total",
			Help:      "Recommendations to pick up an unclaimed contract.",
		}),
		DecisionsPlanned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_scheduled_total",
			Help:      "Pickup decisions scheduled with backoff.",
		}),
		Peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peers",
			Help:      "Remote peers currently known.",
		}),
		Claims: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "claims",
			Help:      "Contracts with a claim record.",
		}),
		LocalContracts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "local_contracts",
			Help:      "Contracts stored by this node.",
		}),
		PendingDecisions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_decisions",
			Help:      "Pickup decisions waiting for their backoff to elapse.",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.MessagesReceived, m.MessagesDropped, m.MessagesPublished, m.PublishErrors,
		m.ShouldStore, m.DecisionsPlanned,
		m.Peers, m.Claims, m.LocalContracts, m.PendingDecisions,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

func (m *Metrics) Received(msgType string) {
	if m == nil {
		return
	}
	m.MessagesReceived.WithLabelValues(msgType).Inc()
}

func (m *Metrics) Dropped() {
	if m == nil {
		return
	}
	m.MessagesDropped.Inc()
}

func (m *Metrics) Published(msgType string, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.PublishErrors.WithLabelValues(msgType).Inc()
		return
	}
	m.MessagesPublished.WithLabelValues(msgType).Inc()
}

func (m *Metrics) Recommended() {
	if m == nil {
		return
	}
	m.ShouldStore.Inc()
}

func (m *Metrics) Scheduled() {
	if m == nil {
		return
	}
	m.DecisionsPlanned.Inc()
}

// Observe sets the gauges from the sizes of the coordinator's collections.
func (m *Metrics) Observe(peers, claims, local, pending int) {
	if m == nil {
		return
	}
	m.Peers.Set(float64(peers))
	m.Claims.Set(float64(claims))
	m.LocalContracts.Set(float64(local))
	m.PendingDecisions.Set(float64(pending))
}
