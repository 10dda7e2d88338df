// Package metrics holds the Prometheus collectors exported by the relay.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "meditriage"

// Relay groups the relay's collectors.
type Relay struct {
	PatientsConnected prometheus.Gauge
	OpenChats         prometheus.Gauge
	Events            *prometheus.CounterVec
	Triage            *prometheus.CounterVec
	TriageDuration    prometheus.Histogram
}

// NewRelay creates the collectors and registers them with reg. A nil reg
// leaves them unregistered, which suits tests.
func NewRelay(reg prometheus.Registerer) *Relay {
	m := &Relay{
		PatientsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "patients_connected",
			Help:      "Patient websocket connections currently attached.",
		}),
		OpenChats: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "open_chats",
			Help:      "Consultations known to the relay that have not ended.",
		}),
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "events_total",
			Help:      "Realtime events by direction and wire name.",
		}, []string{"direction", "event"}),
		Triage: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "triage",
			Name:      "results_total",
			Help:      "Triage results by urgency and classifier.",
		}, []string{"urgency", "source"}),
		TriageDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "triage",
			Name:      "duration_seconds",
			Help:      "Time spent classifying a symptom description.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		reg.MustRegister(m.PatientsConnected, m.OpenChats, m.Events, m.Triage, m.TriageDuration)
	}
	return m
}

// Inbound counts an event received from a patient.
func (m *Relay) Inbound(event string) {
	if m == nil {
		return
	}
	m.Events.WithLabelValues("in", event).Inc()
}

// Outbound counts an event pushed to a patient.
func (m *Relay) Outbound(event string) {
	if m == nil {
		return
	}
	m.Events.WithLabelValues("out", event).Inc()
}

// ObserveTriage records one classification.
func (m *Relay) ObserveTriage(urgency, source string, took time.Duration) {
	if m == nil {
		return
	}
	m.Triage.WithLabelValues(urgency, source).Inc()
	m.TriageDuration.Observe(took.Seconds())
}
