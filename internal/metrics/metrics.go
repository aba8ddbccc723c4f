// Package metrics exposes stand counters and gauges for Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/KevinKickass/OpenTestStand/internal/telemetry"
)

const namespace = "teststand"

// Metrics holds all collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	LinesReceived      prometheus.Counter
	FieldsDropped      prometheus.Counter
	CommandsSent       prometheus.Counter
	CommandsRejected   *prometheus.CounterVec
	SequencesStarted   *prometheus.CounterVec
	SequencesCompleted *prometheus.CounterVec
	InterlockTrips     prometheus.Counter
	EStopPresses       prometheus.Counter

	LinkConnected    prometheus.Gauge
	InterlockTripped prometheus.Gauge
	Recording        prometheus.Gauge
	Reading          *prometheus.GaugeVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		LinesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "lines_received_total",
			Help:      "Total number of telemetry lines received",
		}),
		FieldsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "telemetry",
			Name:      "fields_dropped_total",
			Help:      "Total number of telemetry fields that could not be parsed",
		}),
		CommandsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "commands",
			Name:      "sent_total",
			Help:      "Total number of commands written to the controller",
		}),
		CommandsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "commands",
			Name:      "rejected_total",
			Help:      "Total number of commands rejected before sending",
		}, []string{"reason"}),
		SequencesStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sequence",
			Name:      "started_total",
			Help:      "Total number of sequence runs started",
		}, []string{"sequence"}),
		SequencesCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sequence",
			Name:      "completed_total",
			Help:      "Total number of sequence runs that reached their last step",
		}, []string{"sequence"}),
		InterlockTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "interlock",
			Name:      "trips_total",
			Help:      "Total number of pressure interlock trips",
		}),
		EStopPresses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "estop",
			Name:      "presses_total",
			Help:      "Total number of hardware e-stop presses",
		}),

		LinkConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "connected",
			Help:      "Controller link status (0=disconnected, 1=connected)",
		}),
		InterlockTripped: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "interlock",
			Name:      "tripped",
			Help:      "Interlock state (0=armed, 1=tripped)",
		}),
		Recording: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "recorder",
			Name:      "active",
			Help:      "CSV recording status (0=idle, 1=recording)",
		}),
		Reading: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "telemetry",
			Name:      "reading",
			Help:      "Latest reading per sensor channel",
		}, []string{"channel"}),
	}

	m.registry.MustRegister(
		m.LinesReceived,
		m.FieldsDropped,
		m.CommandsSent,
		m.CommandsRejected,
		m.SequencesStarted,
		m.SequencesCompleted,
		m.InterlockTrips,
		m.EStopPresses,
		m.LinkConnected,
		m.InterlockTripped,
		m.Recording,
		m.Reading,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// ObserveFrame updates the reading gauges for every present channel.
func (m *Metrics) ObserveFrame(frame telemetry.SensorFrame) {
	for _, ch := range telemetry.Channels {
		if v, ok := frame.Reading(ch); ok {
			m.Reading.WithLabelValues(string(ch)).Set(v)
		}
	}
}

func (m *Metrics) SetConnected(connected bool) {
	m.LinkConnected.Set(boolValue(connected))
}

func (m *Metrics) SetTripped(tripped bool) {
	m.InterlockTripped.Set(boolValue(tripped))
}

func (m *Metrics) SetRecording(active bool) {
	m.Recording.Set(boolValue(active))
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
