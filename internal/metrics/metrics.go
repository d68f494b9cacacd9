// Package metrics exposes Prometheus instrumentation for the bridge.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors for the capture, channel, and command paths.
// Components tolerate a nil *Metrics, so wiring it is optional.
type Metrics struct {
	registry *prometheus.Registry

	EventsSent         prometheus.Counter
	EventsDropped      prometheus.Counter
	VoiceChunksSent    prometheus.Counter
	VoiceChunksDropped prometheus.Counter
	VoiceBytesSent     prometheus.Counter
	Reconnects         prometheus.Counter
	CommandsIssued     prometheus.Counter
	CommandsResolved   *prometheus.CounterVec

	Connected       prometheus.Gauge
	PendingCommands prometheus.Gauge
	InputLevel      prometheus.Gauge
}

// New creates the collectors on a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		EventsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "cortexlink",
			Name:      "events_sent_total",
			Help:      "Control events written to the channel.",
		}),
		EventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "cortexlink",
			Name:      "events_dropped_total",
			Help:      "Control events dropped because the channel was down.",
		}),
		VoiceChunksSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "cortexlink",
			Name:      "voice_chunks_sent_total",
			Help:      "Voice chunks streamed to the backend.",
		}),
		VoiceChunksDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "cortexlink",
			Name:      "voice_chunks_dropped_total",
			Help:      "Voice chunks dropped because the channel was down.",
		}),
		VoiceBytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "cortexlink",
			Name:      "voice_bytes_sent_total",
			Help:      "Voice payload bytes streamed to the backend.",
		}),
		Reconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "cortexlink",
			Name:      "reconnects_total",
			Help:      "Reconnection attempts made by the channel.",
		}),
		CommandsIssued: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "cortexlink",
			Name:      "commands_issued_total",
			Help:      "Commands submitted to the backend.",
		}),
		CommandsResolved: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cortexlink",
			Name:      "commands_resolved_total",
			Help:      "Commands resolved, labelled by outcome.",
		}, []string{"outcome"}),
		Connected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "cortexlink",
			Name:      "connected",
			Help:      "1 while the channel is connected.",
		}),
		PendingCommands: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "cortexlink",
			Name:      "pending_commands",
			Help:      "Commands awaiting a response.",
		}),
		InputLevel: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "cortexlink",
			Name:      "input_level",
			Help:      "Smoothed capture level in [0, 1].",
		}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordEventSent() {
	m.EventsSent.Inc()
}

func (m *Metrics) RecordEventDropped() {
	m.EventsDropped.Inc()
}

func (m *Metrics) RecordVoiceChunk(bytes int) {
	m.VoiceChunksSent.Inc()
	m.VoiceBytesSent.Add(float64(bytes))
}

func (m *Metrics) RecordVoiceDropped() {
	m.VoiceChunksDropped.Inc()
}

func (m *Metrics) RecordReconnect() {
	m.Reconnects.Inc()
}

func (m *Metrics) RecordCommandIssued() {
	m.CommandsIssued.Inc()
}

// RecordCommandResolved counts one command outcome: ok, error, reset, or
// protocol.
func (m *Metrics) RecordCommandResolved(outcome string) {
	m.CommandsResolved.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SetConnected(connected bool) {
	if connected {
		m.Connected.Set(1)
	} else {
		m.Connected.Set(0)
	}
}

func (m *Metrics) SetPendingCommands(n int) {
	m.PendingCommands.Set(float64(n))
}

func (m *Metrics) SetInputLevel(level float64) {
	m.InputLevel.Set(level)
}
