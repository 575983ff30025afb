// Package metrics defines the Prometheus collectors parley exports.
//
// All methods are safe on a nil *Metrics so components can run without a
// registry (tests, embedded use).
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "parley"

// Drop reasons for FrameDropped.
const (
	DropRateLimited = "rate"
	DropEcho        = "echo"
	DropSilence     = "silence"
	DropClosed      = "closed"
	DropDecode      = "decode"
	DropNotStarted  = "not_started"
)

// Metrics holds the parley collectors.
type Metrics struct {
	sessionsActive   prometheus.Gauge
	turnsTotal       *prometheus.CounterVec
	flushesTotal     prometheus.Counter
	bargeInsTotal    prometheus.Counter
	livenessTotal    *prometheus.CounterVec
	framesSentTotal  prometheus.Counter
	framesDropped    *prometheus.CounterVec
	providerDuration *prometheus.HistogramVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of calls currently connected",
		}),
		turnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Conversation turns appended, by role",
		}, []string{"role"}),
		flushesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "utterance_flushes_total",
			Help:      "Caller utterances handed to the orchestrator",
		}),
		bargeInsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "barge_ins_total",
			Help:      "Playbacks interrupted by the caller",
		}),
		livenessTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "liveness_events_total",
			Help:      "Idle escalations, by stage (warned, terminated)",
		}, []string{"stage"}),
		framesSentTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Outbound audio frames delivered to the transport",
		}),
		framesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Inbound frames discarded, by reason",
		}, []string{"reason"}),
		providerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_request_duration_seconds",
			Help:      "Duration of transcription, generation and synthesis calls in seconds",
			Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"provider", "operation", "status"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.sessionsActive,
			m.turnsTotal,
			m.flushesTotal,
			m.bargeInsTotal,
			m.livenessTotal,
			m.framesSentTotal,
			m.framesDropped,
			m.providerDuration,
		)
	}
	return m
}

// SessionOpened increments the active session gauge.
func (m *Metrics) SessionOpened() {
	if m != nil {
		m.sessionsActive.Inc()
	}
}

// SessionClosed decrements the active session gauge.
func (m *Metrics) SessionClosed() {
	if m != nil {
		m.sessionsActive.Dec()
	}
}

// TurnAppended counts a turn for role.
func (m *Metrics) TurnAppended(role string) {
	if m != nil {
		m.turnsTotal.WithLabelValues(role).Inc()
	}
}

// UtteranceFlushed counts a flushed utterance.
func (m *Metrics) UtteranceFlushed() {
	if m != nil {
		m.flushesTotal.Inc()
	}
}

// BargeIn counts an interrupted playback.
func (m *Metrics) BargeIn() {
	if m != nil {
		m.bargeInsTotal.Inc()
	}
}

// Liveness counts an idle escalation.
func (m *Metrics) Liveness(stage string) {
	if m != nil {
		m.livenessTotal.WithLabelValues(stage).Inc()
	}
}

// FrameSent counts an outbound frame.
func (m *Metrics) FrameSent() {
	if m != nil {
		m.framesSentTotal.Inc()
	}
}

// FrameDropped counts a discarded inbound frame.
func (m *Metrics) FrameDropped(reason string) {
	if m != nil {
		m.framesDropped.WithLabelValues(reason).Inc()
	}
}

// ObserveProvider records a provider call. err decides the status label.
func (m *Metrics) ObserveProvider(provider, operation string, started time.Time, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.providerDuration.WithLabelValues(provider, operation, status).Observe(time.Since(started).Seconds())
}
