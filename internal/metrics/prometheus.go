// Package metrics exposes Prometheus collectors for the voice assistant pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "voice_assistant"

// Pipeline stage labels.
const (
	StageTranscribe = "transcribe"
	StageRespond    = "respond"
	StageSynthesize = "synthesize"
	StageEncode     = "encode"
	StageArchive    = "archive"
)

// Metrics holds every collector the service records. All methods are safe on a
// nil receiver so components can run without metrics.
type Metrics struct {
	registry *prometheus.Registry

	Requests      *prometheus.CounterVec
	StageDuration *prometheus.HistogramVec
	StageFailures *prometheus.CounterVec
	GateWait      prometheus.Histogram
	GateHold      prometheus.Histogram
	GateQueued    prometheus.Gauge
	AudioDegraded prometheus.Counter
	HistoryTurns  prometheus.Gauge
}

// New creates a Metrics instance backed by its own registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		Requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Requests handled, by route and status code.",
		}, []string{"route", "code"}),
		StageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of each pipeline stage.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"stage"}),
		StageFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_failures_total",
			Help:      "Failed pipeline stages.",
		}, []string{"stage"}),
		GateWait: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "synthesis_gate_wait_seconds",
			Help:      "Time spent queued for the synthesis gate.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
		GateHold: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "synthesis_gate_hold_seconds",
			Help:      "Time the synthesis gate was held by one call.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 20, 40, 80, 160},
		}),
		GateQueued: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "synthesis_gate_queued",
			Help:      "Requests currently waiting for the synthesis gate.",
		}),
		AudioDegraded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replies_without_audio_total",
			Help:      "Replies delivered without audio because synthesis or encoding failed.",
		}),
		HistoryTurns: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "conversation_turns",
			Help:      "Turns currently held in the conversation log.",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}

	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}

	return m.registry
}

// ObserveStage records how long a stage took and whether it failed.
func (m *Metrics) ObserveStage(stage string, started time.Time, err error) {
	if m == nil {
		return
	}

	m.StageDuration.WithLabelValues(stage).Observe(time.Since(started).Seconds())

	if err != nil {
		m.StageFailures.WithLabelValues(stage).Inc()
	}
}

// ObserveRequest counts one handled request.
func (m *Metrics) ObserveRequest(route, code string) {
	if m == nil {
		return
	}

	m.Requests.WithLabelValues(route, code).Inc()
}

// GateQueuedAdd moves the gate queue gauge by delta.
func (m *Metrics) GateQueuedAdd(delta float64) {
	if m == nil {
		return
	}

	m.GateQueued.Add(delta)
}

// ObserveGateWait records the time a caller waited for the gate.
func (m *Metrics) ObserveGateWait(waited time.Duration) {
	if m == nil {
		return
	}

	m.GateWait.Observe(waited.Seconds())
}

// ObserveGateHold records the time a caller held the gate.
func (m *Metrics) ObserveGateHold(held time.Duration) {
	if m == nil {
		return
	}

	m.GateHold.Observe(held.Seconds())
}

// AudioDropped counts a reply delivered without audio.
func (m *Metrics) AudioDropped() {
	if m == nil {
		return
	}

	m.AudioDegraded.Inc()
}

// SetHistoryTurns records the current size of the conversation log.
func (m *Metrics) SetHistoryTurns(turns int) {
	if m == nil {
		return
	}

	m.HistoryTurns.Set(float64(turns))
}
