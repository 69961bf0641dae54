package telemetry

import (
	"net/http"
	"time"

	"github.com/bgdnvk/stormcloud/internal/deploy"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "stormcloud"

// Metrics collects session, phase and retry metrics. It satisfies
// deploy.Observer and autofix.Metrics. The zero value is not usable; a nil
// *Metrics records nothing.
type Metrics struct {
	sessionsStarted *prometheus.CounterVec
	sessionsEnded   *prometheus.CounterVec
	activeSessions  prometheus.Gauge

	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	phaseDuration *prometheus.HistogramVec
	phaseErrors   *prometheus.CounterVec

	oracleCalls   *prometheus.CounterVec
	fixesApplied  prometheus.Counter
	droppedEvents prometheus.Counter

	registry *prometheus.Registry
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	buckets := []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200}

	m := &Metrics{
		registry: registry,

		sessionsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_started_total",
				Help:      "Total number of sessions started",
			},
			[]string{"kind"},
		),
		sessionsEnded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_ended_total",
				Help:      "Total number of sessions ended, by reason",
			},
			[]string{"kind", "reason"},
		),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of sessions currently running",
		}),

		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pipeline_runs_total",
				Help:      "Total number of pipeline runs, by outcome",
			},
			[]string{"outcome"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "pipeline_run_duration_seconds",
				Help:      "Duration of pipeline runs in seconds",
				Buckets:   buckets,
			},
			[]string{"outcome"},
		),
		phaseDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "phase_duration_seconds",
				Help:      "Duration of pipeline phases in seconds",
				Buckets:   buckets,
			},
			[]string{"phase"},
		),
		phaseErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "phase_errors_total",
				Help:      "Total number of failed pipeline phases",
			},
			[]string{"phase"},
		),

		oracleCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "oracle_calls_total",
				Help:      "Total number of fix proposals requested, by result",
			},
			[]string{"result"},
		),
		fixesApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fixes_applied_total",
			Help:      "Total number of suggested fixes written to source",
		}),
		droppedEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_dropped_events_total",
			Help:      "Total number of progress events dropped because the consumer was gone or stalled",
		}),
	}

	registry.MustRegister(
		m.sessionsStarted,
		m.sessionsEnded,
		m.activeSessions,
		m.runsCompleted,
		m.runDuration,
		m.phaseDuration,
		m.phaseErrors,
		m.oracleCalls,
		m.fixesApplied,
		m.droppedEvents,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) SessionStarted(kind string) {
	if m == nil {
		return
	}
	m.sessionsStarted.WithLabelValues(kind).Inc()
	m.activeSessions.Inc()
}

func (m *Metrics) SessionEnded(kind, reason string) {
	if m == nil {
		return
	}
	m.sessionsEnded.WithLabelValues(kind, reason).Inc()
	m.activeSessions.Dec()
}

func (m *Metrics) PhaseDone(phase deploy.Phase, took time.Duration, err error) {
	if m == nil {
		return
	}
	m.phaseDuration.WithLabelValues(string(phase)).Observe(took.Seconds())
	if err != nil {
		m.phaseErrors.WithLabelValues(string(phase)).Inc()
	}
}

func (m *Metrics) RunDone(succeeded bool, took time.Duration) {
	if m == nil {
		return
	}
	outcome := "failed"
	if succeeded {
		outcome = "succeeded"
	}
	m.runsCompleted.WithLabelValues(outcome).Inc()
	m.runDuration.WithLabelValues(outcome).Observe(took.Seconds())
}

func (m *Metrics) OracleCalled(result string) {
	if m == nil {
		return
	}
	m.oracleCalls.WithLabelValues(result).Inc()
}

func (m *Metrics) FixApplied() {
	if m == nil {
		return
	}
	m.fixesApplied.Inc()
}

// EventsDropped is installed as the stream channel's drop hook.
func (m *Metrics) EventsDropped(n int) {
	if m == nil {
		return
	}
	m.droppedEvents.Add(float64(n))
}
