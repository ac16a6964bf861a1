// Package metrics exposes procedure, rate-limit and pre-render counters in Prometheus format.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chirp"

// Metrics holds the service collectors and the registry they are registered on.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	procedureCalls    *prometheus.CounterVec
	procedureDuration *prometheus.HistogramVec
	rateLimitDecision *prometheus.CounterVec
	prerenderOutcomes *prometheus.CounterVec
	feedSubscribers   prometheus.Gauge
}

// New builds a registry with the service collectors plus the Go runtime and process collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		procedureCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "rpc",
				Name:      "calls_total",
				Help:      "Procedure calls by procedure and result code",
			},
			[]string{"procedure", "code"},
		),
		procedureDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "rpc",
				Name:      "duration_seconds",
				Help:      "Procedure call duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"procedure"},
		),
		rateLimitDecision: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ratelimit",
				Name:      "decisions_total",
				Help:      "Rate limit admissions by outcome",
			},
			[]string{"allowed"},
		),
		prerenderOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pages",
				Name:      "prerender_total",
				Help:      "Page pre-renders by page and outcome",
			},
			[]string{"page", "outcome"},
		),
		feedSubscribers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "events",
				Name:      "subscribers",
				Help:      "Connected live feed subscribers",
			},
		),
	}
	registry.MustRegister(
		m.procedureCalls,
		m.procedureDuration,
		m.rateLimitDecision,
		m.prerenderOutcomes,
		m.feedSubscribers,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObserveProcedure records one completed procedure call.
func (m *Metrics) ObserveProcedure(procedure string, code string, elapsed time.Duration) {
	if m == nil {
		return
	}
	if code == "" {
		code = "ok"
	}
	m.procedureCalls.WithLabelValues(procedure, code).Inc()
	m.procedureDuration.WithLabelValues(procedure).Observe(elapsed.Seconds())
}

// RecordRateLimitDecision satisfies ratelimit.DecisionRecorder.
func (m *Metrics) RecordRateLimitDecision(allowed bool) {
	if m == nil {
		return
	}
	m.rateLimitDecision.WithLabelValues(strconv.FormatBool(allowed)).Inc()
}

// RecordPrerender records a page pre-render outcome such as "ok" or "not_found".
func (m *Metrics) RecordPrerender(page string, outcome string) {
	if m == nil {
		return
	}
	m.prerenderOutcomes.WithLabelValues(page, outcome).Inc()
}

// SubscriberConnected adjusts the live feed subscriber gauge by delta.
func (m *Metrics) SubscriberConnected(delta int) {
	if m == nil {
		return
	}
	m.feedSubscribers.Add(float64(delta))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
