// Package metrics exposes the service's Prometheus metrics. All Record methods
// are safe to call on a nil *Metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the evaluation service.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Session lifecycle metrics
	SessionsCreated    prometheus.Counter
	SessionTransitions *prometheus.CounterVec

	// Audio pipeline metrics
	AudioSegmentsTotal *prometheus.CounterVec

	// Collaborator metrics
	UpstreamFailures      *prometheus.CounterVec
	CollaboratorDuration  *prometheus.HistogramVec
	ScoringFallbacksTotal prometheus.Counter

	// Realtime metrics
	LiveConnectionsActive prometheus.Gauge
	LiveConnectionsTotal  *prometheus.CounterVec
	EventsDropped         *prometheus.CounterVec
}

// New creates a Metrics instance with all metrics registered on a private registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "evalroom"
	}

	registry := prometheus.NewRegistry()

	requestsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	requestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"method", "route"},
	)

	sessionsCreated := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_created_total",
			Help:      "Total number of evaluation sessions created",
		},
	)

	sessionTransitions := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_transitions_total",
			Help:      "Total number of session state transitions",
		},
		[]string{"from", "to"},
	)

	audioSegments := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_segments_total",
			Help:      "Audio segments by outcome",
		},
		[]string{"status"},
	)

	upstreamFailures := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_failures_total",
			Help:      "Failed calls to external collaborators",
		},
		[]string{"collaborator"},
	)

	collaboratorDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "collaborator_duration_seconds",
			Help:      "External collaborator call duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"collaborator"},
	)

	scoringFallbacks := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scoring_fallbacks_total",
			Help:      "Final results derived from partial scores because the scoring model failed",
		},
	)

	liveActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_connections_active",
			Help:      "Number of open realtime connections",
		},
	)

	liveTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "live_connections_total",
			Help:      "Total number of realtime connections by close reason",
		},
		[]string{"reason"},
	)

	eventsDropped := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realtime_events_dropped_total",
			Help:      "Realtime events dropped because a subscriber fell behind",
		},
		[]string{"type"},
	)

	registry.MustRegister(
		requestsTotal,
		requestDuration,
		sessionsCreated,
		sessionTransitions,
		audioSegments,
		upstreamFailures,
		collaboratorDuration,
		scoringFallbacks,
		liveActive,
		liveTotal,
		eventsDropped,
	)

	return &Metrics{
		registry:              registry,
		RequestsTotal:         requestsTotal,
		RequestDuration:       requestDuration,
		SessionsCreated:       sessionsCreated,
		SessionTransitions:    sessionTransitions,
		AudioSegmentsTotal:    audioSegments,
		UpstreamFailures:      upstreamFailures,
		CollaboratorDuration:  collaboratorDuration,
		ScoringFallbacksTotal: scoringFallbacks,
		LiveConnectionsActive: liveActive,
		LiveConnectionsTotal:  liveTotal,
		EventsDropped:         eventsDropped,
	}
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordRequest records a completed HTTP request.
func (m *Metrics) RecordRequest(method, route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.RequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

func (m *Metrics) RecordSessionCreated() {
	if m == nil {
		return
	}
	m.SessionsCreated.Inc()
}

func (m *Metrics) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	m.SessionTransitions.WithLabelValues(from, to).Inc()
}

// RecordSegment records an audio segment outcome (accepted, duplicate, failed, rejected).
func (m *Metrics) RecordSegment(status string) {
	if m == nil {
		return
	}
	m.AudioSegmentsTotal.WithLabelValues(status).Inc()
}

// RecordCollaborator records one collaborator call and counts it as a failure when err is non-nil.
func (m *Metrics) RecordCollaborator(collaborator string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.CollaboratorDuration.WithLabelValues(collaborator).Observe(duration.Seconds())
	if err != nil {
		m.UpstreamFailures.WithLabelValues(collaborator).Inc()
	}
}

func (m *Metrics) RecordScoringFallback() {
	if m == nil {
		return
	}
	m.ScoringFallbacksTotal.Inc()
}

func (m *Metrics) RecordLiveConnectionStart() {
	if m == nil {
		return
	}
	m.LiveConnectionsActive.Inc()
}

func (m *Metrics) RecordLiveConnectionEnd(reason string) {
	if m == nil {
		return
	}
	m.LiveConnectionsActive.Dec()
	m.LiveConnectionsTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordEventDropped(eventType string) {
	if m == nil {
		return
	}
	m.EventsDropped.WithLabelValues(eventType).Inc()
}
