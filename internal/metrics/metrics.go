// ABOUTME: Prometheus collectors for connections, sessions, commands and permission traffic
// ABOUTME: Each Metrics owns its registry so tests and multiple gateways never collide

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "coven_relay"

// Drop reasons used with FramesDropped.
const (
	DropUnknownSession = "unknown_session"
	DropNotRunning     = "not_running"
	DropDuplicate      = "duplicate"
	DropClaimed        = "claimed"
	DropQueueFull      = "queue_full"
	DropRateLimited    = "rate_limited"
	DropInvalid        = "invalid"
)

type Metrics struct {
	registry *prometheus.Registry

	ConnectionsActive *prometheus.GaugeVec
	AuthFailures      *prometheus.CounterVec
	MessagesReceived  *prometheus.CounterVec
	FramesDropped     *prometheus.CounterVec
	CommandsTotal     prometheus.Counter
	CommandErrors     *prometheus.CounterVec
	ResultsTotal      *prometheus.CounterVec
	SessionsActive    prometheus.Gauge
	SessionDuration   *prometheus.HistogramVec
	PermissionEvents  *prometheus.CounterVec
	ArchiveWrites     *prometheus.CounterVec
}

// New registers every collector on a fresh registry, along with the Go runtime
// and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		ConnectionsActive: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Authenticated connections by client type.",
		}, []string{"type"}),
		AuthFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Rejected authentication attempts by error code.",
		}, []string{"code"}),
		MessagesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Inbound frames by message type.",
		}, []string{"type"}),
		FramesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Frames discarded without delivery, by reason.",
		}, []string{"reason"}),
		CommandsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "execute_command requests accepted and forwarded to agents.",
		}),
		CommandErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "command_errors_total",
			Help:      "execute_command requests rejected, by error code.",
		}, []string{"code"}),
		ResultsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "results_total",
			Help:      "command_result messages delivered, by status.",
		}, []string{"status"}),
		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Sessions currently running.",
		}),
		SessionDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Wall time from creation to terminal status.",
			Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"status"}),
		PermissionEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "permission_events_total",
			Help:      "Relayed permission messages by type.",
		}, []string{"type"}),
		ArchiveWrites: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archive_writes_total",
			Help:      "Session summaries written to the archive, by outcome.",
		}, []string{"outcome"}),
	}
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the exposition format for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Dropped counts a discarded frame.
func (m *Metrics) Dropped(reason string) {
	m.FramesDropped.WithLabelValues(reason).Inc()
}

// ObserveSession records a finished session.
func (m *Metrics) ObserveSession(status string, d time.Duration) {
	m.SessionDuration.WithLabelValues(status).Observe(d.Seconds())
}
