// Package metrics holds the Prometheus collectors for one process. Collectors
// are registered on a private registry owned by the Metrics value rather than
// on the global default registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "channelgate"

type Metrics struct {
	registry *prometheus.Registry

	MessagesReceived  *prometheus.CounterVec
	MessagesSent      *prometheus.CounterVec
	MessagesDropped   *prometheus.CounterVec
	AdapterErrors     *prometheus.CounterVec
	ReconnectAttempts *prometheus.CounterVec
	StatusChanges     *prometheus.CounterVec
	ActiveChannels    prometheus.Gauge
	PersistDropped    prometheus.Counter

	ClientConnections prometheus.Gauge
	AuthFailures      *prometheus.CounterVec
	Broadcasts        *prometheus.CounterVec
	SkillExecutions   *prometheus.CounterVec

	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// New creates and registers every collector.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		MessagesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Inbound messages normalized and forwarded, by channel type",
		}, []string{"channel_type"}),
		MessagesSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Outbound messages by channel type and result",
		}, []string{"channel_type", "result"}),
		MessagesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Inbound payloads dropped without a canonical mapping",
		}, []string{"channel_type"}),
		AdapterErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "adapter_errors_total",
			Help:      "Adapter faults by channel type",
		}, []string{"channel_type"}),
		ReconnectAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Scheduled reconnect attempts by channel type",
		}, []string{"channel_type"}),
		StatusChanges: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_changes_total",
			Help:      "Connection status transitions by channel type and new status",
		}, []string{"channel_type", "status"}),
		ActiveChannels: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_channels",
			Help:      "Registered channel adapters",
		}),
		PersistDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_dropped_total",
			Help:      "Status or counter updates dropped because the write queue was full",
		}),

		ClientConnections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "client_connections",
			Help:      "Live realtime client connections on this instance",
		}),
		AuthFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Rejected client connections by error code",
		}, []string{"code"}),
		Broadcasts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcasts_total",
			Help:      "Room broadcasts by origin and result",
		}, []string{"origin", "result"}),
		SkillExecutions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "skill_executions_total",
			Help:      "Skill executions by skill and result",
		}, []string{"skill", "result"}),

		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status",
		}, []string{"method", "route", "status"}),
		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

// Registry exposes the private registry for tests and custom collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
