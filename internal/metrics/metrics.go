// Package metrics holds the gateway's Prometheus collectors. Collectors are
// registered on a private registry so tests can build independent instances.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the set of gateway collectors.
type Metrics struct {
	registry *prometheus.Registry

	HTTPRequests       *prometheus.CounterVec
	HTTPDuration       *prometheus.HistogramVec
	CallbacksReceived  *prometheus.CounterVec
	CallbacksRejected  *prometheus.CounterVec
	Dispatches         *prometheus.CounterVec
	MessagesSent       *prometheus.CounterVec
	CredentialRefresh  prometheus.Counter
	CredentialFailures prometheus.Counter
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wecomgw_http_requests_total",
			Help: "HTTP requests by route, method and status.",
		}, []string{"route", "method", "status"}),
		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "wecomgw_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "method"}),
		CallbacksReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wecomgw_callbacks_received_total",
			Help: "Decoded callback messages by message type.",
		}, []string{"type"}),
		CallbacksRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wecomgw_callbacks_rejected_total",
			Help: "Callbacks rejected before dispatch, by reason.",
		}, []string{"reason"}),
		Dispatches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wecomgw_dispatch_total",
			Help: "Dispatch outcomes: handled, dropped or failed.",
		}, []string{"outcome"}),
		MessagesSent: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wecomgw_messages_sent_total",
			Help: "Outbound sends by message type and result (ok, errcode, transport).",
		}, []string{"msgtype", "result"}),
		CredentialRefresh: f.NewCounter(prometheus.CounterOpts{
			Name: "wecomgw_credential_refresh_total",
			Help: "Successful access credential refreshes.",
		}),
		CredentialFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "wecomgw_credential_failures_total",
			Help: "Failed access credential refreshes.",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
