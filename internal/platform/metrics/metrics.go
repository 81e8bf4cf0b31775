// Package metrics owns the Prometheus collectors exported by marketplace
// processes.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "apsl"

// Registry groups the collectors shared by the HTTP, chat and compiler layers.
//
// A nil *Registry is valid and records nothing.
type Registry struct {
	registry *prometheus.Registry

	httpRequests       *prometheus.CounterVec
	httpDuration       *prometheus.HistogramVec
	chatMessages       prometheus.Counter
	chatConnections    prometheus.Gauge
	dealStageUpdates   *prometheus.CounterVec
	contractCompiles   *prometheus.CounterVec
	contractCompileDur prometheus.Histogram
}

// NewRegistry creates a registry with process and Go runtime collectors.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{
		registry: reg,
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests served, by route pattern and status code.",
		}, []string{"route", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route pattern.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		chatMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_messages_total",
			Help:      "Chat messages persisted and broadcast.",
		}),
		chatConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "chat_connections",
			Help:      "Open chat WebSocket connections.",
		}),
		dealStageUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deal_stage_updates_total",
			Help:      "Deal stage counter increments, by stage.",
		}, []string{"stage"}),
		contractCompiles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "contract_compilations_total",
			Help:      "Escrow contract builds, by result.",
		}, []string{"result"}),
		contractCompileDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "contract_compilation_duration_seconds",
			Help:      "Escrow contract build latency.",
			Buckets:   []float64{1, 2.5, 5, 10, 20, 30, 60},
		}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.httpRequests,
		r.httpDuration,
		r.chatMessages,
		r.chatConnections,
		r.dealStageUpdates,
		r.contractCompiles,
		r.contractCompileDur,
	)
	return r
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// Gatherer exposes the underlying registry for tests and custom exporters.
func (r *Registry) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.registry
}

// ObserveHTTP records one served request.
func (r *Registry) ObserveHTTP(route string, code string, seconds float64) {
	if r == nil {
		return
	}
	r.httpRequests.WithLabelValues(route, code).Inc()
	r.httpDuration.WithLabelValues(route).Observe(seconds)
}

// ChatMessage records one relayed chat message.
func (r *Registry) ChatMessage() {
	if r == nil {
		return
	}
	r.chatMessages.Inc()
}

// ChatConnected adjusts the open connection gauge by delta.
func (r *Registry) ChatConnected(delta int) {
	if r == nil {
		return
	}
	r.chatConnections.Add(float64(delta))
}

// DealStage records one stage increment.
func (r *Registry) DealStage(stage string) {
	if r == nil {
		return
	}
	r.dealStageUpdates.WithLabelValues(stage).Inc()
}

// ContractCompiled records one build attempt and its duration.
func (r *Registry) ContractCompiled(result string, seconds float64) {
	if r == nil {
		return
	}
	r.contractCompiles.WithLabelValues(result).Inc()
	r.contractCompileDur.Observe(seconds)
}
