// Package metrics exposes the delivery service's Prometheus instrumentation:
// HTTP request counters, conversation-actor gauges, outbound-queue attempt
// counters, and peer policy decision counters. Metric labels never carry
// identifiers (DIDs, conversation ids); only endpoint names, statuses, and
// decision outcomes appear.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the delivery service registers.
type Metrics struct {
	registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	ActorsResident    prometheus.GaugeFunc
	ActorCommandsTotal *prometheus.CounterVec

	OutboxDispatchTotal  *prometheus.CounterVec
	OutboxPermanentFails prometheus.Counter

	PeerDecisionsTotal *prometheus.CounterVec
	TokenReplaysTotal  prometheus.Counter

	StreamsOpen prometheus.Gauge
}

// New constructs and registers all collectors on a fresh registry.
// actorCount reports the number of resident conversation actors; pass the
// registry's Count method.
func New(actorCount func() int) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())

	m := &Metrics{registry: reg}

	factory := promauto.With(reg)

	m.HTTPRequestsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "mlsds_http_requests_total",
		Help: "HTTP requests served, by endpoint and status.",
	}, []string{"endpoint", "status"})

	m.HTTPRequestDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mlsds_http_request_duration_seconds",
		Help:    "HTTP request latency, by endpoint.",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"})

	m.ActorsResident = factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "mlsds_actors_resident",
		Help: "Conversation actors currently resident in the registry.",
	}, func() float64 { return float64(actorCount()) })

	m.ActorCommandsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "mlsds_actor_commands_total",
		Help: "Commands processed by conversation actors, by kind and outcome.",
	}, []string{"kind", "outcome"})

	m.OutboxDispatchTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "mlsds_outbox_dispatch_total",
		Help: "Outbound federation dispatch attempts, by outcome.",
	}, []string{"outcome"})

	m.OutboxPermanentFails = factory.NewCounter(prometheus.CounterOpts{
		Name: "mlsds_outbox_permanent_failures_total",
		Help: "Outbound items dropped after exhausting max_attempts.",
	})

	m.PeerDecisionsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "mlsds_peer_decisions_total",
		Help: "Peer policy gate decisions, by outcome (allow, reject, rate_limited).",
	}, []string{"outcome"})

	m.TokenReplaysTotal = factory.NewCounter(prometheus.CounterOpts{
		Name: "mlsds_token_replays_total",
		Help: "Service tokens rejected because their jti was seen before.",
	})

	m.StreamsOpen = factory.NewGauge(prometheus.GaugeOpts{
		Name: "mlsds_realtime_streams_open",
		Help: "Open SSE/WebSocket subscription streams.",
	})

	return m
}

// Handler returns the /metrics HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// InstrumentHTTP wraps next, recording request count and latency labeled by
// the XRPC endpoint name (the path with its /xrpc/ prefix stripped, which
// never carries identifiers).
func (m *Metrics) InstrumentHTTP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		endpoint := strings.TrimPrefix(r.URL.Path, "/xrpc/")
		m.HTTPRequestsTotal.WithLabelValues(endpoint, strconv.Itoa(sw.status)).Inc()
		m.HTTPRequestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
