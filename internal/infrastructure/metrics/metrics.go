// Package metrics exposes Prometheus instruments for the reservation engine.
package metrics

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"markhub/internal/core/dedup"
	"markhub/internal/domain/allocation"
	"markhub/internal/domain/markingcode"
	"markhub/internal/domain/saga"
	"markhub/internal/infrastructure/storage/postgres"
)

// Config sets constant labels.
type Config struct {
	ServiceName string
	Environment string
}

// Outbox relay results.
const (
	OutboxSent   = "sent"
	OutboxFailed = "failed"
	OutboxDLQ    = "dlq"
)

// Metrics implements the observer hooks of the domain packages.
type Metrics struct {
	transitions     *prometheus.CounterVec
	allocations     *prometheus.CounterVec
	handlerRuns     *prometheus.CounterVec
	handlerDuration *prometheus.HistogramVec
	dedupClaims     *prometheus.CounterVec
	outbox          *prometheus.CounterVec
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
	poolConns       *prometheus.GaugeVec
}

var (
	_ markingcode.Observer = (*Metrics)(nil)
	_ allocation.Observer  = (*Metrics)(nil)
	_ saga.Recorder        = (*Metrics)(nil)
)

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// Default returns the process-wide metrics registered on the default registerer.
func Default(cfg Config) *Metrics {
	defaultOnce.Do(func() {
		defaultMetrics = New(prometheus.DefaultRegisterer, cfg)
	})
	return defaultMetrics
}

// ResetForTest resets the Default singleton.
func ResetForTest() {
	defaultOnce = sync.Once{}
	defaultMetrics = nil
}

// New creates and registers every instrument on registerer.
func New(registerer prometheus.Registerer, cfg Config) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "markhub"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	m := &Metrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "markhub_code_transitions_total",
			Help:        "Committed marking code transitions.",
			ConstLabels: constLabels,
		}, []string{"transition", "from", "to"}),
		allocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "markhub_allocations_total",
			Help:        "Allocation attempts by outcome.",
			ConstLabels: constLabels,
		}, []string{"outcome"}),
		handlerRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "markhub_saga_handler_runs_total",
			Help:        "Saga handler runs by handler and outcome.",
			ConstLabels: constLabels,
		}, []string{"handler", "outcome"}),
		handlerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "markhub_saga_handler_duration_seconds",
			Help:        "Saga handler latency.",
			Buckets:     []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			ConstLabels: constLabels,
		}, []string{"handler"}),
		dedupClaims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "markhub_dedup_claims_total",
			Help:        "Dedup claims by namespace and outcome.",
			ConstLabels: constLabels,
		}, []string{"namespace", "outcome"}),
		outbox: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "markhub_outbox_messages_total",
			Help:        "Outbox messages handled by the relay.",
			ConstLabels: constLabels,
		}, []string{"result"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "markhub_http_requests_total",
			Help:        "HTTP requests by route and status.",
			ConstLabels: constLabels,
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "markhub_http_request_duration_seconds",
			Help:        "HTTP request latency.",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: constLabels,
		}, []string{"method", "route"}),
		poolConns: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "markhub_db_pool_connections",
			Help:        "Database pool connections by state.",
			ConstLabels: constLabels,
		}, []string{"state"}),
	}

	registerer.MustRegister(
		m.transitions,
		m.allocations,
		m.handlerRuns,
		m.handlerDuration,
		m.dedupClaims,
		m.outbox,
		m.httpRequests,
		m.httpDuration,
		m.poolConns,
	)
	return m
}

// TransitionApplied implements markingcode.Observer.
func (m *Metrics) TransitionApplied(t markingcode.Transition, from, to markingcode.Status) {
	m.transitions.WithLabelValues(string(t), string(from), string(to)).Inc()
}

// AllocationFinished implements allocation.Observer.
func (m *Metrics) AllocationFinished(outcome string) {
	m.allocations.WithLabelValues(outcome).Inc()
}

// HandlerFinished implements saga.Recorder.
func (m *Metrics) HandlerFinished(handler, outcome string, elapsed time.Duration) {
	m.handlerRuns.WithLabelValues(handler, outcome).Inc()
	m.handlerDuration.WithLabelValues(handler).Observe(elapsed.Seconds())
}

// OutboxRelayed counts n messages with result.
func (m *Metrics) OutboxRelayed(result string, n int) {
	if n <= 0 {
		return
	}
	m.outbox.WithLabelValues(result).Add(float64(n))
}

// HTTPRequest records one served request.
func (m *Metrics) HTTPRequest(method, route, status string, elapsed time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	m.httpRequests.WithLabelValues(method, route, status).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// PoolStats updates the pool gauges.
func (m *Metrics) PoolStats(s postgres.PoolStats) {
	m.poolConns.WithLabelValues("total").Set(float64(s.TotalConns))
	m.poolConns.WithLabelValues("acquired").Set(float64(s.AcquiredConns))
	m.poolConns.WithLabelValues("idle").Set(float64(s.IdleConns))
	m.poolConns.WithLabelValues("max").Set(float64(s.MaxConns))
}

// Dedup wraps store so every Claim is counted.
func (m *Metrics) Dedup(store dedup.Store) dedup.Store {
	return &countingStore{Store: store, claims: m.dedupClaims}
}

type countingStore struct {
	dedup.Store
	claims *prometheus.CounterVec
}

func (s *countingStore) Claim(ctx context.Context, key dedup.Key, lease time.Duration) (dedup.Outcome, error) {
	out, err := s.Store.Claim(ctx, key, lease)
	if err != nil {
		s.claims.WithLabelValues(key.Namespace, "error").Inc()
		return out, err
	}
	s.claims.WithLabelValues(key.Namespace, out.String()).Inc()
	return out, nil
}
