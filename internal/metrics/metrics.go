// Package metrics bridges eventbus events to prometheus collectors on
// a private registry, exposed through Handler for a /metrics endpoint.
package metrics

import (
	"context"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	eventbus "github.com/graphgate/graphgate/internal/eventbus"
	events "github.com/graphgate/graphgate/internal/events"
)

const namespace = "graphgate"

// Metrics holds the gateway's collectors. Create one per process and
// wire it with Subscribe.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests        *prometheus.CounterVec
	operationDuration   *prometheus.HistogramVec
	operations          *prometheus.CounterVec
	hookFailures        *prometheus.CounterVec
	analysisFailures    prometheus.Counter
	complexityRejected  *prometheus.CounterVec
	persistedRequests   *prometheus.CounterVec
	connectionsActive   prometheus.Gauge
	subscriptionsActive prometheus.Gauge
	subscriptionEvents  prometheus.Counter
}

// New builds and registers all collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "HTTP requests served, by status code",
			},
			[]string{"status"},
		),
		operationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "graphql",
				Name:      "operation_duration_seconds",
				Help:      "GraphQL operation wall time, by operation type",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"type"},
		),
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "graphql",
				Name:      "operations_total",
				Help:      "GraphQL operations executed, by type and outcome",
			},
			[]string{"type", "outcome"},
		),
		hookFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "graphql",
				Name:      "hook_failures_total",
				Help:      "Lifecycle hooks that errored or panicked, by phase",
			},
			[]string{"phase"},
		),
		analysisFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "graphql",
				Name:      "analysis_failures_total",
				Help:      "Requests that proceeded ungoverned after a complexity analysis failure",
			},
		),
		complexityRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "graphql",
				Name:      "complexity_rejected_total",
				Help:      "Requests refused by the complexity governor, by limit type",
			},
			[]string{"limit_type"},
		),
		persistedRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "persisted",
				Name:      "requests_total",
				Help:      "Persisted-query protocol outcomes",
			},
			[]string{"outcome"},
		),
		connectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "subscription",
				Name:      "connections_active",
				Help:      "Open subscription transport connections",
			},
		),
		subscriptionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "subscription",
				Name:      "operations_active",
				Help:      "Running subscription operations across all connections",
			},
		),
		subscriptionEvents: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "subscription",
				Name:      "events_total",
				Help:      "Events delivered to subscription clients",
			},
		),
	}

	m.registry.MustRegister(
		m.httpRequests,
		m.operationDuration,
		m.operations,
		m.hookFailures,
		m.analysisFailures,
		m.complexityRejected,
		m.persistedRequests,
		m.connectionsActive,
		m.subscriptionsActive,
		m.subscriptionEvents,
	)
	return m
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Subscribe registers collectors against the global bus and returns a
// function removing every subscription.
func (m *Metrics) Subscribe() (unsubscribe func()) {
	unsubs := []func(){
		eventbus.Subscribe(func(ctx context.Context, e events.HTTPFinish) {
			m.httpRequests.WithLabelValues(strconv.Itoa(e.Status)).Inc()
		}),
		eventbus.Subscribe(func(ctx context.Context, e events.OperationFinish) {
			outcome := "ok"
			if len(e.Errors) > 0 {
				outcome = "error"
			}
			m.operations.WithLabelValues(e.OperationType, outcome).Inc()
			m.operationDuration.WithLabelValues(e.OperationType).Observe(e.Duration.Seconds())
		}),
		eventbus.Subscribe(func(ctx context.Context, e events.HookFailure) {
			m.hookFailures.WithLabelValues(e.Phase).Inc()
		}),
		eventbus.Subscribe(func(ctx context.Context, e events.AnalysisFailure) {
			m.analysisFailures.Inc()
		}),
		eventbus.Subscribe(func(ctx context.Context, e events.ComplexityRejected) {
			m.complexityRejected.WithLabelValues(e.LimitType).Inc()
		}),
		eventbus.Subscribe(func(ctx context.Context, e events.PersistedHit) {
			m.persistedRequests.WithLabelValues("hit").Inc()
		}),
		eventbus.Subscribe(func(ctx context.Context, e events.PersistedMiss) {
			m.persistedRequests.WithLabelValues("miss").Inc()
		}),
		eventbus.Subscribe(func(ctx context.Context, e events.PersistedRegistered) {
			m.persistedRequests.WithLabelValues("registered").Inc()
		}),
		eventbus.Subscribe(func(ctx context.Context, e events.PersistedRejected) {
			m.persistedRequests.WithLabelValues("rejected").Inc()
		}),
		eventbus.Subscribe(func(ctx context.Context, e events.ConnectionStart) {
			m.connectionsActive.Inc()
		}),
		eventbus.Subscribe(func(ctx context.Context, e events.ConnectionFinish) {
			m.connectionsActive.Dec()
		}),
		eventbus.Subscribe(func(ctx context.Context, e events.SubscriptionStart) {
			m.subscriptionsActive.Inc()
		}),
		eventbus.Subscribe(func(ctx context.Context, e events.SubscriptionFinish) {
			m.subscriptionsActive.Dec()
		}),
		eventbus.Subscribe(func(ctx context.Context, e events.SubscriptionEvent) {
			m.subscriptionEvents.Inc()
		}),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}
