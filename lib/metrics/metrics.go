// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package metrics exposes Prometheus collectors for the pipeline,
// the ingest workers, and the HTTP ingress.
//
// A [Metrics] value owns its registry, so tests and multiple services
// in one process do not collide on the global default registry. It
// satisfies the small observer interfaces those packages declare.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bureau-foundation/eventsink/lib/event"
)

const namespace = "eventsink"

// Metrics holds every collector.
type Metrics struct {
	registry *prometheus.Registry

	eventsProcessed *prometheus.CounterVec
	outcomes        *prometheus.CounterVec
	actionDuration  *prometheus.HistogramVec
	actionFailures  *prometheus.CounterVec
	queueEntries    *prometheus.CounterVec
	requests        *prometheus.CounterVec
}

// New registers the collectors, plus the Go runtime and process
// collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		eventsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_processed_total",
			Help:      "Events saved by the pipeline, by type and stack state.",
		}, []string{"type", "stack"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_outcomes_total",
			Help:      "Final pipeline outcome of every event context.",
		}, []string{"outcome"}),
		actionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pipeline_action_duration_seconds",
			Help:      "Wall time of one pipeline action over one batch.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
		}, []string{"action"}),
		actionFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_action_failures_total",
			Help:      "Contexts an action failed or recorded an error on.",
		}, []string{"action"}),
		queueEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_entries_total",
			Help:      "Settled queue entries by queue and result.",
		}, []string{"queue", "result"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingress_requests_total",
			Help:      "Ingress requests by route and status code.",
		}, []string{"route", "code"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.eventsProcessed,
		m.outcomes,
		m.actionDuration,
		m.actionFailures,
		m.queueEntries,
		m.requests,
	)
	return m
}

// Registry returns the registry for callers adding their own
// collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RegisterQueueDepth exports a gauge read from depth at scrape time.
func (m *Metrics) RegisterQueueDepth(queue string, depth func() int) error {
	return m.registry.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   namespace,
		Name:        "queue_depth",
		Help:        "Entries waiting in a queue.",
		ConstLabels: prometheus.Labels{"queue": queue},
	}, func() float64 { return float64(depth()) }))
}

// ObserveAction records one action run.
func (m *Metrics) ObserveAction(action string, elapsed time.Duration, failed int) {
	m.actionDuration.WithLabelValues(action).Observe(elapsed.Seconds())
	if failed > 0 {
		m.actionFailures.WithLabelValues(action).Add(float64(failed))
	}
}

// ObserveOutcome records one context's final outcome.
func (m *Metrics) ObserveOutcome(outcome event.Outcome) {
	m.outcomes.WithLabelValues(outcome.String()).Inc()
}

// CountEvent records one saved event.
func (m *Metrics) CountEvent(eventType string, isNew, isRegression, isCritical bool) {
	stack := "existing"
	switch {
	case isNew:
		stack = "new"
	case isRegression:
		stack = "regressed"
	}
	m.eventsProcessed.WithLabelValues(eventType, stack).Inc()
	if isCritical {
		m.eventsProcessed.WithLabelValues(eventType, "critical").Inc()
	}
}

// ObserveEntry records one settled queue entry.
func (m *Metrics) ObserveEntry(queue, result string) {
	m.queueEntries.WithLabelValues(queue, result).Inc()
}

// ObserveRequest records one finished ingress request.
func (m *Metrics) ObserveRequest(route string, status int) {
	m.requests.WithLabelValues(route, strconv.Itoa(status)).Inc()
}
