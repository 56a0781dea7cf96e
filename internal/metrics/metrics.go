// Package metrics owns the Prometheus registry for the diagnostic service.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kalambet/carllm/internal/extract"
	"github.com/kalambet/carllm/internal/progress"
	"github.com/kalambet/carllm/internal/storage"
)

const namespace = "carllm"

// Metrics holds the service counters. A nil *Metrics is valid and records
// nothing, so callers never need to guard.
type Metrics struct {
	registry *prometheus.Registry

	tokens      prometheus.Counter
	runs        *prometheus.CounterVec
	requests    *prometheus.CounterVec
	sufficiency *prometheus.CounterVec
	extractions *prometheus.CounterVec
}

// New registers all collectors on a fresh registry, along with the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		tokens: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_received_total",
			Help:      "Completion tokens flushed to conversation progress.",
		}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inference_runs_total",
			Help:      "Inference runs that reached a terminal status.",
		}, []string{"model", "status"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_requests_total",
			Help:      "Pipeline entry point invocations by outcome.",
		}, []string{"operation", "status"}),
		sufficiency: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sufficiency_decisions_total",
			Help:      "Sufficiency gate decisions.",
		}, []string{"outcome"}),
		extractions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "extraction_updates_total",
			Help:      "Vehicle extraction attempts by extractor and outcome.",
		}, []string{"extractor", "outcome"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.tokens, m.runs, m.requests, m.sufficiency, m.extractions,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveRun counts a terminal inference run. Its signature matches
// fanout.Observer.
func (m *Metrics) ObserveRun(model string, status storage.RunStatus) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(model, string(status)).Inc()
}

// ObserveRequest counts one pipeline invocation.
func (m *Metrics) ObserveRequest(operation, status string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(operation, status).Inc()
}

// ObserveSufficiency counts one gate decision.
func (m *Metrics) ObserveSufficiency(proceed bool) {
	if m == nil {
		return
	}
	outcome := "needs_more_info"
	if proceed {
		outcome = "proceed"
	}
	m.sufficiency.WithLabelValues(outcome).Inc()
}

// ObserveExtraction counts one extraction. Its signature matches
// extract.Observer.
func (m *Metrics) ObserveExtraction(extractor string, outcome extract.Outcome) {
	if m == nil {
		return
	}
	m.extractions.WithLabelValues(extractor, string(outcome)).Inc()
}

// TokenSink wraps a progress sink so every successful flush is also counted.
func (m *Metrics) TokenSink(next progress.Sink) progress.Sink {
	if m == nil {
		return next
	}
	return &countingSink{next: next, counter: m.tokens}
}

type countingSink struct {
	next    progress.Sink
	counter prometheus.Counter
}

func (s *countingSink) IncrementTokens(ctx context.Context, conversationID string, delta int) error {
	if err := s.next.IncrementTokens(ctx, conversationID, delta); err != nil {
		return err
	}
	if delta > 0 {
		s.counter.Add(float64(delta))
	}
	return nil
}
