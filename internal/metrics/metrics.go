// Package metrics exports unit-of-work telemetry to Prometheus.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder implements core.MetricsRecorder and core.ConflictObserver.
type Recorder struct {
	registry   *prometheus.Registry
	operations *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	conflicts  *prometheus.CounterVec
	conflicted prometheus.Counter
}

// NewRecorder registers collectors on a private registry. An empty namespace
// defaults to "entitycore".
func NewRecorder(namespace string) *Recorder {
	if namespace == "" {
		namespace = "entitycore"
	}
	r := &Recorder{registry: prometheus.NewRegistry()}
	r.operations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "uow",
			Name:      "operations_total",
			Help:      "Unit of work operations by outcome",
		},
		[]string{"operation", "outcome"},
	)
	r.latency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "uow",
			Name:      "operation_duration_seconds",
			Help:      "Unit of work operation latency",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation"},
	)
	r.conflicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "uow",
			Name:      "conflicts_total",
			Help:      "Completions rejected by concurrent entity modification",
		},
		[]string{"usecase"},
	)
	r.conflicted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "uow",
		Name:      "conflicting_entities_total",
		Help:      "Entities named in concurrent modification failures",
	})
	r.registry.MustRegister(r.operations, r.latency, r.conflicts, r.conflicted)
	return r
}

// Observe implements core.MetricsRecorder.
func (r *Recorder) Observe(_ context.Context, operation string, success bool, duration time.Duration) {
	outcome := "success"
	if !success {
		outcome = "error"
	}
	r.operations.WithLabelValues(operation, outcome).Inc()
	r.latency.WithLabelValues(operation).Observe(duration.Seconds())
}

// ObserveConflict implements core.ConflictObserver.
func (r *Recorder) ObserveConflict(_ context.Context, usecase string, references int) {
	r.conflicts.WithLabelValues(usecase).Inc()
	r.conflicted.Add(float64(references))
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
