// Package metrics exposes Prometheus metrics for optimization runs.
package metrics

import (
	"errors"

	"github.com/cwbudde/lbfgsbridge/internal/bridge"
	"github.com/cwbudde/lbfgsbridge/internal/opt"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "lbfgsbridge"

// Metrics holds the run and iteration metrics. It implements
// bridge.Observer and bridge.RunObserver.
type Metrics struct {
	RunsTotal        *prometheus.CounterVec
	RunDuration      prometheus.Histogram
	IterationsTotal  prometheus.Counter
	EvaluationsTotal prometheus.Counter
	EvaluatorErrors  prometheus.Counter
	Objective        prometheus.Gauge
	GradientNorm     prometheus.Gauge
	LineSearchEvals  prometheus.Histogram
}

// New creates and registers the metrics with reg.
//
// Metrics:
//   - lbfgsbridge_runs_total{status} - Count of finished runs
//   - lbfgsbridge_run_duration_seconds - Histogram of run durations
//   - lbfgsbridge_iterations_total - Count of accepted iterations
//   - lbfgsbridge_evaluations_total - Count of objective evaluations
//   - lbfgsbridge_evaluator_errors_total - Count of runs aborted by the evaluator
//   - lbfgsbridge_objective_value - Objective value of the last iteration
//   - lbfgsbridge_gradient_norm - Gradient norm of the last iteration
//   - lbfgsbridge_line_search_evaluations - Histogram of evaluations per iteration
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Total number of finished optimization runs",
			},
			[]string{"status"},
		),
		RunDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of optimization runs in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10), // 1ms to ~4.4min
			},
		),
		IterationsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "iterations_total",
				Help:      "Total number of accepted iterations",
			},
		),
		EvaluationsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "evaluations_total",
				Help:      "Total number of objective evaluations",
			},
		),
		EvaluatorErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "evaluator_errors_total",
				Help:      "Total number of runs aborted by an evaluator failure",
			},
		),
		Objective: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "objective_value",
				Help:      "Objective value at the last accepted iteration",
			},
		),
		GradientNorm: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "gradient_norm",
				Help:      "Gradient norm at the last accepted iteration",
			},
		),
		LineSearchEvals: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "line_search_evaluations",
				Help:      "Objective evaluations per accepted iteration",
				Buckets:   prometheus.LinearBuckets(1, 1, 10),
			},
		),
	}
}

// Observe implements bridge.Observer.
func (m *Metrics) Observe(rec bridge.IterationRecord) opt.Action {
	m.IterationsTotal.Inc()
	m.LineSearchEvals.Observe(float64(rec.LineSearch))
	m.Objective.Set(rec.F)
	m.GradientNorm.Set(rec.GNorm)
	return opt.Continue
}

// RunFinished implements bridge.RunObserver. Evaluations are counted here
// because the ones after the last accepted iterate never reach Observe.
func (m *Metrics) RunFinished(res *bridge.Result, err error) {
	m.RunsTotal.WithLabelValues(res.Status.String()).Inc()
	m.EvaluationsTotal.Add(float64(res.Evaluations))
	if res.SessionID != "" {
		m.RunDuration.Observe(res.Elapsed.Seconds())
	}
	if errors.Is(err, bridge.ErrEvaluator) {
		m.EvaluatorErrors.Inc()
	}
}
