package dispatch

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/fisirc/nur-worker/internal/domain"
)

var durationBuckets = []float64{1, 5, 10, 30, 60, 120, 300, 600}

// Metrics counts dispatch and per-function outcomes.
type Metrics struct {
	functionResults  *prometheus.CounterVec
	functionDuration *prometheus.HistogramVec
	dispatchResults  *prometheus.CounterVec
}

// NewMetrics registers the dispatcher collectors with reg, reusing collectors
// that are already registered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		functionResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nur",
			Subsystem: "worker",
			Name:      "function_builds_total",
			Help:      "Function build results by template and outcome",
		}, []string{"template", "outcome"}),
		functionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "nur",
			Subsystem: "worker",
			Name:      "function_build_duration_seconds",
			Help:      "Wall time of one function task",
			Buckets:   durationBuckets,
		}, []string{"template"}),
		dispatchResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nur",
			Subsystem: "worker",
			Name:      "dispatches_total",
			Help:      "Dispatch results by overall status",
		}, []string{"status"}),
	}
	if reg == nil {
		return m
	}
	m.functionResults = registerCounter(reg, m.functionResults)
	m.functionDuration = registerHistogram(reg, m.functionDuration)
	m.dispatchResults = registerCounter(reg, m.dispatchResults)
	return m
}

func registerCounter(reg prometheus.Registerer, c *prometheus.CounterVec) *prometheus.CounterVec {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing
			}
		}
	}
	return c
}

func registerHistogram(reg prometheus.Registerer, h *prometheus.HistogramVec) *prometheus.HistogramVec {
	if err := reg.Register(h); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing
			}
		}
	}
	return h
}

func (m *Metrics) recordFunction(template string, outcome domain.Outcome, d time.Duration) {
	if m == nil {
		return
	}
	if template == "" {
		template = "unknown"
	}
	m.functionResults.WithLabelValues(template, string(outcome)).Inc()
	m.functionDuration.WithLabelValues(template).Observe(d.Seconds())
}

func (m *Metrics) recordDispatch(status domain.OverallStatus) {
	if m == nil {
		return
	}
	m.dispatchResults.WithLabelValues(string(status)).Inc()
}
