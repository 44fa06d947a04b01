package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector exposes Prometheus metrics for decisions and compliance passes.
// A nil *Collector is valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	// Decision outcomes by status and module
	decisions *prometheus.CounterVec

	// End-to-end decision latency
	decisionLatency prometheus.Histogram

	// Combined confidence distribution
	confidence prometheus.Histogram

	// Absent strategies by id
	strategyFailures *prometheus.CounterVec

	feedback *prometheus.CounterVec

	// Compliance
	complianceDetected *prometheus.CounterVec
	complianceFixes    *prometheus.CounterVec
	outstanding        *prometheus.GaugeVec
}

// NewCollector registers all metrics on registry. A nil registry gets a
// fresh private one with Go and process collectors.
func NewCollector(namespace string, registry *prometheus.Registry) *Collector {
	if namespace == "" {
		namespace = "kestrel"
	}
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	factory := promauto.With(registry)

	return &Collector{
		registry: registry,

		decisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Total decisions by status and module",
		}, []string{"status", "module"}), // status: "resolved_auto", "resolved_escalated", "failed"

		decisionLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "decision_duration_seconds",
			Help:      "Duration of full decision evaluation including all strategies",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}),

		confidence: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "decision_confidence",
			Help:      "Combined confidence of produced decisions",
			Buckets:   []float64{0.5, 0.6, 0.7, 0.8, 0.85, 0.9, 0.95, 0.99},
		}),

		strategyFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "strategy_failures_total",
			Help:      "Strategies that failed or timed out and were left out of aggregation",
		}, []string{"strategy"}),

		feedback: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feedback_total",
			Help:      "Feedback records by correctness",
		}, []string{"correct"}),

		complianceDetected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "compliance",
			Name:      "errors_detected_total",
			Help:      "Compliance errors detected by class",
		}, []string{"class"}),

		complianceFixes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "compliance",
			Name:      "fix_attempts_total",
			Help:      "Auto-fix attempts by class and result",
		}, []string{"class", "result"}), // result: "fixed", "failed", "escalated", "not_fixable"

		outstanding: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "compliance",
			Name:      "outstanding_errors",
			Help:      "Outstanding compliance errors per tenant",
		}, []string{"tenant"}),
	}
}

// Registry returns the registry the collector writes to.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// ObserveDecision records a produced decision.
func (c *Collector) ObserveDecision(status, module string, confidence float64, d time.Duration) {
	if c != nil {
		c.decisions.WithLabelValues(status, module).Inc()
		c.confidence.Observe(confidence)
		c.decisionLatency.Observe(d.Seconds())
	}
}

// IncrementFailedDecision records a decision that could not be produced.
func (c *Collector) IncrementFailedDecision(module string) {
	if c != nil {
		c.decisions.WithLabelValues("failed", module).Inc()
	}
}

// IncrementStrategyFailure records an absent strategy.
func (c *Collector) IncrementStrategyFailure(strategyID string) {
	if c != nil {
		c.strategyFailures.WithLabelValues(strategyID).Inc()
	}
}

// IncrementFeedback records a feedback record.
func (c *Collector) IncrementFeedback(correct bool) {
	if c != nil {
		c.feedback.WithLabelValues(strconv.FormatBool(correct)).Inc()
	}
}

// AddDetected records newly detected compliance errors of a class.
func (c *Collector) AddDetected(class string, n int) {
	if c != nil && n > 0 {
		c.complianceDetected.WithLabelValues(class).Add(float64(n))
	}
}

// IncrementFix records one auto-fix attempt.
func (c *Collector) IncrementFix(class, result string) {
	if c != nil {
		c.complianceFixes.WithLabelValues(class, result).Inc()
	}
}

// SetOutstanding records the outstanding error count of a tenant.
func (c *Collector) SetOutstanding(tenantID string, n int) {
	if c != nil {
		c.outstanding.WithLabelValues(tenantID).Set(float64(n))
	}
}
