package querypilot

import (
	"github.com/prometheus/client_golang/prometheus"
)

// EngineMetrics exposes engine activity as Prometheus collectors. All
// fields are optional to the engine: a nil *EngineMetrics disables
// instrumentation.
type EngineMetrics struct {
	OptimizationsTotal   prometheus.Counter
	CacheHitsTotal       prometheus.Counter
	CacheMissesTotal     prometheus.Counter
	RoutingFallbackTotal prometheus.Counter
	RetrainsTotal        prometheus.Counter
	OptimizeDuration     prometheus.Histogram
	EstimatedImprovement prometheus.Histogram
}

// NewEngineMetrics creates and registers the engine collectors. Pass
// prometheus.DefaultRegisterer for the process-global registry.
func NewEngineMetrics(reg prometheus.Registerer) *EngineMetrics {
	m := &EngineMetrics{
		OptimizationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "querypilot",
			Name:      "optimizations_total",
			Help:      "Total queries run through the optimization pipeline.",
		}),
		CacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "querypilot",
			Name:      "cache_hits_total",
			Help:      "Optimization results served from the result cache.",
		}),
		CacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "querypilot",
			Name:      "cache_misses_total",
			Help:      "Optimization requests not found in the result cache.",
		}),
		RoutingFallbackTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "querypilot",
			Name:      "routing_fallback_total",
			Help:      "Routing decisions that fell back to the default endpoint.",
		}),
		RetrainsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "querypilot",
			Name:      "retrains_total",
			Help:      "Model retraining passes triggered.",
		}),
		OptimizeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "querypilot",
			Name:      "optimize_duration_seconds",
			Help:      "Wall time of one optimization pipeline pass.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
		EstimatedImprovement: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "querypilot",
			Name:      "estimated_improvement_percent",
			Help:      "Estimated improvement per optimized query.",
			Buckets:   prometheus.LinearBuckets(0, 10, 10),
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.OptimizationsTotal,
			m.CacheHitsTotal,
			m.CacheMissesTotal,
			m.RoutingFallbackTotal,
			m.RetrainsTotal,
			m.OptimizeDuration,
			m.EstimatedImprovement,
		)
	}
	return m
}

func (m *EngineMetrics) incOptimizations() {
	if m != nil {
		m.OptimizationsTotal.Inc()
	}
}

func (m *EngineMetrics) incCacheHit() {
	if m != nil {
		m.CacheHitsTotal.Inc()
	}
}

func (m *EngineMetrics) incCacheMiss() {
	if m != nil {
		m.CacheMissesTotal.Inc()
	}
}

func (m *EngineMetrics) incRetrains() {
	if m != nil {
		m.RetrainsTotal.Inc()
	}
}

func (m *EngineMetrics) incRoutingFallback() {
	if m != nil {
		m.RoutingFallbackTotal.Inc()
	}
}

func (m *EngineMetrics) observeOptimize(seconds float64, improvement float64) {
	if m != nil {
		m.OptimizeDuration.Observe(seconds)
		m.EstimatedImprovement.Observe(improvement)
	}
}
