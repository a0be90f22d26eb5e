// Package metrics provides Prometheus instrumentation for the decision
// service.
//
// Wrap any limitd.Decider to automatically record decision counts,
// latency, and denial reasons:
//
//	collector := metrics.NewCollector()
//	var d limitd.Decider = metrics.Wrap(svc, collector)
//
// Counts are partitioned by algorithm, backend, and decision; denials
// additionally by reason.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/go-limitd/limitd"
)

// Collector holds Prometheus metric vectors for decision
// instrumentation.
type Collector struct {
	decisions *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	denials   *prometheus.CounterVec
}

type collectorConfig struct {
	namespace string
	subsystem string
	registry  prometheus.Registerer
	buckets   []float64
}

// CollectorOption configures a Collector.
type CollectorOption func(*collectorConfig)

// WithNamespace sets the Prometheus metric namespace (prefix).
func WithNamespace(ns string) CollectorOption {
	return func(c *collectorConfig) { c.namespace = ns }
}

// WithSubsystem sets the Prometheus metric subsystem.
func WithSubsystem(sub string) CollectorOption {
	return func(c *collectorConfig) { c.subsystem = sub }
}

// WithRegistry registers metrics with the given Registerer instead of
// prometheus.DefaultRegisterer.
func WithRegistry(r prometheus.Registerer) CollectorOption {
	return func(c *collectorConfig) { c.registry = r }
}

// WithBuckets sets custom histogram buckets for decision duration.
func WithBuckets(b []float64) CollectorOption {
	return func(c *collectorConfig) { c.buckets = b }
}

var defaultBuckets = []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1}

// NewCollector creates a Collector and registers its metrics.
//
// Metrics registered:
//   - {namespace}_decisions_total             counter   (algorithm, backend, decision)
//   - {namespace}_decision_duration_seconds   histogram (algorithm, backend)
//   - {namespace}_denials_total               counter   (reason)
//
// Default namespace is "limitd".
func NewCollector(opts ...CollectorOption) *Collector {
	cfg := &collectorConfig{
		namespace: "limitd",
		registry:  prometheus.DefaultRegisterer,
		buckets:   defaultBuckets,
	}
	for _, o := range opts {
		o(cfg)
	}

	decisions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.namespace,
		Subsystem: cfg.subsystem,
		Name:      "decisions_total",
		Help:      "Total rate limit decisions partitioned by algorithm, backend, and decision.",
	}, []string{"algorithm", "backend", "decision"})

	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: cfg.namespace,
		Subsystem: cfg.subsystem,
		Name:      "decision_duration_seconds",
		Help:      "Latency of Decide calls in seconds.",
		Buckets:   cfg.buckets,
	}, []string{"algorithm", "backend"})

	denials := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.namespace,
		Subsystem: cfg.subsystem,
		Name:      "denials_total",
		Help:      "Total denied decisions partitioned by reason.",
	}, []string{"reason"})

	cfg.registry.MustRegister(decisions, duration, denials)

	return &Collector{
		decisions: decisions,
		duration:  duration,
		denials:   denials,
	}
}

// Wrap returns a Decider that transparently records metrics for every
// Decide call delegated to inner.
func Wrap(inner limitd.Decider, c *Collector) limitd.Decider {
	return &instrumentedDecider{inner: inner, collector: c}
}

type instrumentedDecider struct {
	inner     limitd.Decider
	collector *Collector
}

func (d *instrumentedDecider) Decide(ctx context.Context, key string, tokens int64) *limitd.Result {
	start := time.Now()
	res := d.inner.Decide(ctx, key, tokens)
	elapsed := time.Since(start).Seconds()

	algo := res.Algorithm.String()
	backend := res.Backend
	if backend == "" {
		backend = "none"
	}
	d.collector.duration.WithLabelValues(algo, backend).Observe(elapsed)

	decision := "denied"
	if res.Allowed {
		decision = "allowed"
	}
	d.collector.decisions.WithLabelValues(algo, backend, decision).Inc()
	if !res.Allowed && res.Reason != "" {
		d.collector.denials.WithLabelValues(res.Reason).Inc()
	}
	return res
}
