// Package metrics exposes Prometheus counters for the marketplace. Every
// Collector owns its registry, so several can coexist in one process.
// A nil *Collector is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type Collector struct {
	registry *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	taskTransitions    *prometheus.CounterVec
	reviewVerdicts     *prometheus.CounterVec
	settlementOutcomes *prometheus.CounterVec
	processorDuration  *prometheus.HistogramVec
	webhookEvents      *prometheus.CounterVec
	outboxPending      prometheus.Gauge

	logger *zap.Logger
}

func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	c := &Collector{
		registry: reg,
		logger:   logger.With(zap.String("component", "metrics")),
	}

	c.httpRequestsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
	c.httpRequestDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
	c.taskTransitions = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_transitions_total",
			Help:      "Task status transitions, by source and target status",
		},
		[]string{"from", "to"},
	)
	c.reviewVerdicts = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "review_verdicts_total",
			Help:      "Automated review outcomes",
		},
		[]string{"verdict"},
	)
	c.settlementOutcomes = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlement_operations_total",
			Help:      "Money movements by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)
	c.processorDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "processor_call_duration_seconds",
			Help:      "Payment processor call latency",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"operation"},
	)
	c.webhookEvents = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_events_total",
			Help:      "Processor webhook deliveries by variant and result",
		},
		[]string{"type", "result"},
	)
	c.outboxPending = f.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "settlement_outbox_due",
			Help:      "Outbox items found due on the last drain",
		},
	)
	return c
}

// Registry is the collector's private registry.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return prometheus.NewRegistry()
	}
	return c.registry
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.Registry(), promhttp.HandlerOpts{})
}

func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	if c == nil {
		return
	}
	c.httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

func (c *Collector) RecordTransition(from, to string) {
	if c == nil {
		return
	}
	c.taskTransitions.WithLabelValues(from, to).Inc()
}

func (c *Collector) RecordReview(approved bool) {
	if c == nil {
		return
	}
	verdict := "rejected"
	if approved {
		verdict = "approved"
	}
	c.reviewVerdicts.WithLabelValues(verdict).Inc()
}

// RecordSettlement counts one processor-backed operation (hold, capture,
// split, refund, transfer) and its latency.
func (c *Collector) RecordSettlement(operation string, err error, duration time.Duration) {
	if c == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	c.settlementOutcomes.WithLabelValues(operation, outcome).Inc()
	c.processorDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

func (c *Collector) RecordWebhook(eventType, result string) {
	if c == nil {
		return
	}
	c.webhookEvents.WithLabelValues(eventType, result).Inc()
}

func (c *Collector) SetOutboxDue(n int) {
	if c == nil {
		return
	}
	c.outboxPending.Set(float64(n))
}
