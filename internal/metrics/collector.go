// Package metrics exports Prometheus metrics for period runs, SLA outcomes, and HTTP traffic.
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

// Collector owns a registry so several collectors can coexist in one process.
// A nil *Collector records nothing.
type Collector struct {
	registry *prometheus.Registry

	periodRuns        *prometheus.CounterVec
	periodDuration    prometheus.Histogram
	slaOutcomes       *prometheus.CounterVec
	unresolvedEvents  prometheus.Counter
	penaltyMinorUnits prometheus.Counter
	escalations       *prometheus.CounterVec

	busMessages *prometheus.CounterVec

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// NewCollector creates a collector with Go runtime and process metrics registered.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,

		periodRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wastebill_period_runs_total",
				Help: "Period runs by result",
			},
			[]string{"result"},
		),
		periodDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "wastebill_period_run_duration_seconds",
				Help:    "Period run duration in seconds",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
			},
		),
		slaOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wastebill_sla_outcomes_total",
				Help: "Evaluated collection events by outcome status",
			},
			[]string{"status"},
		),
		unresolvedEvents: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "wastebill_unresolved_events_total",
				Help: "Collection events whose SLA evaluation failed",
			},
		),
		penaltyMinorUnits: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "wastebill_penalty_minor_units_total",
				Help: "Sum of SLA penalties and credits applied, in currency minor units",
			},
		),
		escalations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wastebill_escalations_total",
				Help: "Escalation obligations emitted by level",
			},
			[]string{"level"},
		),
		busMessages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wastebill_bus_messages_total",
				Help: "Bus messages handled by topic and result",
			},
			[]string{"topic", "result"},
		),
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wastebill_http_requests_total",
				Help: "HTTP requests by method, route, and status",
			},
			[]string{"method", "route", "status"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "wastebill_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}
}

// Handler serves the collector's registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// RecordPeriodRun records a finished run. result is computed, failed, or cancelled.
func (c *Collector) RecordPeriodRun(result string, duration time.Duration) {
	if c == nil {
		return
	}
	c.periodRuns.WithLabelValues(result).Inc()
	c.periodDuration.Observe(duration.Seconds())
}

// RecordSLAOutcome records one evaluated event.
func (c *Collector) RecordSLAOutcome(status string, penalty int64, escalationLevels ...int) {
	if c == nil {
		return
	}
	c.slaOutcomes.WithLabelValues(status).Inc()
	if penalty > 0 {
		c.penaltyMinorUnits.Add(float64(penalty))
	}
	for _, level := range escalationLevels {
		c.escalations.WithLabelValues(levelLabel(level)).Inc()
	}
}

// RecordUnresolvedEvents counts events that could not be evaluated.
func (c *Collector) RecordUnresolvedEvents(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.unresolvedEvents.Add(float64(n))
}

// RecordBusMessage records a consumed or published bus message.
func (c *Collector) RecordBusMessage(topic, result string) {
	if c == nil {
		return
	}
	c.busMessages.WithLabelValues(topic, result).Inc()
}

// RecordHTTPRequest records an HTTP request.
func (c *Collector) RecordHTTPRequest(method, route, status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.requestsTotal.WithLabelValues(method, route, status).Inc()
	c.requestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

func levelLabel(level int) string {
	return strconv.Itoa(level)
}
