package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "compliance_audit"

// Collector holds the service's Prometheus metrics. It satisfies the recorder
// interfaces of the engine, the screening adapter, the event dispatcher and
// the HTTP layer.
type Collector struct {
	// Check metrics
	ChecksTotal     *prometheus.CounterVec
	CheckDuration   *prometheus.HistogramVec
	DegradedRules   *prometheus.CounterVec
	DuplicateChecks prometheus.Counter
	PublishFailures prometheus.Counter

	// Screening metrics
	ScreeningsTotal   *prometheus.CounterVec
	ScreeningDuration *prometheus.HistogramVec

	// Event metrics
	EventsPublished *prometheus.CounterVec
	PublishAttempts prometheus.Histogram
	EventQueueDepth prometheus.Gauge

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewCollector registers the metrics with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		ChecksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checks_total",
			Help:      "Compliance checks completed by status and category",
		}, []string{"status", "category"}),
		CheckDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "check_duration_seconds",
			Help:      "Wall-clock duration of compliance checks",
			Buckets:   prometheus.DefBuckets,
		}, []string{"status"}),
		DegradedRules: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "degraded_rule_evaluations_total",
			Help:      "Rule evaluations that faulted and were flagged",
		}, []string{"rule_id"}),
		DuplicateChecks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicate_checks_total",
			Help:      "Check requests answered with an existing record",
		}),
		PublishFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verdict_publish_failures_total",
			Help:      "Verdict events the engine could not hand to the publisher",
		}),

		ScreeningsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "screenings_total",
			Help:      "Screening calls by provider and outcome",
		}, []string{"provider", "outcome"}),
		ScreeningDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "screening_duration_seconds",
			Help:      "Duration of screening calls",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"provider"}),

		EventsPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Events handed to the durable log by topic and result",
		}, []string{"topic", "result"}),
		PublishAttempts: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "event_publish_attempts",
			Help:      "Attempts needed per event",
			Buckets:   prometheus.LinearBuckets(1, 1, 6),
		}),
		EventQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "event_queue_depth",
			Help:      "Events waiting for delivery",
		}),

		HTTPRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status code",
		}, []string{"method", "route", "code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

func (c *Collector) ObserveCheck(status, category string, elapsed time.Duration) {
	c.ChecksTotal.WithLabelValues(status, category).Inc()
	c.CheckDuration.WithLabelValues(status).Observe(elapsed.Seconds())
}

func (c *Collector) ObserveDegradedRule(ruleID string) {
	c.DegradedRules.WithLabelValues(ruleID).Inc()
}

func (c *Collector) ObserveDuplicate() {
	c.DuplicateChecks.Inc()
}

func (c *Collector) ObservePublishFailure() {
	c.PublishFailures.Inc()
}

func (c *Collector) ObserveScreening(provider, outcome string, elapsed time.Duration) {
	c.ScreeningsTotal.WithLabelValues(provider, outcome).Inc()
	c.ScreeningDuration.WithLabelValues(provider).Observe(elapsed.Seconds())
}

func (c *Collector) ObservePublish(topic string, delivered bool, attempts int) {
	result := "delivered"
	if !delivered {
		result = "failed"
	}
	c.EventsPublished.WithLabelValues(topic, result).Inc()
	c.PublishAttempts.Observe(float64(attempts))
}

func (c *Collector) ObserveQueueDepth(depth int) {
	c.EventQueueDepth.Set(float64(depth))
}

func (c *Collector) ObserveHTTPRequest(method, route string, code int, elapsed time.Duration) {
	c.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	c.HTTPRequestDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}
