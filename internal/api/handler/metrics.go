package handler

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rentledger_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rentledger_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	appendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rentledger_appends_total",
		Help: "Total ledger appends by event type and outcome.",
	}, []string{"event_type", "outcome"})

	verificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rentledger_chain_verifications_total",
		Help: "Total chain verifications by result.",
	}, []string{"result"})

	insightSubjectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rentledger_insight_subjects_total",
		Help: "Total subjects handled by the insight processor by outcome.",
	}, []string{"outcome"})

	dependencyUp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rentledger_dependency_up",
		Help: "Whether the last probe of a backing dependency succeeded (1) or failed (0).",
	}, []string{"dependency"})

	publishTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rentledger_event_publish_total",
		Help: "Total event publications to Kafka by outcome.",
	}, []string{"outcome"})
)

// PrometheusMiddleware returns a Gin middleware that records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		requestsTotal.WithLabelValues(method, path, status).Inc()
		requestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordAppend records the outcome of a ledger append.
func RecordAppend(eventType, outcome string) {
	if eventType == "" {
		eventType = "unknown"
	}
	appendsTotal.WithLabelValues(eventType, outcome).Inc()
}

// RecordVerification records a chain verification result.
func RecordVerification(ok bool) {
	if ok {
		verificationsTotal.WithLabelValues("ok").Inc()
	} else {
		verificationsTotal.WithLabelValues("broken").Inc()
	}
}

// RecordInsightOutcome records one subject outcome of an insight run.
func RecordInsightOutcome(outcome string) {
	insightSubjectsTotal.WithLabelValues(outcome).Inc()
}

// RecordPublish records one event publication attempt.
func RecordPublish(outcome string) {
	publishTotal.WithLabelValues(outcome).Inc()
}

// RecordDependencyProbe records the result of a dependency health probe.
func RecordDependencyProbe(name string, ok bool) {
	v := 0.0
	if ok {
		v = 1
	}
	dependencyUp.WithLabelValues(name).Set(v)
}
