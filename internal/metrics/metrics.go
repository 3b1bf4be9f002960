// Package metrics holds the process-wide Prometheus series. Domain packages
// stay free of Prometheus and report through callbacks wired up in main.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	validationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gtixt_validations_total",
		Help: "Consensus validations by outcome (approved, rejected, held).",
	}, []string{"outcome"})

	validatorUnavailableTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gtixt_validator_unavailable_total",
		Help: "Validation methods that were unavailable for an item, by method.",
	}, []string{"method"})

	validationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "gtixt_validation_duration_seconds",
		Help:    "Time to reach consensus for one evidence item.",
		Buckets: prometheus.DefBuckets,
	})

	verificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gtixt_verifications_total",
		Help: "Provenance verification requests by type and result.",
	}, []string{"type", "result"})

	snapshotsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gtixt_snapshots_total",
		Help: "Snapshot generation attempts by outcome.",
	}, []string{"outcome"})

	ledgerRecordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gtixt_ledger_records_total",
		Help: "Evidence ledger records appended, by action.",
	}, []string{"action"})

	healthChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gtixt_health_checks_total",
		Help: "Periodic dependency checks by result.",
	}, []string{"result"})

	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gtixt_http_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gtixt_http_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// Middleware returns a Gin middleware that records per-request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		requestsTotal.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
		requestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

// Handler returns a Gin handler that serves Prometheus metrics.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordValidation records one consensus outcome.
func RecordValidation(outcome string) {
	validationsTotal.WithLabelValues(outcome).Inc()
}

// ObserveValidation records how long one consensus took.
func ObserveValidation(d time.Duration) {
	validationDuration.Observe(d.Seconds())
}

// RecordUnavailable records a method that could not vote.
func RecordUnavailable(method string) {
	validatorUnavailableTotal.WithLabelValues(method).Inc()
}

// RecordVerification records one answered verification request.
func RecordVerification(kind string, valid bool) {
	verificationsTotal.WithLabelValues(kind, result(valid)).Inc()
}

// RecordSnapshot records a snapshot generation outcome.
func RecordSnapshot(outcome string) {
	snapshotsTotal.WithLabelValues(outcome).Inc()
}

// RecordLedgerAppend records a ledger record of the given action.
func RecordLedgerAppend(action string) {
	ledgerRecordsTotal.WithLabelValues(action).Inc()
}

// RecordAudit records a periodic dependency check result.
func RecordAudit(success bool) {
	if success {
		healthChecksTotal.WithLabelValues("success").Inc()
	} else {
		healthChecksTotal.WithLabelValues("failure").Inc()
	}
}

func result(ok bool) string {
	if ok {
		return "valid"
	}
	return "invalid"
}
