package api

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/creditrisk/internal/resolver"
	"github.com/jmerrifield20/creditrisk/internal/scoring"
	"github.com/jmerrifield20/creditrisk/internal/watch"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "creditrisk_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "creditrisk_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	scoresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "creditrisk_scores_total",
		Help: "Scoring requests by outcome (risk label or error code).",
	}, []string{"outcome"})

	scoreProbability = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "creditrisk_score_probability",
		Help:    "Distribution of predicted default probabilities.",
		Buckets: prometheus.LinearBuckets(0.05, 0.05, 19),
	})

	resolutionAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "creditrisk_model_resolution_attempts_total",
		Help: "Model load attempts by source and result.",
	}, []string{"source", "result"})

	modelSwapsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "creditrisk_model_swaps_total",
		Help: "Times a newly resolved model was installed.",
	})

	modelInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "creditrisk_model_info",
		Help: "Currently served model; the active series has value 1.",
	}, []string{"source", "identifier", "version"})

	watchChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "creditrisk_watch_checks_total",
		Help: "Registry watcher checks by outcome.",
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

// recordScore records a successful score.
func recordScore(res *scoring.Result) {
	scoresTotal.WithLabelValues(string(res.RiskLabel)).Inc()
	scoreProbability.Observe(res.Probability)
}

// recordScoreError records a failed scoring request by error code.
func recordScoreError(code string) {
	scoresTotal.WithLabelValues(code).Inc()
}

// RecordResolutionAttempt matches resolver.AttemptRecordFunc.
func RecordResolutionAttempt(source resolver.SourceKind, success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	resolutionAttemptsTotal.WithLabelValues(source.String(), result).Inc()
}

// RecordModelSwap matches modelcache.SwapFunc.
func RecordModelSwap(prev, next *resolver.ResolvedModel) {
	modelSwapsTotal.Inc()
	if prev != nil {
		modelInfo.DeleteLabelValues(prev.Source.String(), prev.Identifier, prev.Version)
	}
	modelInfo.WithLabelValues(next.Source.String(), next.Identifier, next.Version).Set(1)
}

// RecordWatchCheck matches watch.MetricsRecordFunc.
func RecordWatchCheck(outcome watch.Outcome) {
	watchChecksTotal.WithLabelValues(string(outcome)).Inc()
}
