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
	bwRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "blockwitness_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	bwRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "blockwitness_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	bwBlocksAppendedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "blockwitness_blocks_appended_total",
		Help: "Total blocks appended to the evidence chain.",
	})

	bwChainHeight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "blockwitness_chain_height",
		Help: "Number of blocks on the evidence chain.",
	})

	bwEvidenceFilesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "blockwitness_evidence_files_total",
		Help: "Total evidence files recorded.",
	})

	bwChainVerificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "blockwitness_chain_verifications_total",
		Help: "Total chain integrity checks by result.",
	}, []string{"result"})

	bwFileVerificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "blockwitness_file_verifications_total",
		Help: "Total file verification lookups by result.",
	}, []string{"result"})

	bwWebhookDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "blockwitness_webhook_deliveries_total",
		Help: "Total webhook delivery attempts by result.",
	}, []string{"result"})

	bwStreamSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "blockwitness_stream_subscribers",
		Help: "Connected /chain/stream websocket subscribers.",
	})
)

// PrometheusMiddleware returns a Gin middleware that records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		bwRequestsTotal.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
		bwRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordBlockAppended records a new block of the given index and file count.
func RecordBlockAppended(index uint64, files int) {
	bwBlocksAppendedTotal.Inc()
	bwEvidenceFilesTotal.Add(float64(files))
	bwChainHeight.Set(float64(index + 1))
}

// SetChainHeight sets the chain height gauge, e.g. after startup.
func SetChainHeight(n uint64) {
	bwChainHeight.Set(float64(n))
}

// RecordChainVerification records a chain integrity check result.
func RecordChainVerification(ok bool) {
	bwChainVerificationsTotal.WithLabelValues(resultLabel(ok)).Inc()
}

// RecordFileVerification records whether a verified file was found.
func RecordFileVerification(found bool) {
	if found {
		bwFileVerificationsTotal.WithLabelValues("found").Inc()
	} else {
		bwFileVerificationsTotal.WithLabelValues("not_found").Inc()
	}
}

// RecordWebhookDelivery records a webhook delivery attempt.
func RecordWebhookDelivery(success bool) {
	bwWebhookDeliveriesTotal.WithLabelValues(resultLabel(success)).Inc()
}

func resultLabel(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
