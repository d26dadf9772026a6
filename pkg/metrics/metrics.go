package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP 请求指标
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "requests_total",
			Help: "Total number of requests",
		},
		[]string{"method", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// 业务指标
	UploadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uploads_total",
			Help: "Total number of finished upload sessions",
		},
		[]string{"status"},
	)

	UploadBytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "upload_bytes_total",
			Help: "Total bytes received in chunk uploads",
		},
	)

	ArchiveJobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "archive_jobs_total",
			Help: "Total number of finished archive jobs",
		},
		[]string{"status"},
	)

	ReconcilerSweepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconciler_sweeps_total",
			Help: "Total objects cleaned by the reconciler",
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		UploadsTotal,
		UploadBytesTotal,
		ArchiveJobsTotal,
		ReconcilerSweepsTotal,
	)
}

// Handler exposes the registry for a /metrics route.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// Middleware 记录每个请求的指标
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method + " " + c.FullPath()
		RequestsTotal.WithLabelValues(method, status).Inc()
		RequestDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	}
}
