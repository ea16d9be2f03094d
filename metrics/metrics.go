// Package metrics exposes the service's Prometheus instrumentation:
// request-latency summaries per endpoint and the scheduler gauges.
package metrics

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RequestDuration = promauto.NewSummaryVec(prometheus.SummaryOpts{
		Name: "batchserv_request_duration_seconds",
		Help: "REST request latency by endpoint and verb.",
	}, []string{"endpoint", "verb"})

	ReadyCoresMcpu = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "batchserv_ready_cores_mcpu",
		Help: "Milli-cores of Ready jobs per pool.",
	}, []string{"pool"})

	FreeCoresMcpu = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "batchserv_free_cores_mcpu",
		Help: "Free milli-cores across a pool's active instances.",
	}, []string{"pool"})

	ScheduledJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "batchserv_scheduled_jobs_total",
		Help: "Jobs dispatched to workers per pool.",
	}, []string{"pool"})

	ScheduleFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "batchserv_schedule_failures_total",
		Help: "Dispatch attempts that failed per pool.",
	}, []string{"pool"})
)

// Handler serves the /metrics scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// GinMiddleware records request latency per route template and method.
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		RequestDuration.WithLabelValues(endpoint, c.Request.Method).
			Observe(time.Since(start).Seconds())
	}
}
