package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jonesrussell/north-cloud/batch-runner/infrastructure/health"
	inframetrics "github.com/jonesrussell/north-cloud/batch-runner/infrastructure/metrics"
)

// RouteOptions carries the optional observability pieces of the router.
type RouteOptions struct {
	// Gatherer backs /metrics. Nil leaves the route unregistered.
	Gatherer prometheus.Gatherer
	// HTTPMetrics, when set, instruments every route.
	HTTPMetrics *inframetrics.HTTP
	// Health backs /health, /health/live and /health/ready.
	Health *health.Checker
}

// SetupRoutes registers the /api/v1 routes plus /metrics and /health.
func SetupRoutes(router *gin.Engine, h *Handler, opts RouteOptions) {
	if opts.HTTPMetrics != nil {
		router.Use(opts.HTTPMetrics.Middleware())
	}
	if opts.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))
	}
	if opts.Health != nil {
		health.RegisterRoutes(router, opts.Health)
	}

	v1 := router.Group("/api/v1")

	batches := v1.Group("/batches")
	batches.POST("", h.CreateBatch)
	batches.GET("/:id", h.GetBatch)
	batches.POST("/:id/executions", h.StartExecution)

	executions := v1.Group("/executions")
	executions.GET("/:id", h.GetExecution)
	executions.GET("/:id/jobs", h.ListJobs)
	executions.POST("/:id/start", h.Start)
	executions.POST("/:id/pause", h.Pause)
	executions.POST("/:id/resume", h.Resume)
	executions.POST("/:id/stop", h.Stop)
	executions.PUT("/:id/concurrency", h.SetConcurrency)
	executions.GET("/:id/export", h.Export)
	executions.GET("/:id/events", h.ExecutionEvents)

	jobs := v1.Group("/jobs")
	jobs.POST("/bulk/retry", h.BulkRetry)
	jobs.POST("/bulk/status", h.BulkUpdateStatus)
	jobs.POST("/:id/retry", h.RetryJob)
	jobs.GET("/:id/sessions", h.JobSessions)

	v1.GET("/events", h.Events)
}
