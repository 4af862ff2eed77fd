package bootstrap

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	infragin "github.com/jonesrussell/north-cloud/batch-runner/infrastructure/gin"
	"github.com/jonesrussell/north-cloud/batch-runner/infrastructure/health"
	infralogger "github.com/jonesrussell/north-cloud/batch-runner/infrastructure/logger"
	inframetrics "github.com/jonesrussell/north-cloud/batch-runner/infrastructure/metrics"
	"github.com/jonesrussell/north-cloud/batch-runner/infrastructure/sse"
	"github.com/jonesrussell/north-cloud/batch-runner/internal/api"
	"github.com/jonesrussell/north-cloud/batch-runner/internal/config"
	"github.com/jonesrussell/north-cloud/batch-runner/internal/controller"
	"github.com/jonesrussell/north-cloud/batch-runner/internal/metrics"
)

// SetupHTTPServer creates the HTTP server with the API, /metrics and /health routes.
func SetupHTTPServer(
	cfg *config.Config,
	version string,
	ctrl *controller.Controller,
	broker sse.Broker,
	checker *health.Checker,
	reg *prometheus.Registry,
	log infralogger.Logger,
) *infragin.Server {
	handler := api.NewHandler(ctrl, broker, log)
	opts := api.RouteOptions{
		Gatherer:    reg,
		HTTPMetrics: inframetrics.NewHTTP(reg, metrics.Namespace),
		Health:      checker,
	}

	return infragin.NewServer(cfg.GinConfig(ServiceName, version), log, func(router *gin.Engine) {
		api.SetupRoutes(router, handler, opts)
	})
}
