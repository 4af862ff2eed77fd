package health

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// RegisterRoutes mounts /health, /health/live and /health/ready. Liveness
// never runs checks.
func RegisterRoutes(router gin.IRouter, checker *Checker) {
	router.GET("/health", readiness(checker))
	router.GET("/health/ready", readiness(checker))
	router.GET("/health/live", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "alive"})
	})
}

func readiness(checker *Checker) gin.HandlerFunc {
	return func(c *gin.Context) {
		report := checker.Run(c.Request.Context())
		code := http.StatusOK
		if report.Status != StatusHealthy {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, report)
	}
}
