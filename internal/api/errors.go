package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	infralogger "github.com/jonesrussell/north-cloud/batch-runner/infrastructure/logger"
	"github.com/jonesrussell/north-cloud/batch-runner/internal/controller"
	"github.com/jonesrussell/north-cloud/batch-runner/internal/domain"
)

// StatusFor maps a domain error to an HTTP status code.
func StatusFor(err error) int {
	switch {
	case domain.IsValidation(err):
		return http.StatusBadRequest
	case domain.IsNotFound(err):
		return http.StatusNotFound
	case domain.IsConflict(err):
		return http.StatusConflict
	case domain.IsPersistence(err), errors.Is(err, controller.ErrShuttingDown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes {"error": msg}. Internal failures are logged and their
// details withheld from the client.
func respondError(c *gin.Context, log infralogger.Logger, op string, err error) {
	status := StatusFor(err)
	msg := err.Error()
	log = infralogger.FromContext(c.Request.Context(), log)

	if status >= http.StatusInternalServerError {
		log.Error("Request failed",
			infralogger.String("operation", op),
			infralogger.String("path", c.Request.URL.Path),
			infralogger.Int("status", status),
			infralogger.Error(err),
		)
		if status == http.StatusInternalServerError {
			msg = "internal error"
		}
	} else {
		log.Debug("Request rejected",
			infralogger.String("operation", op),
			infralogger.Int("status", status),
			infralogger.Error(err),
		)
	}

	c.JSON(status, gin.H{"error": msg})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
}
