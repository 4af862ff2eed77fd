// Package api exposes the execution controller over HTTP.
package api

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	infralogger "github.com/jonesrussell/north-cloud/batch-runner/infrastructure/logger"
	"github.com/jonesrussell/north-cloud/batch-runner/infrastructure/sse"
	"github.com/jonesrussell/north-cloud/batch-runner/internal/controller"
	"github.com/jonesrussell/north-cloud/batch-runner/internal/domain"
	"github.com/jonesrussell/north-cloud/batch-runner/internal/events"
	"github.com/jonesrussell/north-cloud/batch-runner/internal/export"
)

// Handler serves the batch, execution and job routes.
type Handler struct {
	ctrl   *controller.Controller
	broker sse.Broker
	logger infralogger.Logger
}

// NewHandler creates a Handler. broker may be nil, in which case the event
// stream routes answer 503.
func NewHandler(ctrl *controller.Controller, broker sse.Broker, log infralogger.Logger) *Handler {
	return &Handler{
		ctrl:   ctrl,
		broker: broker,
		logger: log.With(infralogger.Component("api")),
	}
}

type createBatchRequest struct {
	Name  string        `json:"name"  binding:"required"`
	Goal  string        `json:"goal"`
	Sites []domain.Site `json:"sites" binding:"required"`
}

type startExecutionRequest struct {
	Concurrency    int   `json:"concurrency"`
	AgentTimeoutMs int64 `json:"agent_timeout_ms"`
}

type stopRequest struct {
	Reason string `json:"reason"`
}

// bindOptionalJSON binds the body into obj when one was sent. Chunked bodies
// report no length, so emptiness is detected by decoding.
func bindOptionalJSON(c *gin.Context, obj any) error {
	if c.Request.Body == nil || c.Request.Body == http.NoBody {
		return nil
	}
	if err := c.ShouldBindJSON(obj); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

type concurrencyRequest struct {
	Concurrency int `json:"concurrency" binding:"required"`
}

type bulkRetryRequest struct {
	JobIDs        []string `json:"job_ids"       binding:"required,min=1"`
	Transactional *bool    `json:"transactional"`
}

type bulkStatusRequest struct {
	JobIDs        []string         `json:"job_ids"       binding:"required,min=1"`
	Status        domain.JobStatus `json:"status"        binding:"required"`
	Transactional *bool            `json:"transactional"`
}

// CreateBatch handles POST /batches.
func (h *Handler) CreateBatch(c *gin.Context) {
	var req createBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	report, err := h.ctrl.CreateBatch(c.Request.Context(), req.Name, req.Goal, req.Sites)
	if err != nil {
		respondError(c, h.logger, "create_batch", err)
		return
	}

	h.logger.Info("Batch created",
		infralogger.String("batch_id", report.Batch.ID),
		infralogger.Int("jobs", len(report.Jobs)),
	)
	c.JSON(http.StatusCreated, report)
}

// GetBatch handles GET /batches/:id.
func (h *Handler) GetBatch(c *gin.Context) {
	report, err := h.ctrl.GetBatch(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, "get_batch", err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// StartExecution handles POST /batches/:id/executions. The body is optional.
func (h *Handler) StartExecution(c *gin.Context) {
	var req startExecutionRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		badRequest(c, err)
		return
	}

	opts := controller.StartOptions{
		Concurrency:  req.Concurrency,
		AgentTimeout: time.Duration(req.AgentTimeoutMs) * time.Millisecond,
	}
	exec, err := h.ctrl.StartExecution(c.Request.Context(), c.Param("id"), opts)
	if err != nil {
		respondError(c, h.logger, "start_execution", err)
		return
	}
	c.JSON(http.StatusCreated, exec)
}

// GetExecution handles GET /executions/:id.
func (h *Handler) GetExecution(c *gin.Context) {
	report, err := h.ctrl.ExecutionStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, "get_execution", err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// ListJobs handles GET /executions/:id/jobs?status=.
func (h *Handler) ListJobs(c *gin.Context) {
	jobs, err := h.ctrl.ExecutionJobs(c.Request.Context(), c.Param("id"), domain.JobStatus(c.Query("status")))
	if err != nil {
		respondError(c, h.logger, "list_jobs", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs, "count": len(jobs)})
}

// Start handles POST /executions/:id/start for an execution left queued.
func (h *Handler) Start(c *gin.Context) {
	exec, err := h.ctrl.Start(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, "start", err)
		return
	}
	c.JSON(http.StatusOK, exec)
}

// Pause handles POST /executions/:id/pause.
func (h *Handler) Pause(c *gin.Context) {
	exec, err := h.ctrl.Pause(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, "pause", err)
		return
	}
	c.JSON(http.StatusOK, exec)
}

// Resume handles POST /executions/:id/resume.
func (h *Handler) Resume(c *gin.Context) {
	id := c.Param("id")
	requeued, err := h.ctrl.Resume(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.logger, "resume", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"execution_id": id, "requeued": requeued})
}

// Stop handles POST /executions/:id/stop. The body is optional.
func (h *Handler) Stop(c *gin.Context) {
	var req stopRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		badRequest(c, err)
		return
	}

	exec, err := h.ctrl.Stop(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		respondError(c, h.logger, "stop", err)
		return
	}
	c.JSON(http.StatusOK, exec)
}

// SetConcurrency handles PUT /executions/:id/concurrency.
func (h *Handler) SetConcurrency(c *gin.Context) {
	var req concurrencyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	exec, err := h.ctrl.SetConcurrency(c.Request.Context(), c.Param("id"), req.Concurrency)
	if err != nil {
		respondError(c, h.logger, "set_concurrency", err)
		return
	}
	c.JSON(http.StatusOK, exec)
}

// Export handles GET /executions/:id/export?format=csv|xlsx.
func (h *Handler) Export(c *gin.Context) {
	id := c.Param("id")

	format, err := export.ParseFormat(c.Query("format"))
	if err != nil {
		respondError(c, h.logger, "export", err)
		return
	}

	table, err := export.Build(c.Request.Context(), h.ctrl.Reader(), id)
	if err != nil {
		respondError(c, h.logger, "export", err)
		return
	}

	var buf bytes.Buffer
	if err = table.Write(&buf, format); err != nil {
		respondError(c, h.logger, "export", err)
		return
	}

	c.Header("Content-Disposition", `attachment; filename="`+format.Filename(id)+`"`)
	c.Data(http.StatusOK, format.ContentType(), buf.Bytes())
}

// ExecutionEvents handles GET /executions/:id/events.
func (h *Handler) ExecutionEvents(c *gin.Context) {
	if h.broker == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event stream disabled"})
		return
	}

	id := c.Param("id")
	if _, err := h.ctrl.Reader().GetExecution(c.Request.Context(), id); err != nil {
		respondError(c, h.logger, "execution_events", err)
		return
	}

	sse.Handler(h.broker, h.logger, sse.WithFilter(events.ForExecution(id)))(c)
}

// Events handles GET /events.
func (h *Handler) Events(c *gin.Context) {
	if h.broker == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event stream disabled"})
		return
	}
	sse.Handler(h.broker, h.logger)(c)
}

// RetryJob handles POST /jobs/:id/retry.
func (h *Handler) RetryJob(c *gin.Context) {
	job, err := h.ctrl.RetryJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, "retry_job", err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// JobSessions handles GET /jobs/:id/sessions.
func (h *Handler) JobSessions(c *gin.Context) {
	sessions, err := h.ctrl.JobSessions(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, "job_sessions", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions, "count": len(sessions)})
}

// BulkRetry handles POST /jobs/bulk/retry.
func (h *Handler) BulkRetry(c *gin.Context) {
	var req bulkRetryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	result, err := h.ctrl.BulkRetry(c.Request.Context(), req.JobIDs, req.Transactional)
	if err != nil {
		respondError(c, h.logger, "bulk_retry", err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// BulkUpdateStatus handles POST /jobs/bulk/status.
func (h *Handler) BulkUpdateStatus(c *gin.Context) {
	var req bulkStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	result, err := h.ctrl.BulkUpdateStatus(c.Request.Context(), req.JobIDs, req.Status, req.Transactional)
	if err != nil {
		respondError(c, h.logger, "bulk_update_status", err)
		return
	}
	c.JSON(http.StatusOK, result)
}
