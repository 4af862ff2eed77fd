package controller

import (
	"context"
	"fmt"

	"github.com/jonesrussell/north-cloud/batch-runner/internal/domain"
	"github.com/jonesrussell/north-cloud/batch-runner/internal/gateway"
	"github.com/jonesrussell/north-cloud/batch-runner/internal/registry"
)

// StatusReport is an execution with its in-flight jobs.
type StatusReport struct {
	Execution *domain.Execution `json:"execution"`
	Running   []*domain.Job     `json:"running"`
}

// BatchReport is a batch with its jobs and executions.
type BatchReport struct {
	Batch      *domain.Batch       `json:"batch"`
	Jobs       []*domain.Job       `json:"jobs"`
	Executions []*domain.Execution `json:"executions"`
}

// CreateBatch stores a batch with one job per site.
func (c *Controller) CreateBatch(ctx context.Context, name, goal string, sites []domain.Site) (*BatchReport, error) {
	batch, jobs, err := registry.CreateBatch(ctx, c.gw, name, goal, sites, c.now())
	if err != nil {
		return nil, err
	}
	return &BatchReport{Batch: batch, Jobs: jobs, Executions: []*domain.Execution{}}, nil
}

// GetBatch returns a batch with its jobs and executions.
func (c *Controller) GetBatch(ctx context.Context, id string) (*BatchReport, error) {
	batch, err := c.gw.GetBatch(ctx, id)
	if err != nil {
		return nil, err
	}
	jobs, err := c.gw.ListBatchJobs(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list batch jobs: %w", err)
	}
	execs, err := c.gw.ListExecutions(ctx, gateway.ExecutionFilter{BatchID: id})
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	return &BatchReport{Batch: batch, Jobs: jobs, Executions: execs}, nil
}

// ExecutionStatus returns the stored execution and its running jobs.
func (c *Controller) ExecutionStatus(ctx context.Context, id string) (*StatusReport, error) {
	exec, running, err := registry.Status(ctx, c.gw, id)
	if err != nil {
		return nil, err
	}
	return &StatusReport{Execution: exec, Running: running}, nil
}

// ExecutionJobs lists the execution's jobs in queue order, optionally
// narrowed to one status.
func (c *Controller) ExecutionJobs(ctx context.Context, id string, status domain.JobStatus) ([]*domain.Job, error) {
	if status != "" && !status.Valid() {
		return nil, domain.NewValidationError("status", fmt.Sprintf("unknown job status %q", status))
	}
	if _, err := c.gw.GetExecution(ctx, id); err != nil {
		return nil, err
	}
	return c.gw.ListExecutionJobs(ctx, id, gateway.JobFilter{Status: status})
}

// JobSessions returns the attempt history of a job.
func (c *Controller) JobSessions(ctx context.Context, jobID string) ([]*domain.Session, error) {
	if _, err := c.gw.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	return c.gw.ListSessions(ctx, jobID)
}

// Reader exposes the system of record for exports and reports.
func (c *Controller) Reader() gateway.Reader {
	return c.gw
}
