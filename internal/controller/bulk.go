package controller

import (
	"context"
	"slices"

	"go.opentelemetry.io/otel/attribute"

	"github.com/jonesrussell/north-cloud/batch-runner/internal/domain"
)

// ItemResult is the outcome of a bulk operation for one job.
type ItemResult struct {
	JobID  string           `json:"job_id"`
	Status domain.JobStatus `json:"status,omitempty"`
	Error  string           `json:"error,omitempty"`
}

// BulkResult summarizes a bulk operation.
type BulkResult struct {
	Transactional bool         `json:"transactional"`
	Succeeded     int          `json:"succeeded"`
	Failed        int          `json:"failed"`
	Items         []ItemResult `json:"items"`
}

func (r *BulkResult) add(jobID string, job *domain.Job, err error) {
	item := ItemResult{JobID: jobID}
	if err != nil {
		item.Error = err.Error()
		r.Failed++
	} else {
		item.Status = job.Status
		r.Succeeded++
	}
	r.Items = append(r.Items, item)
}

// jobOp is applied to one job inside an execution transaction.
type jobOp func(ctx context.Context, a *actor, ch *change, jobID string) (*domain.Job, error)

// BulkRetry retries every job. When transactional is nil the configured
// default applies. Per-item mode reports each failure separately;
// transactional mode rolls everything back on the first failure.
func (c *Controller) BulkRetry(ctx context.Context, jobIDs []string, transactional *bool) (result *BulkResult, err error) {
	ctx, span := c.startSpan(ctx, "controller.bulk_retry", attribute.Int("jobs", len(jobIDs)))
	defer func() { endSpan(span, err) }()

	op := func(ctx context.Context, a *actor, ch *change, jobID string) (*domain.Job, error) {
		return a.retryInTx(ctx, ch, jobID)
	}
	return c.runBulk(ctx, "bulk_retry", jobIDs, pick(transactional, c.bulk.RetryTransactional), op, c.retryUnowned)
}

// BulkUpdateStatus marks queued or blocked jobs as blocked or failed.
func (c *Controller) BulkUpdateStatus(
	ctx context.Context, jobIDs []string, status domain.JobStatus, transactional *bool,
) (result *BulkResult, err error) {
	ctx, span := c.startSpan(ctx, "controller.bulk_update_status",
		attribute.Int("jobs", len(jobIDs)), attribute.String("status", string(status)))
	defer func() { endSpan(span, err) }()

	if status != domain.JobBlocked && status != domain.JobFailed {
		return nil, domain.NewValidationError("status", "must be blocked or failed")
	}
	op := func(ctx context.Context, a *actor, ch *change, jobID string) (*domain.Job, error) {
		return a.markInTx(ctx, ch, jobID, status)
	}
	unowned := func(_ context.Context, jobID string) (*domain.Job, error) {
		return nil, domain.NewConflictError("job", jobID, "job is not part of an execution")
	}
	return c.runBulk(ctx, "bulk_update_status", jobIDs, pick(transactional, c.bulk.StatusTransactional), op, unowned)
}

func pick(override *bool, fallback bool) bool {
	if override != nil {
		return *override
	}
	return fallback
}

// runBulk applies op to each job through its execution's actor. Jobs never
// attached to an execution go to unowned instead.
func (c *Controller) runBulk(
	ctx context.Context, name string, jobIDs []string, transactional bool, op jobOp,
	unowned func(ctx context.Context, jobID string) (*domain.Job, error),
) (*BulkResult, error) {
	ids := dedupe(jobIDs)
	if len(ids) == 0 {
		return nil, domain.NewValidationError("job_ids", "at least one job id is required")
	}
	if transactional {
		return c.bulkAtomic(ctx, name, ids, op)
	}

	result := &BulkResult{Items: make([]ItemResult, 0, len(ids))}
	for _, id := range ids {
		execID, err := c.executionOf(ctx, id)
		if err != nil {
			result.add(id, nil, err)
			continue
		}
		if execID == "" {
			job, err := unowned(ctx, id)
			result.add(id, job, err)
			continue
		}
		job, err := command(ctx, c, execID, func(a *actor) (*domain.Job, error) {
			var job *domain.Job
			_, err := a.persist(name, func(ctx context.Context, ch *change) error {
				var err error
				job, err = op(ctx, a, ch, id)
				return err
			})
			return job, err
		})
		result.add(id, job, err)
	}
	return result, nil
}

// bulkAtomic applies op to every job in one transaction on one actor.
func (c *Controller) bulkAtomic(ctx context.Context, name string, ids []string, op jobOp) (*BulkResult, error) {
	var execID string
	for i, id := range ids {
		owner, err := c.executionOf(ctx, id)
		if err != nil {
			return nil, err
		}
		if i > 0 && owner != execID {
			return nil, domain.NewValidationError("job_ids", "transactional bulk operations require jobs from a single execution")
		}
		execID = owner
	}
	if execID == "" {
		return nil, domain.NewValidationError("job_ids", "transactional bulk operations require jobs attached to an execution")
	}

	return command(ctx, c, execID, func(a *actor) (*BulkResult, error) {
		result := &BulkResult{Transactional: true}
		_, err := a.persist(name, func(ctx context.Context, ch *change) error {
			result.Succeeded, result.Items = 0, make([]ItemResult, 0, len(ids))
			for _, id := range ids {
				job, err := op(ctx, a, ch, id)
				if err != nil {
					return err
				}
				result.add(id, job, nil)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		return result, nil
	})
}

func dedupe(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" && !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}
