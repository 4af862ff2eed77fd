package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/jonesrussell/north-cloud/batch-runner/internal/domain"
	"github.com/jonesrussell/north-cloud/batch-runner/internal/gateway"
)

const (
	batchColumns = `id, name, goal, created_at`

	executionColumns = `id, batch_id, status, concurrency, agent_timeout_ms,
		total_jobs, queued_jobs, running_jobs, completed_jobs, error_jobs, passed_jobs, failed_jobs,
		stop_reason, created_at, started_at, paused_at, stopped_at, completed_at, last_activity_at, version`

	jobColumns = `id, batch_id, execution_id, site_name, site_url, status,
		progress_percentage, current_step, current_url, retry_count, ground_truth, result, error_message,
		created_at, started_at, completed_at, updated_at`

	sessionColumns = `id, job_id, session_number, status, extracted_data, fields_extracted, fields_missing,
		completion_percentage, error_message, failure_reason, screenshots, streaming_url, run_id,
		created_at, started_at, completed_at`
)

// Store implements gateway.Gateway on PostgreSQL.
type Store struct {
	db *sqlx.DB
	queries
}

var _ gateway.Gateway = (*Store)(nil)

// NewStore creates a store over an open connection.
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db, queries: queries{ext: db}}
}

// InTx runs fn inside a database transaction.
func (s *Store) InTx(ctx context.Context, fn func(tx gateway.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return domain.NewPersistenceError("begin transaction", err)
	}

	if fnErr := fn(&queries{ext: tx}); fnErr != nil {
		_ = tx.Rollback()
		return fnErr
	}

	if commitErr := tx.Commit(); commitErr != nil {
		return domain.NewPersistenceError("commit transaction", commitErr)
	}
	return nil
}

// Snapshot runs fn in a read-only REPEATABLE READ transaction so that every
// query sees the same snapshot.
func (s *Store) Snapshot(ctx context.Context, fn func(r gateway.Reader) error) error {
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return domain.NewPersistenceError("begin snapshot", err)
	}
	defer func() { _ = tx.Rollback() }()

	return fn(&queries{ext: tx})
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// queries runs statements against either the pool or a transaction.
type queries struct {
	ext sqlx.ExtContext
}

var _ gateway.Tx = (*queries)(nil)

func (q *queries) GetBatch(ctx context.Context, id string) (*domain.Batch, error) {
	var batch domain.Batch
	err := sqlx.GetContext(ctx, q.ext, &batch, `SELECT `+batchColumns+` FROM batches WHERE id = $1`, id)
	if err != nil {
		return nil, mapError("get batch", "batch", id, err)
	}
	return &batch, nil
}

func (q *queries) InsertBatch(ctx context.Context, batch *domain.Batch) error {
	_, err := q.ext.ExecContext(ctx,
		`INSERT INTO batches (id, name, goal, created_at) VALUES ($1, $2, $3, $4)`,
		batch.ID, batch.Name, batch.Goal, batch.CreatedAt,
	)
	return mapError("insert batch", "batch", batch.ID, err)
}

func (q *queries) GetExecution(ctx context.Context, id string) (*domain.Execution, error) {
	var exec domain.Execution
	err := sqlx.GetContext(ctx, q.ext, &exec, `SELECT `+executionColumns+` FROM executions WHERE id = $1`, id)
	if err != nil {
		return nil, mapError("get execution", "execution", id, err)
	}
	return &exec, nil
}

func (q *queries) ListExecutions(ctx context.Context, filter gateway.ExecutionFilter) ([]*domain.Execution, error) {
	var (
		conditions []string
		args       []any
	)
	if filter.BatchID != "" {
		args = append(args, filter.BatchID)
		conditions = append(conditions, "batch_id = $"+strconv.Itoa(len(args)))
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			statuses[i] = string(s)
		}
		args = append(args, pq.Array(statuses))
		conditions = append(conditions, "status = ANY($"+strconv.Itoa(len(args))+")")
	}

	query := `SELECT ` + executionColumns + ` FROM executions`
	if len(conditions) > 0 {
		query += ` WHERE ` + strings.Join(conditions, " AND ")
	}
	query += ` ORDER BY created_at, id`

	var execs []*domain.Execution
	if err := sqlx.SelectContext(ctx, q.ext, &execs, query, args...); err != nil {
		return nil, mapError("list executions", "execution", "", err)
	}
	return execs, nil
}

func (q *queries) InsertExecution(ctx context.Context, exec *domain.Execution) error {
	_, err := q.ext.ExecContext(ctx, `
		INSERT INTO executions (
			id, batch_id, status, concurrency, agent_timeout_ms,
			total_jobs, queued_jobs, running_jobs, completed_jobs, error_jobs, passed_jobs, failed_jobs,
			stop_reason, created_at, last_activity_at, version
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		exec.ID, exec.BatchID, exec.Status, exec.Concurrency, exec.AgentTimeoutMs,
		exec.TotalJobs, exec.QueuedJobs, exec.RunningJobs, exec.CompletedJobs, exec.ErrorJobs,
		exec.PassedJobs, exec.FailedJobs,
		exec.StopReason, exec.CreatedAt, exec.LastActivityAt, exec.Version,
	)
	return mapError("insert execution", "execution", exec.ID, err)
}

func (q *queries) UpdateExecution(ctx context.Context, exec *domain.Execution) error {
	result, err := q.ext.ExecContext(ctx, `
		UPDATE executions
		SET status = $1,
		    concurrency = $2,
		    total_jobs = $3,
		    queued_jobs = $4,
		    running_jobs = $5,
		    completed_jobs = $6,
		    error_jobs = $7,
		    passed_jobs = $8,
		    failed_jobs = $9,
		    stop_reason = $10,
		    started_at = $11,
		    paused_at = $12,
		    stopped_at = $13,
		    completed_at = $14,
		    last_activity_at = $15,
		    version = version + 1
		WHERE id = $16 AND version = $17`,
		exec.Status, exec.Concurrency,
		exec.TotalJobs, exec.QueuedJobs, exec.RunningJobs, exec.CompletedJobs, exec.ErrorJobs,
		exec.PassedJobs, exec.FailedJobs,
		exec.StopReason, exec.StartedAt, exec.PausedAt, exec.StoppedAt, exec.CompletedAt, exec.LastActivityAt,
		exec.ID, exec.Version,
	)
	if err = execRequireRows(result, err, gateway.ErrVersionConflict); err != nil {
		if errors.Is(err, gateway.ErrVersionConflict) {
			return err
		}
		return mapError("update execution", "execution", exec.ID, err)
	}

	exec.Version++
	return nil
}

func (q *queries) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	var job domain.Job
	err := sqlx.GetContext(ctx, q.ext, &job, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	if err != nil {
		return nil, mapError("get job", "job", id, err)
	}
	return &job, nil
}

func (q *queries) ListBatchJobs(ctx context.Context, batchID string) ([]*domain.Job, error) {
	var jobs []*domain.Job
	err := sqlx.SelectContext(ctx, q.ext, &jobs,
		`SELECT `+jobColumns+` FROM jobs WHERE batch_id = $1 ORDER BY created_at, id`, batchID)
	if err != nil {
		return nil, mapError("list batch jobs", "batch", batchID, err)
	}
	return jobs, nil
}

func (q *queries) ListExecutionJobs(ctx context.Context, executionID string, filter gateway.JobFilter) ([]*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE execution_id = $1`
	args := []any{executionID}
	if filter.Status != "" {
		args = append(args, filter.Status)
		query += ` AND status = $2`
	}
	query += ` ORDER BY created_at, id`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	var jobs []*domain.Job
	if err := sqlx.SelectContext(ctx, q.ext, &jobs, query, args...); err != nil {
		return nil, mapError("list execution jobs", "execution", executionID, err)
	}
	return jobs, nil
}

func (q *queries) InsertJob(ctx context.Context, job *domain.Job) error {
	_, err := q.ext.ExecContext(ctx, `
		INSERT INTO jobs (
			id, batch_id, execution_id, site_name, site_url, status,
			retry_count, ground_truth, result, error_message, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		job.ID, job.BatchID, job.ExecutionID, job.SiteName, job.SiteURL, job.Status,
		job.RetryCount, job.GroundTruth, job.Result, job.ErrorMessage, job.CreatedAt, job.UpdatedAt,
	)
	return mapError("insert job", "job", job.ID, err)
}

func (q *queries) UpdateJob(ctx context.Context, job *domain.Job) error {
	result, err := q.ext.ExecContext(ctx, `
		UPDATE jobs
		SET execution_id = $1,
		    status = $2,
		    progress_percentage = $3,
		    current_step = $4,
		    current_url = $5,
		    retry_count = $6,
		    result = $7,
		    error_message = $8,
		    started_at = $9,
		    completed_at = $10,
		    updated_at = $11
		WHERE id = $12`,
		job.ExecutionID, job.Status, job.ProgressPercentage, job.CurrentStep, job.CurrentURL,
		job.RetryCount, job.Result, job.ErrorMessage, job.StartedAt, job.CompletedAt, job.UpdatedAt,
		job.ID,
	)
	return mapError("update job", "job", job.ID,
		execRequireRows(result, err, domain.NewNotFoundError("job", job.ID)))
}

func (q *queries) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	var session domain.Session
	err := sqlx.GetContext(ctx, q.ext, &session, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	if err != nil {
		return nil, mapError("get session", "session", id, err)
	}
	return &session, nil
}

func (q *queries) ListSessions(ctx context.Context, jobID string) ([]*domain.Session, error) {
	var sessions []*domain.Session
	err := sqlx.SelectContext(ctx, q.ext, &sessions,
		`SELECT `+sessionColumns+` FROM sessions WHERE job_id = $1 ORDER BY session_number`, jobID)
	if err != nil {
		return nil, mapError("list sessions", "job", jobID, err)
	}
	return sessions, nil
}

func (q *queries) ActiveSession(ctx context.Context, jobID string) (*domain.Session, error) {
	var session domain.Session
	err := sqlx.GetContext(ctx, q.ext, &session,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE job_id = $1 AND status IN ('pending', 'running')
		 ORDER BY session_number DESC LIMIT 1`, jobID)
	if err != nil {
		return nil, mapError("get active session", "active session", jobID, err)
	}
	return &session, nil
}

func (q *queries) MaxSessionNumber(ctx context.Context, jobID string) (int, error) {
	var n int
	err := sqlx.GetContext(ctx, q.ext, &n,
		`SELECT COALESCE(MAX(session_number), 0) FROM sessions WHERE job_id = $1`, jobID)
	if err != nil {
		return 0, mapError("max session number", "job", jobID, err)
	}
	return n, nil
}

func (q *queries) InsertSession(ctx context.Context, session *domain.Session) error {
	_, err := q.ext.ExecContext(ctx, `
		INSERT INTO sessions (
			id, job_id, session_number, status, extracted_data, screenshots, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		session.ID, session.JobID, session.SessionNumber, session.Status,
		session.ExtractedData, session.Screenshots, session.CreatedAt,
	)
	return mapError("insert session", "session", session.JobID, err)
}

func (q *queries) UpdateSession(ctx context.Context, session *domain.Session) error {
	result, err := q.ext.ExecContext(ctx, `
		UPDATE sessions
		SET status = $1,
		    extracted_data = $2,
		    fields_extracted = $3,
		    fields_missing = $4,
		    completion_percentage = $5,
		    error_message = $6,
		    failure_reason = $7,
		    screenshots = $8,
		    streaming_url = $9,
		    run_id = $10,
		    started_at = $11,
		    completed_at = $12
		WHERE id = $13`,
		session.Status, session.ExtractedData, session.FieldsExtracted, session.FieldsMissing,
		session.CompletionPercentage, session.ErrorMessage, session.FailureReason, session.Screenshots,
		session.StreamingURL, session.RunID, session.StartedAt, session.CompletedAt,
		session.ID,
	)
	return mapError("update session", "session", session.ID,
		execRequireRows(result, err, domain.NewNotFoundError("session", session.ID)))
}
