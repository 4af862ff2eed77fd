// Package gateway defines the persistence boundary for batches, executions,
// jobs and sessions.
package gateway

import (
	"context"
	"errors"

	"github.com/jonesrussell/north-cloud/batch-runner/internal/domain"
)

// ErrVersionConflict is returned by UpdateExecution when the stored version
// no longer matches the one that was read.
var ErrVersionConflict = errors.New("execution version conflict")

// JobFilter narrows ListExecutionJobs.
type JobFilter struct {
	Status domain.JobStatus
	Limit  int
}

// ExecutionFilter narrows ListExecutions.
type ExecutionFilter struct {
	BatchID  string
	Statuses []domain.ExecutionStatus
}

// Reader holds the query operations.
type Reader interface {
	GetBatch(ctx context.Context, id string) (*domain.Batch, error)
	GetExecution(ctx context.Context, id string) (*domain.Execution, error)
	GetJob(ctx context.Context, id string) (*domain.Job, error)
	GetSession(ctx context.Context, id string) (*domain.Session, error)

	// ListBatchJobs returns every job of a batch in creation order.
	ListBatchJobs(ctx context.Context, batchID string) ([]*domain.Job, error)
	// ListExecutionJobs returns the jobs owned by an execution, FIFO by
	// (created_at, id).
	ListExecutionJobs(ctx context.Context, executionID string, filter JobFilter) ([]*domain.Job, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*domain.Execution, error)

	// ListSessions returns a job's sessions ordered by session number.
	ListSessions(ctx context.Context, jobID string) ([]*domain.Session, error)
	// ActiveSession returns the job's pending or running session, or a
	// NotFoundError when every session is terminal.
	ActiveSession(ctx context.Context, jobID string) (*domain.Session, error)
	// MaxSessionNumber returns the highest session number for a job, 0 if none.
	MaxSessionNumber(ctx context.Context, jobID string) (int, error)
}

// Tx is a unit of work. Writes become visible when the surrounding InTx
// returns nil.
type Tx interface {
	Reader

	InsertBatch(ctx context.Context, batch *domain.Batch) error
	InsertJob(ctx context.Context, job *domain.Job) error
	UpdateJob(ctx context.Context, job *domain.Job) error

	InsertExecution(ctx context.Context, exec *domain.Execution) error
	// UpdateExecution writes exec only if the stored version equals
	// exec.Version, then increments exec.Version. A mismatch returns
	// ErrVersionConflict.
	UpdateExecution(ctx context.Context, exec *domain.Execution) error

	InsertSession(ctx context.Context, session *domain.Session) error
	UpdateSession(ctx context.Context, session *domain.Session) error
}

// Gateway is the system of record.
type Gateway interface {
	Reader
	// InTx runs fn in a transaction. A non-nil error from fn rolls back every
	// write made through tx.
	InTx(ctx context.Context, fn func(tx Tx) error) error
	// Snapshot runs fn against a read-only view in which every read sees
	// the same committed state.
	Snapshot(ctx context.Context, fn func(r Reader) error) error
	Close() error
}

// Pinger is implemented by gateways that can report connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}
