package gateway

import (
	"context"
	"sort"
	"sync"

	"github.com/jonesrussell/north-cloud/batch-runner/internal/domain"
)

type memState struct {
	batches    map[string]*domain.Batch
	executions map[string]*domain.Execution
	jobs       map[string]*domain.Job
	sessions   map[string]*domain.Session
}

func newMemState() *memState {
	return &memState{
		batches:    make(map[string]*domain.Batch),
		executions: make(map[string]*domain.Execution),
		jobs:       make(map[string]*domain.Job),
		sessions:   make(map[string]*domain.Session),
	}
}

// Memory is an in-process Gateway. Transactions are serialized and write to a
// private overlay that is merged into the shared state on commit.
type Memory struct {
	mu    sync.RWMutex
	state *memState
}

var _ Gateway = (*Memory)(nil)

// NewMemory creates an empty in-memory gateway.
func NewMemory() *Memory {
	return &Memory{state: newMemState()}
}

// InTx implements Gateway.
func (m *Memory) InTx(ctx context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memTx{memView: memView{layers: []*memState{newMemState(), m.state}}}
	if err := fn(tx); err != nil {
		return err
	}

	writes := tx.layers[0]
	for id, b := range writes.batches {
		m.state.batches[id] = b
	}
	for id, e := range writes.executions {
		m.state.executions[id] = e
	}
	for id, j := range writes.jobs {
		m.state.jobs[id] = j
	}
	for id, s := range writes.sessions {
		m.state.sessions[id] = s
	}
	return nil
}

// Snapshot implements Gateway.
func (m *Memory) Snapshot(ctx context.Context, fn func(r Reader) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(m.view())
}

// Close implements Gateway.
func (m *Memory) Close() error { return nil }

// Ping implements Pinger.
func (m *Memory) Ping(ctx context.Context) error { return ctx.Err() }

func (m *Memory) view() memView {
	return memView{layers: []*memState{m.state}}
}

func (m *Memory) GetBatch(ctx context.Context, id string) (*domain.Batch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.view().GetBatch(ctx, id)
}

func (m *Memory) GetExecution(ctx context.Context, id string) (*domain.Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.view().GetExecution(ctx, id)
}

func (m *Memory) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.view().GetJob(ctx, id)
}

func (m *Memory) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.view().GetSession(ctx, id)
}

func (m *Memory) ListBatchJobs(ctx context.Context, batchID string) ([]*domain.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.view().ListBatchJobs(ctx, batchID)
}

func (m *Memory) ListExecutionJobs(ctx context.Context, executionID string, filter JobFilter) ([]*domain.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.view().ListExecutionJobs(ctx, executionID, filter)
}

func (m *Memory) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*domain.Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.view().ListExecutions(ctx, filter)
}

func (m *Memory) ListSessions(ctx context.Context, jobID string) ([]*domain.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.view().ListSessions(ctx, jobID)
}

func (m *Memory) ActiveSession(ctx context.Context, jobID string) (*domain.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.view().ActiveSession(ctx, jobID)
}

func (m *Memory) MaxSessionNumber(ctx context.Context, jobID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.view().MaxSessionNumber(ctx, jobID)
}

// memView reads through a stack of layers, topmost first.
type memView struct {
	layers []*memState
}

func lookup[T any](layers []*memState, pick func(*memState) map[string]*T, id string) (*T, bool) {
	for _, l := range layers {
		if v, ok := pick(l)[id]; ok {
			return v, true
		}
	}
	return nil, false
}

func merged[T any](layers []*memState, pick func(*memState) map[string]*T) map[string]*T {
	out := make(map[string]*T)
	for i := len(layers) - 1; i >= 0; i-- {
		for id, v := range pick(layers[i]) {
			out[id] = v
		}
	}
	return out
}

func pickBatches(s *memState) map[string]*domain.Batch       { return s.batches }
func pickExecutions(s *memState) map[string]*domain.Execution { return s.executions }
func pickJobs(s *memState) map[string]*domain.Job             { return s.jobs }
func pickSessions(s *memState) map[string]*domain.Session     { return s.sessions }

func (v memView) GetBatch(_ context.Context, id string) (*domain.Batch, error) {
	b, ok := lookup(v.layers, pickBatches, id)
	if !ok {
		return nil, domain.NewNotFoundError("batch", id)
	}
	return b.Clone(), nil
}

func (v memView) GetExecution(_ context.Context, id string) (*domain.Execution, error) {
	e, ok := lookup(v.layers, pickExecutions, id)
	if !ok {
		return nil, domain.NewNotFoundError("execution", id)
	}
	return e.Clone(), nil
}

func (v memView) GetJob(_ context.Context, id string) (*domain.Job, error) {
	j, ok := lookup(v.layers, pickJobs, id)
	if !ok {
		return nil, domain.NewNotFoundError("job", id)
	}
	return j.Clone(), nil
}

func (v memView) GetSession(_ context.Context, id string) (*domain.Session, error) {
	s, ok := lookup(v.layers, pickSessions, id)
	if !ok {
		return nil, domain.NewNotFoundError("session", id)
	}
	return s.Clone(), nil
}

func (v memView) ListBatchJobs(_ context.Context, batchID string) ([]*domain.Job, error) {
	var out []*domain.Job
	for _, j := range merged(v.layers, pickJobs) {
		if j.BatchID == batchID {
			out = append(out, j.Clone())
		}
	}
	sortJobs(out)
	return out, nil
}

func (v memView) ListExecutionJobs(_ context.Context, executionID string, filter JobFilter) ([]*domain.Job, error) {
	var out []*domain.Job
	for _, j := range merged(v.layers, pickJobs) {
		if !j.BelongsTo(executionID) {
			continue
		}
		if filter.Status != "" && j.Status != filter.Status {
			continue
		}
		out = append(out, j.Clone())
	}
	sortJobs(out)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func sortJobs(jobs []*domain.Job) {
	sort.Slice(jobs, func(a, b int) bool {
		if !jobs[a].CreatedAt.Equal(jobs[b].CreatedAt) {
			return jobs[a].CreatedAt.Before(jobs[b].CreatedAt)
		}
		return jobs[a].ID < jobs[b].ID
	})
}

func (v memView) ListExecutions(_ context.Context, filter ExecutionFilter) ([]*domain.Execution, error) {
	var out []*domain.Execution
	for _, e := range merged(v.layers, pickExecutions) {
		if filter.BatchID != "" && e.BatchID != filter.BatchID {
			continue
		}
		if len(filter.Statuses) > 0 && !containsStatus(filter.Statuses, e.Status) {
			continue
		}
		out = append(out, e.Clone())
	}
	sort.Slice(out, func(a, b int) bool {
		if !out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].CreatedAt.Before(out[b].CreatedAt)
		}
		return out[a].ID < out[b].ID
	})
	return out, nil
}

func containsStatus(statuses []domain.ExecutionStatus, s domain.ExecutionStatus) bool {
	for _, candidate := range statuses {
		if candidate == s {
			return true
		}
	}
	return false
}

func (v memView) ListSessions(_ context.Context, jobID string) ([]*domain.Session, error) {
	var out []*domain.Session
	for _, s := range merged(v.layers, pickSessions) {
		if s.JobID == jobID {
			out = append(out, s.Clone())
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].SessionNumber < out[b].SessionNumber })
	return out, nil
}

func (v memView) ActiveSession(ctx context.Context, jobID string) (*domain.Session, error) {
	sessions, _ := v.ListSessions(ctx, jobID)
	for _, s := range sessions {
		if !s.Status.IsTerminal() {
			return s, nil
		}
	}
	return nil, domain.NewNotFoundError("active session", jobID)
}

func (v memView) MaxSessionNumber(ctx context.Context, jobID string) (int, error) {
	sessions, _ := v.ListSessions(ctx, jobID)
	if len(sessions) == 0 {
		return 0, nil
	}
	return sessions[len(sessions)-1].SessionNumber, nil
}

// memTx writes into layers[0].
type memTx struct {
	memView
}

func (t *memTx) writes() *memState { return t.layers[0] }

func (t *memTx) InsertBatch(_ context.Context, batch *domain.Batch) error {
	if _, ok := lookup(t.layers, pickBatches, batch.ID); ok {
		return domain.NewConflictError("batch", batch.ID, "already exists")
	}
	t.writes().batches[batch.ID] = batch.Clone()
	return nil
}

func (t *memTx) InsertJob(_ context.Context, job *domain.Job) error {
	if _, ok := lookup(t.layers, pickJobs, job.ID); ok {
		return domain.NewConflictError("job", job.ID, "already exists")
	}
	t.writes().jobs[job.ID] = job.Clone()
	return nil
}

func (t *memTx) UpdateJob(_ context.Context, job *domain.Job) error {
	if _, ok := lookup(t.layers, pickJobs, job.ID); !ok {
		return domain.NewNotFoundError("job", job.ID)
	}
	t.writes().jobs[job.ID] = job.Clone()
	return nil
}

func (t *memTx) InsertExecution(_ context.Context, exec *domain.Execution) error {
	if _, ok := lookup(t.layers, pickExecutions, exec.ID); ok {
		return domain.NewConflictError("execution", exec.ID, "already exists")
	}
	if !exec.Status.IsTerminal() {
		for _, other := range merged(t.layers, pickExecutions) {
			if other.BatchID == exec.BatchID && !other.Status.IsTerminal() {
				return domain.NewConflictError("batch", exec.BatchID, "already has active execution %s", other.ID)
			}
		}
	}
	t.writes().executions[exec.ID] = exec.Clone()
	return nil
}

func (t *memTx) UpdateExecution(_ context.Context, exec *domain.Execution) error {
	current, ok := lookup(t.layers, pickExecutions, exec.ID)
	if !ok {
		return domain.NewNotFoundError("execution", exec.ID)
	}
	if current.Version != exec.Version {
		return ErrVersionConflict
	}
	exec.Version++
	t.writes().executions[exec.ID] = exec.Clone()
	return nil
}

func (t *memTx) InsertSession(ctx context.Context, session *domain.Session) error {
	existing, _ := t.ListSessions(ctx, session.JobID)
	for _, s := range existing {
		if s.SessionNumber == session.SessionNumber {
			return domain.NewConflictError("session", session.JobID, "session %d already exists", s.SessionNumber)
		}
		if !s.Status.IsTerminal() && !session.Status.IsTerminal() {
			return domain.NewConflictError("job", session.JobID, "session %d is still open", s.SessionNumber)
		}
	}
	t.writes().sessions[session.ID] = session.Clone()
	return nil
}

func (t *memTx) UpdateSession(_ context.Context, session *domain.Session) error {
	if _, ok := lookup(t.layers, pickSessions, session.ID); !ok {
		return domain.NewNotFoundError("session", session.ID)
	}
	t.writes().sessions[session.ID] = session.Clone()
	return nil
}

var _ Tx = (*memTx)(nil)
