package agent

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jonesrussell/north-cloud/batch-runner/internal/domain"
)

// ScriptFunc decides the outcome of one Fake submission.
type ScriptFunc func(ctx context.Context, req Request, onProgress ProgressFunc) (*Result, error)

// Fake is a scripted Client used by tests and by simulated local runs.
type Fake struct {
	script ScriptFunc

	mu          sync.Mutex
	calls       []Request
	cancelled   []string
	inFlight    int
	maxInFlight int
}

var _ Client = (*Fake)(nil)

// NewFake creates a Fake that runs script for every submission.
func NewFake(script ScriptFunc) *Fake {
	return &Fake{script: script}
}

// Submit implements Client.
func (f *Fake) Submit(ctx context.Context, req Request, onProgress ProgressFunc) (*Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	if onProgress == nil {
		onProgress = func(Progress) {}
	}
	return f.script(ctx, req, onProgress)
}

// Cancel implements Client.
func (f *Fake) Cancel(_ context.Context, runID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, runID)
	return nil
}

// Calls returns every request submitted so far.
func (f *Fake) Calls() []Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Request(nil), f.calls...)
}

// InFlight returns the number of submissions currently running.
func (f *Fake) InFlight() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inFlight
}

// MaxInFlight returns the highest number of concurrent submissions observed.
func (f *Fake) MaxInFlight() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxInFlight
}

// Succeed returns a script that reports one progress step and returns data.
func Succeed(data map[string]any) ScriptFunc {
	return func(_ context.Context, req Request, onProgress ProgressFunc) (*Result, error) {
		runID := uuid.NewString()
		onProgress(Progress{RunID: runID, Percentage: 50, Step: "extracting", CurrentURL: req.SiteURL})
		return &Result{
			RunID:                runID,
			ExtractedData:        data,
			FieldsExtracted:      len(data),
			CompletionPercentage: 100,
		}, nil
	}
}

// Fail returns a script that fails every submission with category.
func Fail(category domain.AgentCategory, message string) ScriptFunc {
	return func(context.Context, Request, ProgressFunc) (*Result, error) {
		return nil, domain.NewAgentError(category, message, nil)
	}
}

// Simulate returns a script that takes delay per call and echoes the site URL.
func Simulate(delay time.Duration) ScriptFunc {
	return func(ctx context.Context, req Request, onProgress ProgressFunc) (*Result, error) {
		runID := uuid.NewString()
		onProgress(Progress{RunID: runID, Percentage: 10, Step: "navigating", CurrentURL: req.SiteURL})

		select {
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				return nil, domain.NewAgentError(domain.AgentTimeout, "simulated run timed out", ctx.Err())
			}
			return nil, domain.NewAgentError(domain.AgentUnknown, "simulated run cancelled", ctx.Err())
		case <-time.After(delay):
		}

		data := map[string]any{"url": req.SiteURL}
		for _, field := range req.Fields {
			data[field] = ""
		}
		return &Result{RunID: runID, ExtractedData: data, FieldsExtracted: 1, CompletionPercentage: 100}, nil
	}
}

// Gate holds submissions until released.
type Gate struct {
	tokens chan struct{}
}

// NewGate creates a gate that can hold up to capacity pending releases.
func NewGate(capacity int) *Gate {
	return &Gate{tokens: make(chan struct{}, capacity)}
}

// Release lets n held submissions proceed.
func (g *Gate) Release(n int) {
	for range n {
		g.tokens <- struct{}{}
	}
}

// Then returns a script that waits for a release and then runs next.
func (g *Gate) Then(next ScriptFunc) ScriptFunc {
	return func(ctx context.Context, req Request, onProgress ProgressFunc) (*Result, error) {
		select {
		case <-g.tokens:
			return next(ctx, req, onProgress)
		case <-ctx.Done():
			return nil, domain.NewAgentError(domain.AgentUnknown, "cancelled while held", ctx.Err())
		}
	}
}
