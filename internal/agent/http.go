package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/jonesrussell/north-cloud/batch-runner/infrastructure/circuitbreaker"
	infraerrors "github.com/jonesrussell/north-cloud/batch-runner/infrastructure/errors"
	infrahttp "github.com/jonesrussell/north-cloud/batch-runner/infrastructure/http"
	infralogger "github.com/jonesrussell/north-cloud/batch-runner/infrastructure/logger"
	"github.com/jonesrussell/north-cloud/batch-runner/infrastructure/retry"
	"github.com/jonesrussell/north-cloud/batch-runner/internal/domain"
)

const (
	tracerName = "github.com/jonesrussell/north-cloud/batch-runner/internal/agent"

	defaultPollInterval   = 2 * time.Second
	defaultRequestTimeout = 30 * time.Second
	defaultRateLimit      = 10
	defaultRateBurst      = 5
	defaultPollRetries    = 3
	cancelTimeout         = 5 * time.Second

	runsPath = "/v1/runs"
)

// Run statuses reported by the agent.
const (
	runCompleted  = "completed"
	runFailed     = "failed"
	runNeedsInput = "needs_input"
	runCancelled  = "cancelled"
)

// Config configures the HTTP agent client.
type Config struct {
	BaseURL        string        `env:"AGENT_BASE_URL" yaml:"base_url"`
	APIKey         string        `env:"AGENT_API_KEY"  yaml:"api_key"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	// RateLimit caps outbound requests per second across all executions.
	RateLimit   float64               `yaml:"rate_limit"`
	RateBurst   int                   `yaml:"rate_burst"`
	PollRetries int                   `yaml:"poll_retries"`
	Breaker     circuitbreaker.Config `yaml:"breaker"`
	// Transport overrides the HTTP transport (tests).
	Transport http.RoundTripper `yaml:"-"`
}

func (c *Config) setDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaultRequestTimeout
	}
	if c.RateLimit <= 0 {
		c.RateLimit = defaultRateLimit
	}
	if c.RateBurst <= 0 {
		c.RateBurst = defaultRateBurst
	}
	if c.PollRetries <= 0 {
		c.PollRetries = defaultPollRetries
	}
}

// HTTPClient talks to the agent's REST API:
//
//	POST {base}/v1/runs              start a run
//	GET  {base}/v1/runs/{id}         poll status, progress and result
//	POST {base}/v1/runs/{id}/cancel  abandon a run
type HTTPClient struct {
	cfg     Config
	base    *url.URL
	http    *http.Client
	limiter *rate.Limiter
	breaker *circuitbreaker.Breaker
	tracer  trace.Tracer
	logger  infralogger.Logger
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient creates an agent client.
func NewHTTPClient(cfg Config, log infralogger.Logger) (*HTTPClient, error) {
	cfg.setDefaults()

	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid agent base url %q", cfg.BaseURL)
	}

	log = log.With(infralogger.Component("agent"))

	breakerCfg := cfg.Breaker
	breakerCfg.IsFailure = func(err error) bool { return errors.Is(err, ErrUnavailable) }
	breakerCfg.OnStateChange = func(from, to circuitbreaker.State) {
		log.Warn("Agent circuit breaker state changed",
			infralogger.String("from", from.String()),
			infralogger.String("to", to.String()))
	}

	return &HTTPClient{
		cfg:  cfg,
		base: base,
		http: infrahttp.NewClient(&infrahttp.ClientConfig{
			Timeout:   cfg.RequestTimeout,
			Transport: cfg.Transport,
		}),
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
		breaker: circuitbreaker.New(breakerCfg),
		tracer:  otel.Tracer(tracerName),
		logger:  log,
	}, nil
}

type runRequest struct {
	URL            string            `json:"url"`
	Goal           string            `json:"goal,omitempty"`
	SiteName       string            `json:"site_name,omitempty"`
	Fields         []string          `json:"fields,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

type runProgress struct {
	Percentage float64 `json:"percentage"`
	Step       string  `json:"step"`
	CurrentURL string  `json:"current_url"`
}

type runResult struct {
	ExtractedData        map[string]any `json:"extracted_data"`
	FieldsExtracted      int            `json:"fields_extracted"`
	FieldsMissing        int            `json:"fields_missing"`
	CompletionPercentage float64        `json:"completion_percentage"`
	Screenshots          []string       `json:"screenshots"`
}

type runError struct {
	Category string `json:"category"`
	Message  string `json:"message"`
}

type runResponse struct {
	RunID        string       `json:"run_id"`
	Status       string       `json:"status"`
	StreamingURL string       `json:"streaming_url"`
	Progress     *runProgress `json:"progress,omitempty"`
	Result       *runResult   `json:"result,omitempty"`
	Error        *runError    `json:"error,omitempty"`
}

// Submit starts a run and polls it to completion.
func (c *HTTPClient) Submit(ctx context.Context, req Request, onProgress ProgressFunc) (*Result, error) {
	ctx, span := c.tracer.Start(ctx, "agent.submit",
		trace.WithAttributes(
			attribute.String("execution.id", req.ExecutionID),
			attribute.String("job.id", req.JobID),
			attribute.String("session.id", req.SessionID),
			attribute.String("site.url", req.SiteURL),
		))
	defer span.End()

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	result, err := c.submit(ctx, req, onProgress)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("agent.run_id", result.RunID))
	return result, nil
}

func (c *HTTPClient) submit(ctx context.Context, req Request, onProgress ProgressFunc) (*Result, error) {
	run, err := c.createRun(ctx, req)
	if err != nil {
		return nil, err
	}

	if onProgress != nil {
		onProgress(Progress{RunID: run.RunID, StreamingURL: run.StreamingURL})
	}

	return c.await(ctx, run, onProgress)
}

func (c *HTTPClient) createRun(ctx context.Context, req Request) (*runResponse, error) {
	body := runRequest{
		URL:            req.SiteURL,
		Goal:           req.Goal,
		SiteName:       req.SiteName,
		Fields:         req.Fields,
		TimeoutSeconds: int(req.Timeout.Seconds()),
		Metadata: map[string]string{
			"execution_id": req.ExecutionID,
			"job_id":       req.JobID,
			"session_id":   req.SessionID,
		},
	}

	var run runResponse
	err := c.breaker.Execute(ctx, func() error {
		return c.do(ctx, http.MethodPost, runsPath, body, &run)
	})
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if err != nil {
		return nil, classify(ctx, err)
	}
	if run.RunID == "" {
		return nil, domain.NewAgentError(domain.AgentUnknown, "agent returned no run id", nil)
	}
	return &run, nil
}

func (c *HTTPClient) await(ctx context.Context, run *runResponse, onProgress ProgressFunc) (*Result, error) {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	last := runProgress{}
	streamingURL := run.StreamingURL

	for {
		select {
		case <-ctx.Done():
			c.cancelAbandoned(ctx, run.RunID)
			return nil, classify(ctx, ctx.Err())
		case <-ticker.C:
		}

		current, err := c.poll(ctx, run.RunID)
		if err != nil {
			if ctx.Err() != nil {
				c.cancelAbandoned(ctx, run.RunID)
			}
			return nil, classify(ctx, err)
		}
		if current.StreamingURL != "" {
			streamingURL = current.StreamingURL
		}

		switch current.Status {
		case runCompleted:
			return toResult(current, streamingURL), nil
		case runFailed:
			return nil, runFailure(current, false)
		case runNeedsInput:
			return nil, runFailure(current, true)
		case runCancelled:
			return nil, domain.NewAgentError(domain.AgentUnknown, "run cancelled by agent", nil)
		}

		if current.Progress != nil && *current.Progress != last && onProgress != nil {
			last = *current.Progress
			onProgress(Progress{
				RunID:        run.RunID,
				Percentage:   last.Percentage,
				Step:         last.Step,
				CurrentURL:   last.CurrentURL,
				StreamingURL: streamingURL,
			})
		}
	}
}

func (c *HTTPClient) poll(ctx context.Context, runID string) (*runResponse, error) {
	var run runResponse
	err := retry.Retry(ctx, retry.Config{
		MaxAttempts: c.cfg.PollRetries,
		IsRetryable: func(err error) bool { return ctx.Err() == nil && isTransient(err) },
		OnRetry: func(attempt int, delay time.Duration, err error) {
			c.logger.Debug("Retrying agent poll",
				infralogger.String("run_id", runID),
				infralogger.Int("attempt", attempt),
				infralogger.Duration("delay", delay),
				infralogger.Error(err))
		},
	}, func() error {
		return c.do(ctx, http.MethodGet, runsPath+"/"+url.PathEscape(runID), nil, &run)
	})
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// Cancel implements Client.
func (c *HTTPClient) Cancel(ctx context.Context, runID string) error {
	if runID == "" {
		return nil
	}
	return c.do(ctx, http.MethodPost, runsPath+"/"+url.PathEscape(runID)+"/cancel", nil, nil)
}

func (c *HTTPClient) cancelAbandoned(ctx context.Context, runID string) {
	cancelCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cancelTimeout)
	defer cancel()

	if err := c.Cancel(cancelCtx, runID); err != nil {
		c.logger.Warn("Failed to cancel agent run",
			infralogger.String("run_id", runID),
			infralogger.Error(err))
	}
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: rate limit: %w", ErrUnavailable, err)
	}

	var reader io.Reader = http.NoBody
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if httpErr := infraerrors.ParseHTTPError(resp); httpErr != nil {
		if isUnavailableStatus(resp.StatusCode) {
			return fmt.Errorf("%w: %w", ErrUnavailable, httpErr)
		}
		return httpErr
	}

	if out == nil {
		return nil
	}
	if err = json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func isUnavailableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

func isTransient(err error) bool {
	if errors.Is(err, ErrUnavailable) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) || retry.DefaultIsRetryable(err)
}

// classify turns transport and HTTP failures into domain agent errors.
// Unavailability on submit is passed through unchanged.
func classify(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return domain.NewAgentError(domain.AgentTimeout, "agent call timed out", err)
	case errors.Is(err, context.Canceled):
		return domain.NewAgentError(domain.AgentUnknown, "agent call cancelled", err)
	case errors.Is(err, retry.ErrMaxAttemptsExceeded):
		return domain.NewAgentError(domain.AgentNetwork, "agent unreachable while polling", err)
	case errors.Is(err, ErrUnavailable):
		return err
	}

	if status, ok := infraerrors.GetHTTPStatusCode(err); ok {
		message := err.Error()
		var httpErr *infraerrors.HTTPError
		if errors.As(err, &httpErr) && httpErr.Message != "" {
			message = httpErr.Message
		}
		switch status {
		case http.StatusUnauthorized, http.StatusForbidden:
			return domain.NewAgentError(domain.AgentAuth, message, err)
		case http.StatusBadRequest, http.StatusUnprocessableEntity:
			return domain.NewAgentError(domain.AgentValidation, message, err)
		default:
			return domain.NewAgentError(domain.AgentUnknown, message, err)
		}
	}

	return domain.NewAgentError(domain.AgentUnknown, err.Error(), err)
}

func runFailure(run *runResponse, recoverable bool) *domain.AgentError {
	category := domain.AgentUnknown
	message := "agent run " + run.Status
	if run.Error != nil {
		category = domain.ParseAgentCategory(run.Error.Category)
		if run.Error.Message != "" {
			message = run.Error.Message
		}
	}
	agentErr := domain.NewAgentError(category, message, nil)
	agentErr.Recoverable = recoverable
	return agentErr
}

func toResult(run *runResponse, streamingURL string) *Result {
	result := &Result{RunID: run.RunID, StreamingURL: streamingURL}
	if run.Result != nil {
		result.ExtractedData = run.Result.ExtractedData
		result.FieldsExtracted = run.Result.FieldsExtracted
		result.FieldsMissing = run.Result.FieldsMissing
		result.CompletionPercentage = run.Result.CompletionPercentage
		result.Screenshots = run.Result.Screenshots
	}
	return result
}
