// Package orchestrator provides a typed client for the remote task-orchestration API
// and the poller that drives asynchronous tasks to completion.
package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/capitalize-ai/task-relay/pkg/logger"
	"github.com/capitalize-ai/task-relay/pkg/metrics"
	"github.com/capitalize-ai/task-relay/pkg/tracing"
)

const (
	defaultBaseURL = "http://127.0.0.1:8000"
	defaultTimeout = 30 * time.Second

	// maxErrorBody bounds how much of an error response is kept for diagnostics.
	maxErrorBody = 4096
)

// Config holds orchestrator client configuration.
type Config struct {
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *logger.Logger
}

// Client talks to the orchestrator task API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *logger.Logger
	tracer     trace.Tracer
}

// AgentList is the body of GET /agents.
type AgentList struct {
	Names  []string
	Timing Timing
}

// NewClient creates a new orchestrator client.
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: httpClient,
		logger:     logger.OrNop(cfg.Logger).Component("orchestrator_client"),
		tracer:     tracing.Tracer("orchestrator"),
	}
}

// Submit asks the orchestrator to execute an instruction. The returned status is
// either already completed or carries a task id to poll.
func (c *Client) Submit(ctx context.Context, instruction string, taskContext map[string]any) (*TaskStatus, error) {
	body, err := json.Marshal(TaskRequest{Instruction: instruction, Context: taskContext})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal task request: %w", err)
	}

	var status TaskStatus
	timing, err := c.do(ctx, "execute", http.MethodPost, "/task/execute", body, &status)
	if err != nil {
		return nil, err
	}
	status.Timing = timing
	return &status, nil
}

// Status fetches the current state of a task.
func (c *Client) Status(ctx context.Context, taskID string) (*TaskStatus, error) {
	var status TaskStatus
	timing, err := c.do(ctx, "status", http.MethodGet, "/task/"+url.PathEscape(taskID)+"/status", nil, &status)
	if err != nil {
		return nil, err
	}
	status.Timing = timing
	return &status, nil
}

// Result fetches the full payload of a task.
func (c *Client) Result(ctx context.Context, taskID string) (*TaskStatus, error) {
	var status TaskStatus
	timing, err := c.do(ctx, "result", http.MethodGet, "/task/"+url.PathEscape(taskID)+"/result", nil, &status)
	if err != nil {
		return nil, err
	}
	status.Timing = timing
	return &status, nil
}

// Health fetches orchestrator health.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var health Health
	timing, err := c.do(ctx, "health", http.MethodGet, "/health", nil, &health)
	if err != nil {
		return nil, err
	}
	health.Timing = timing
	return &health, nil
}

// Agents lists the agents the orchestrator can run.
func (c *Client) Agents(ctx context.Context) (*AgentList, error) {
	var names []string
	timing, err := c.do(ctx, "agents", http.MethodGet, "/agents", nil, &names)
	if err != nil {
		return nil, err
	}
	return &AgentList{Names: names, Timing: timing}, nil
}

// do performs one round trip and decodes a 2xx JSON body into out.
func (c *Client) do(ctx context.Context, endpoint, method, path string, body []byte, out any) (Timing, error) {
	ctx, span := c.tracer.Start(ctx, "orchestrator."+endpoint, trace.WithAttributes(
		attribute.String("http.method", method),
		attribute.String("orchestrator.path", path),
	))
	defer span.End()

	start := time.Now()
	outcome := "error"
	defer func() {
		metrics.RecordOrchestratorCall(endpoint, outcome, time.Since(start).Seconds())
	}()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return Timing{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			outcome = "cancelled"
			span.SetStatus(codes.Error, "cancelled")
			return Timing{}, fmt.Errorf("%w: %s: %w", ErrCancelled, endpoint, ctx.Err())
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport failure")
		c.logger.Warn("orchestrator request failed",
			zap.String("endpoint", endpoint),
			zap.Error(err),
		)
		return Timing{}, &UnavailableError{Endpoint: endpoint, Err: err}
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		text := strings.TrimSpace(string(raw))
		if readErr != nil && text == "" {
			text = "Unknown error"
		}
		span.SetStatus(codes.Error, resp.Status)
		c.logger.Warn("orchestrator returned error status",
			zap.String("endpoint", endpoint),
			zap.Int("status", resp.StatusCode),
			zap.String("body", text),
		)
		return Timing{}, &UnavailableError{Endpoint: endpoint, StatusCode: resp.StatusCode, Body: text}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			outcome = "cancelled"
			return Timing{}, fmt.Errorf("%w: %s: %w", ErrCancelled, endpoint, ctx.Err())
		}
		span.RecordError(err)
		return Timing{}, &UnavailableError{
			Endpoint: endpoint,
			Err:      fmt.Errorf("%w: %w", ErrMalformedResponse, err),
		}
	}

	elapsed := time.Since(start)
	outcome = "ok"
	c.logger.Debug("orchestrator call completed",
		zap.String("endpoint", endpoint),
		zap.Duration("duration", elapsed),
	)

	return Timing{DurationMs: elapsed.Milliseconds()}, nil
}
