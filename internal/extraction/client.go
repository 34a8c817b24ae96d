// Package extraction calls the external extraction service that performs
// the work of each pipeline stage. Failures are classified so the
// dispatcher's retry policy can pick a backoff schedule; the client itself
// never retries.
package extraction

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
	"strconv"
	"strings"
	"time"

	"github.com/helixir/paper-pipeline-service/internal/dispatch"
	"github.com/helixir/paper-pipeline-service/internal/observability"
	"github.com/helixir/paper-pipeline-service/internal/resilience"
)

// maxErrorBody bounds how much of an error response is kept in the error.
const maxErrorBody = 512

// Config configures the extraction client.
type Config struct {
	// BaseURL is the extraction service base URL.
	BaseURL string

	// APIKey is sent as a bearer token when set.
	APIKey string

	// Timeout is the timeout of one stage call.
	Timeout time.Duration

	// RateLimit is the maximum calls per second.
	RateLimit float64

	// Burst is the maximum burst of calls.
	Burst int

	// UserAgent is the User-Agent header sent with calls.
	UserAgent string
}

// Client calls the extraction service. It is safe for concurrent use.
type Client struct {
	client      *http.Client
	rateLimiter *RateLimiter
	config      Config
	metrics     *observability.Metrics
}

// NewClient creates an extraction client. metrics may be nil.
func NewClient(cfg Config, metrics *observability.Metrics) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("extraction base url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid extraction base url: %w", err)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = 5
	}
	if cfg.Burst == 0 {
		cfg.Burst = 5
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "Helixir-PaperPipeline/1.0"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return &Client{
		client:      &http.Client{Timeout: cfg.Timeout},
		rateLimiter: NewRateLimiter(cfg.RateLimit, cfg.Burst),
		config:      cfg,
		metrics:     metrics,
	}, nil
}

type stageRequest struct {
	PaperID string                 `json:"paper_id"`
	Args    map[string]interface{} `json:"args,omitempty"`
}

// RunStage asks the service to perform stage for a paper and returns the
// decoded JSON result.
func (c *Client) RunStage(ctx context.Context, stage, paperID string, args map[string]interface{}) (map[string]interface{}, error) {
	start := time.Now()
	result, err := c.runStage(ctx, stage, paperID, args)
	outcome := "success"
	if err != nil {
		outcome = resilience.Classify(err).String()
	}
	c.metrics.RecordExtractionRequest(stage, outcome, time.Since(start).Seconds())
	return result, err
}

func (c *Client) runStage(ctx context.Context, stage, paperID string, args map[string]interface{}) (map[string]interface{}, error) {
	body, err := json.Marshal(stageRequest{PaperID: paperID, Args: args})
	if err != nil {
		return nil, resilience.NewDataRelated(fmt.Errorf("encode %s request: %w", stage, err))
	}

	if err := c.rateLimiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter wait: %w", err)
	}

	endpoint := c.config.BaseURL + "/stages/" + url.PathEscape(stage)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, resilience.NewPermanent(fmt.Errorf("build %s request: %w", stage, err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.config.UserAgent)
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, classifyTransportError(ctx, stage, err)
	}
	defer resp.Body.Close()

	c.adjustRate(resp)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, classifyStatus(stage, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var result map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil && !errors.Is(err, io.EOF) {
		return nil, resilience.NewDataRelated(fmt.Errorf("decode %s response: %w", stage, err))
	}
	return result, nil
}

// adjustRate follows a lower rate advertised by the service.
func (c *Client) adjustRate(resp *http.Response) {
	v := resp.Header.Get("X-RateLimit-Limit")
	if v == "" {
		return
	}
	limit, err := strconv.ParseFloat(v, 64)
	if err != nil || limit <= 0 || limit >= c.rateLimiter.Limit() {
		return
	}
	c.rateLimiter.SetRate(limit)
}

// StatusError is a non-2xx response from the extraction service.
type StatusError struct {
	Stage      string
	StatusCode int
	Body       string
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("extraction %s returned status %d", e.Stage, e.StatusCode)
	}
	return fmt.Sprintf("extraction %s returned status %d: %s", e.Stage, e.StatusCode, e.Body)
}

func classifyStatus(stage string, status int, body string) error {
	err := &StatusError{Stage: stage, StatusCode: status, Body: body}
	switch {
	case status == http.StatusTooManyRequests,
		status == http.StatusServiceUnavailable,
		status == http.StatusGatewayTimeout,
		status == http.StatusRequestTimeout:
		return resilience.NewTransient(err)
	case status >= 500:
		return resilience.NewDependency(err)
	case status == http.StatusUnprocessableEntity:
		return resilience.NewDataRelated(err)
	default:
		return resilience.NewPermanent(err)
	}
}

func classifyTransportError(ctx context.Context, stage string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("extraction %s: %w", stage, ctxErr)
	}
	wrapped := fmt.Errorf("extraction %s request failed: %w", stage, err)
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return resilience.NewTransient(wrapped)
	}
	return resilience.NewDependency(wrapped)
}

// ProgressFunc reports progress of the task running in ctx.
type ProgressFunc func(ctx context.Context, percent int, message string) error

// StageFuncs returns a dispatch stage function per chain stage backed by the
// client. progress may be nil.
func StageFuncs(c *Client, progress ProgressFunc) map[string]dispatch.StageFunc {
	out := make(map[string]dispatch.StageFunc, len(dispatch.ChainStages))
	for _, stage := range dispatch.ChainStages {
		stage := stage
		out[stage] = func(ctx context.Context, paperID string, args map[string]interface{}) (map[string]interface{}, error) {
			report(ctx, progress, 0, stage+" started")
			result, err := c.RunStage(ctx, stage, paperID, args)
			if err != nil {
				return nil, err
			}
			report(ctx, progress, 100, stage+" finished")
			return result, nil
		}
	}
	return out
}

// report is best effort; a progress failure never fails the stage.
func report(ctx context.Context, progress ProgressFunc, percent int, message string) {
	if progress == nil {
		return
	}
	_ = progress(ctx, percent, message)
}
